package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateShouldProceedTransitions(t *testing.T) {
	ctx, gate := NewGate(context.Background())
	defer gate.Stop()

	assert.True(t, gate.ShouldProceed())

	gate.Pause()
	assert.False(t, gate.ShouldProceed())
	assert.False(t, gate.Stopped())

	gate.Resume()
	assert.True(t, gate.ShouldProceed())

	gate.Stop()
	assert.False(t, gate.ShouldProceed())
	assert.True(t, gate.Stopped())

	select {
	case <-ctx.Done():
	default:
		t.Fatal("Stop must cancel the derived context")
	}
}

func TestBudgetEnforcesCaps(t *testing.T) {
	b := NewBudget(2, 1)

	assert.True(t, b.AllowRequest())
	assert.True(t, b.AllowRequest())
	assert.False(t, b.AllowRequest())

	assert.True(t, b.AllowDiscoverScan())
	assert.False(t, b.AllowDiscoverScan())

	reqs, scans := b.Snapshot()
	assert.Equal(t, int64(2), reqs)
	assert.Equal(t, int64(1), scans)
}

func TestBudgetZeroCapIsUnbounded(t *testing.T) {
	b := NewBudget(0, 0)

	for i := 0; i < 1000; i++ {
		assert.True(t, b.AllowRequest())
	}
}
