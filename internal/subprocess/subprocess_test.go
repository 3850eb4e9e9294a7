package subprocess

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunSucceeds(t *testing.T) {
	result, err := Run(context.Background(), "true", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, result.Outcome)
}

func TestRunFailsFatalOnNonZeroExit(t *testing.T) {
	result, err := Run(context.Background(), "false", nil, time.Second)
	require.Error(t, err)
	assert.Equal(t, OutcomeFatal, result.Outcome)
}

func TestRunClassifiesTimeoutAsTransient(t *testing.T) {
	result, err := Run(context.Background(), "sleep", []string{"5"}, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, OutcomeTransient, result.Outcome)
}

func TestRunReportsMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), "sharpsplat-no-such-binary", nil, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBinaryNotFound)
}
