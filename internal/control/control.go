// Package control implements the pipeline's cooperative pause/stop
// gating, OS signal handling, and a small request-budget counter.
//
// Signal handling follows the pattern the image-worker retrieval-pack
// file uses: a single signal.Notify channel feeding a goroutine that
// escalates from pause to stop. The first SIGINT/SIGTERM requests a
// pause (in-flight work finishes, no new work starts); a second signal
// (or any signal while already paused) requests a stop and cancels the
// root context.
package control

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Gate holds the pipeline's cooperative pause/stop state. Workers poll
// it between units of work; it never forcibly interrupts a goroutine.
type Gate struct {
	paused atomic.Bool
	stopped atomic.Bool

	cancel context.CancelFunc
}

// NewGate derives a cancellable context from parent and returns it
// alongside a Gate whose Stop also cancels that context.
func NewGate(parent context.Context) (context.Context, *Gate) {
	ctx, cancel := context.WithCancel(parent)

	return ctx, &Gate{cancel: cancel}
}

// Pause requests that workers stop picking up new units of work.
func (g *Gate) Pause() { g.paused.Store(true) }

// Resume clears a pause request.
func (g *Gate) Resume() { g.paused.Store(false) }

// Paused reports whether a pause is currently in effect.
func (g *Gate) Paused() bool { return g.paused.Load() }

// Stop requests a full shutdown and cancels the derived context.
func (g *Gate) Stop() {
	g.stopped.Store(true)
	g.cancel()
}

// Stopped reports whether a stop has been requested.
func (g *Gate) Stopped() bool { return g.stopped.Load() }

// ShouldProceed reports whether a worker may start a new unit of work:
// false once either paused or stopped.
func (g *Gate) ShouldProceed() bool {
	return !g.stopped.Load() && !g.paused.Load()
}

// WatchSignals installs a SIGINT/SIGTERM handler on gate: the first
// signal pauses, any subsequent signal (or a signal received while
// already paused) stops. It returns a function that stops watching and
// restores the default signal behavior.
func WatchSignals(gate *Gate) (stopWatching func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-sigCh:
				if gate.Paused() || gate.Stopped() {
					gate.Stop()

					return
				}

				gate.Pause()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// Budget caps the number of upstream requests and discover-stage scans
// a run may perform. Each counter has its own cap and is checked and
// incremented on its own; a single mutex guards both so Snapshot reads
// a consistent pair.
type Budget struct {
	mu             sync.Mutex
	requests       int64
	discoverScans  int64
	maxRequests    int64
	maxDiscoverScans int64
}

// NewBudget creates a budget with the given caps. A cap of 0 means
// unbounded.
func NewBudget(maxRequests, maxDiscoverScans int64) *Budget {
	return &Budget{maxRequests: maxRequests, maxDiscoverScans: maxDiscoverScans}
}

// AllowRequest reports whether another upstream request may be made,
// and if so, accounts for it.
func (b *Budget) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxRequests > 0 && b.requests >= b.maxRequests {
		return false
	}

	b.requests++

	return true
}

// AllowDiscoverScan reports whether another discover-stage scan may be
// performed, and if so, accounts for it.
func (b *Budget) AllowDiscoverScan() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxDiscoverScans > 0 && b.discoverScans >= b.maxDiscoverScans {
		return false
	}

	b.discoverScans++

	return true
}

// Snapshot returns the current counter values for logging/metrics.
func (b *Budget) Snapshot() (requests, discoverScans int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.requests, b.discoverScans
}
