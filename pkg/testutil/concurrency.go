package testutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

// ConcurrentConfig shapes a concurrent write run.
type ConcurrentConfig struct {
	// Goroutines defaults to 20.
	Goroutines int
	// Timeout bounds each individual write; defaults to 3 seconds. With
	// SQLite a write that hits it is almost always deadlocked, not slow.
	Timeout time.Duration
}

// ConcurrentResult tallies one concurrent write run.
type ConcurrentResult struct {
	Succeeded int
	Failed    int
	TimedOut  int
	Max       time.Duration
}

// RunConcurrentWrites fires writes at the database from many goroutines at
// once and reports how they fared. prepare builds the item for goroutine i;
// write persists it.
func RunConcurrentWrites[T any](
	ctx context.Context,
	t *testing.T,
	cfg ConcurrentConfig,
	prepare func(i int) T,
	write func(ctx context.Context, item T) error,
) ConcurrentResult {
	t.Helper()

	if cfg.Goroutines == 0 {
		cfg.Goroutines = 20
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}

	type outcome struct {
		err      error
		timedOut bool
		duration time.Duration
	}

	outcomes := make(chan outcome, cfg.Goroutines)
	var wg sync.WaitGroup

	for i := 0; i < cfg.Goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			item := prepare(i)
			opCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()

			start := time.Now()
			done := make(chan error, 1)
			go func() { done <- write(opCtx, item) }()

			select {
			case err := <-done:
				outcomes <- outcome{err: err, duration: time.Since(start)}
			case <-opCtx.Done():
				outcomes <- outcome{err: opCtx.Err(), timedOut: true, duration: time.Since(start)}
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	var result ConcurrentResult
	for o := range outcomes {
		switch {
		case o.timedOut:
			result.TimedOut++
			t.Logf("write timed out after %v (likely deadlock)", o.duration)
		case o.err != nil:
			result.Failed++
			t.Logf("write failed: %v", o.err)
		default:
			result.Succeeded++
		}
		if o.duration > result.Max {
			result.Max = o.duration
		}
	}
	return result
}
