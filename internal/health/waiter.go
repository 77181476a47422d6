package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"convoy/internal/errors"
	"convoy/pkg/engine"
)

// Clock abstracts time so waits are deterministic under test. The zero
// dependency is the wall clock; tests inject a fake.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall-clock implementation of Clock.
func SystemClock() Clock { return systemClock{} }

// Prober is one readiness attempt. A nil return means the probe passed.
type Prober func(ctx context.Context) error

// Waiter polls a readiness probe with exponential backoff until the probe
// passes, the timeout elapses, or the context is cancelled.
type Waiter struct {
	clock Clock
}

// NewWaiter creates a Waiter. A nil clock falls back to the system clock.
func NewWaiter(clock Clock) *Waiter {
	if clock == nil {
		clock = systemClock{}
	}
	return &Waiter{clock: clock}
}

// Wait blocks cooperatively until probe succeeds or the budget runs out.
// The interval doubles after each failed attempt, capped at maxInterval.
// The returned error is a timeout error carrying the last probe failure,
// or ctx.Err() wrapped as cancelled.
func (w *Waiter) Wait(ctx context.Context, probe Prober, timeout, initialInterval, maxInterval time.Duration) error {
	deadline := w.clock.Now().Add(timeout)
	interval := initialInterval
	var lastErr error

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", errors.ErrCancelled, err)
		}

		lastErr = probe(ctx)
		if lastErr == nil {
			return nil
		}
		slog.Debug("Readiness probe failed", "attempt", attempt, "error", lastErr)

		if !w.clock.Now().Add(interval).Before(deadline) {
			// The next attempt would land past the deadline; wait out the
			// remainder so TimedOut is never reported early, then give up.
			if remaining := deadline.Sub(w.clock.Now()); remaining > 0 {
				select {
				case <-ctx.Done():
					return fmt.Errorf("%w: %v", errors.ErrCancelled, ctx.Err())
				case <-w.clock.After(remaining):
				}
			}
			return errors.NewTimeoutError(
				"Readiness probe timed out",
				fmt.Sprintf("no successful probe within %s (last error: %v)", timeout, lastErr),
				"Increase the probe timeout or check the service logs",
				fmt.Errorf("%w: probe failed for %s: %v", errors.ErrTimeout, timeout, lastErr))
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", errors.ErrCancelled, ctx.Err())
		case <-w.clock.After(interval):
		}

		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	}
}

// Settle waits a fixed delay and then reports ready. Used for services
// with no usable readiness signal; callers flag the weaker guarantee.
func (w *Waiter) Settle(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", errors.ErrCancelled, ctx.Err())
	case <-w.clock.After(delay):
		return nil
	}
}

// HTTPProber probes an HTTP endpoint; any status in [200,400) passes.
// Each attempt is bounded by attemptTimeout so a hung endpoint cannot
// stall the backoff loop.
func HTTPProber(host string, port int, path string, attemptTimeout time.Duration) Prober {
	client := &http.Client{Timeout: attemptTimeout}
	url := fmt.Sprintf("http://%s:%d%s", host, port, path)

	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 400 {
			return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		}
		return nil
	}
}

// CommandProber runs a command inside the container via the engine seam
// and passes only on the exact expected exit code.
func CommandProber(eng engine.Engine, containerID string, command []string, wantExit int) Prober {
	return func(ctx context.Context) error {
		code, err := eng.ExecProbe(ctx, containerID, command)
		if err != nil {
			return err
		}
		if code != wantExit {
			return fmt.Errorf("probe command exited %d, want %d", code, wantExit)
		}
		return nil
	}
}
