package ticket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultInterval is the pause between two ticks.
const DefaultInterval = 3 * time.Second

// Poller runs a Machine on a fixed cadence until it authenticates or is stopped.
type Poller struct {
	machine  *Machine
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller builds a poller. A non-positive interval falls back to DefaultInterval.
func NewPoller(machine *Machine, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{machine: machine, interval: interval, logger: machine.logger}
}

// Handle controls a running poll loop.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Start launches the loop. The first tick runs immediately; each following
// tick starts no sooner than interval after the previous one started and never
// before it finished.
func (p *Poller) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer cancel()
		h.err = p.run(ctx)
	}()
	return h
}

func (p *Poller) run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(p.interval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if err := p.machine.Step(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			p.logger.Warn("ticket tick failed", slog.String("state", p.machine.State().String()), slog.Any("error", err))
		}
		if p.machine.State() == Authenticated {
			return nil
		}
	}
}

// Stop cancels the loop and waits for it to exit. Safe to call more than once.
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Done is closed once the loop has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports why the loop exited: nil after authentication, the context
// error after Stop or cancellation. It is nil while the loop runs.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}
