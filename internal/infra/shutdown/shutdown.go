package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// Handler runs named hooks on SIGINT, SIGTERM or Trigger. Hooks run in
// reverse registration order, so components stop before what they depend on.
type Handler struct {
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	hooks   []hook
	trigger chan error
	once    sync.Once
	done    chan struct{}
}

// NewHandler creates a shutdown handler whose hooks share timeout.
func NewHandler(timeout time.Duration, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		timeout: timeout,
		logger:  logger,
		trigger: make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// OnShutdown registers a shutdown hook.
func (h *Handler) OnShutdown(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, hook{name: name, fn: fn})
}

// Trigger starts shutdown without a signal, for example after a listener
// failed. The first cause wins.
func (h *Handler) Trigger(cause error) {
	select {
	case h.trigger <- cause:
	default:
	}
}

// Wait blocks until a signal, Trigger or ctx cancellation, then runs the
// hooks. It returns the trigger cause joined with hook errors.
func (h *Handler) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cause error
	select {
	case <-sigCtx.Done():
		h.logger.Info("shutdown signal received")
	case cause = <-h.trigger:
		h.logger.Error("shutting down", "error", cause)
	}
	return errors.Join(cause, h.Run())
}

// Run executes the hooks once. Later calls return nil.
func (h *Handler) Run() error {
	var errs []error
	h.once.Do(func() {
		defer close(h.done)

		ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
		defer cancel()

		h.mu.Lock()
		hooks := append([]hook(nil), h.hooks...)
		h.mu.Unlock()

		for i := len(hooks) - 1; i >= 0; i-- {
			start := time.Now()
			if err := hooks[i].fn(ctx); err != nil {
				h.logger.Warn("shutdown hook failed", "hook", hooks[i].name, "error", err)
				errs = append(errs, fmt.Errorf("%s: %w", hooks[i].name, err))
				continue
			}
			h.logger.Debug("shutdown hook done", "hook", hooks[i].name, "duration_ms", time.Since(start).Milliseconds())
		}
	})
	return errors.Join(errs...)
}

// Done returns a channel that closes when the hooks have run.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}
