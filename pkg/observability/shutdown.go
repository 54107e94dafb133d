package observability

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is a function to call during shutdown
type ShutdownFunc func(context.Context) error

type namedShutdown struct {
	name string
	fn   ShutdownFunc
}

// ShutdownManager runs registered cleanup steps once the process is asked to stop.
// Steps run sequentially in reverse registration order, so the HTTP server
// registered last drains before the datastores registered first are closed.
type ShutdownManager struct {
	logger  *Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []namedShutdown
	once  sync.Once
	err   error
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(logger *Logger, timeout time.Duration) *ShutdownManager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a named cleanup step
func (sm *ShutdownManager) Register(name string, fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, namedShutdown{name: name, fn: fn})
}

// WaitForSignal blocks until SIGINT/SIGTERM or ctx is done, then shuts down
func (sm *ShutdownManager) WaitForSignal(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)
	case <-ctx.Done():
		sm.logger.Info("Context cancelled, starting graceful shutdown")
	}

	return sm.Shutdown()
}

// Shutdown runs every registered step once. Later calls return the first result.
func (sm *ShutdownManager) Shutdown() error {
	sm.once.Do(func() {
		sm.err = sm.run()
	})
	return sm.err
}

func (sm *ShutdownManager) run() error {
	ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
	defer cancel()

	sm.mu.Lock()
	steps := make([]namedShutdown, len(sm.steps))
	copy(steps, sm.steps)
	sm.mu.Unlock()

	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if ctx.Err() != nil {
			errs = append(errs, fmt.Errorf("%s: shutdown timeout reached", step.name))
			continue
		}
		if err := step.fn(ctx); err != nil {
			sm.logger.WithError(err).WithField("step", step.name).Error("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		sm.logger.WithField("step", step.name).Debug("Shutdown step complete")
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	sm.logger.Info("Graceful shutdown complete")
	return nil
}
