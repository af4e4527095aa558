// Package lifecycle turns termination signals into context cancellation and
// closes run resources in reverse order once the run has drained.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Closer is a resource released at shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// CloserFunc adapts a function to Closer.
type CloserFunc func(ctx context.Context) error

// Close implements Closer.
func (f CloserFunc) Close(ctx context.Context) error { return f(ctx) }

// ShutdownConfig configures the shutdown manager.
type ShutdownConfig struct {
	// CloseTimeout bounds the time spent closing registered resources.
	CloseTimeout time.Duration
	// Signals that cancel the run. Defaults to SIGINT and SIGTERM.
	Signals []os.Signal
	Logger  *zap.Logger
}

// DefaultShutdownConfig returns sensible defaults.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{
		CloseTimeout: 10 * time.Second,
		Signals:      []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

type namedCloser struct {
	name string
	c    Closer
}

// ShutdownManager owns the run context and the resources to release.
type ShutdownManager struct {
	mu sync.Mutex

	cfg     ShutdownConfig
	logger  *zap.Logger
	closers []namedCloser
	closed  bool

	signaled os.Signal
}

// NewShutdownManager creates a new shutdown manager.
func NewShutdownManager(cfg ShutdownConfig) *ShutdownManager {
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 10 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownManager{cfg: cfg, logger: logger}
}

// Register adds a resource to close at shutdown. Resources close in reverse
// registration order.
func (m *ShutdownManager) Register(name string, c Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closers = append(m.closers, namedCloser{name: name, c: c})
}

// HandleSignals returns a context that is canceled on the first configured
// signal. A second signal exits the process immediately with status 130.
// The returned stop function releases the signal handler.
func (m *ShutdownManager) HandleSignals(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, m.cfg.Signals...)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			m.mu.Lock()
			m.signaled = sig
			m.mu.Unlock()
			m.logger.Info("received signal, finishing in-flight events", zap.String("signal", sig.String()))
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigChan:
			m.logger.Warn("received second signal, exiting", zap.String("signal", sig.String()))
			os.Exit(130)
		case <-done:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigChan)
			close(done)
			cancel()
		})
	}
}

// Signaled returns the signal that canceled the run, if any.
func (m *ShutdownManager) Signaled() os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.signaled
}

// Shutdown closes the registered resources. It is safe to call more than
// once; later calls do nothing.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	closers := m.closers
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.CloseTimeout)
	defer cancel()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		nc := closers[i]
		if err := nc.c.Close(ctx); err != nil {
			m.logger.Warn("close failed", zap.String("resource", nc.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", nc.name, err))
		}
	}
	return errors.Join(errs...)
}
