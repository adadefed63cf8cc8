// Package shutdown coordinates graceful termination of a pipeline process.
// A Coordinator owns the process context: it is cancelled on SIGINT/SIGTERM
// or when a run loop fails, after which registered components are stopped in
// reverse registration order within a single deadline.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/narvanalabs/buildstream/pkg/logger"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// Component is something that can be gracefully stopped.
type Component interface {
	// Name returns the component name for logging.
	Name() string
	// Shutdown stops the component. It should return within the context deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator manages graceful shutdown of multiple components.
type Coordinator struct {
	timeout time.Duration
	logger  *logger.Logger

	mu         sync.Mutex
	components []Component
	failed     bool

	// signalCh can be injected by tests.
	signalCh chan os.Signal

	ctx    context.Context
	cancel context.CancelFunc

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	exitCode     int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *Coordinator) {
		c.logger = log.WithComponent("shutdown")
	}
}

// WithSignalChannel sets a custom signal channel.
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       logger.Default().WithComponent("shutdown"),
		shutdownDone: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Context returns the process context. It is cancelled once shutdown begins.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Register adds a component. Components are shut down in reverse order of
// registration, so register dependencies before their dependents.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// Fail starts shutdown because a run loop stopped with err. The process
// then exits non-zero regardless of how cleanly components stop.
func (c *Coordinator) Fail(err error) {
	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()
	c.logger.Error("fatal error, shutting down", "error", err)
	c.cancel()
}

// WaitForSignal blocks until SIGINT/SIGTERM arrives or Fail is called, then
// shuts down every registered component.
func (c *Coordinator) WaitForSignal() {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig.String())
	case <-c.ctx.Done():
	}

	c.Shutdown()
}

// Shutdown cancels the process context and stops every registered component
// in reverse order, sharing one deadline. It is safe to call more than once.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		defer close(c.shutdownDone)

		c.cancel()
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout.String())

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := append([]Component(nil), c.components...)
		failed := c.failed
		c.mu.Unlock()

		clean := true
		for i := len(components) - 1; i >= 0; i-- {
			comp := components[i]
			c.logger.Info("shutting down component", "name", comp.Name())
			if err := comp.Shutdown(ctx); err != nil {
				clean = false
				c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
				continue
			}
			c.logger.Debug("component shutdown complete", "name", comp.Name())
		}

		switch {
		case ctx.Err() != nil:
			c.logger.Warn("shutdown timeout exceeded, forcing termination")
			c.exitCode = 1
		case !clean || failed:
			c.exitCode = 1
		default:
			c.logger.Info("all components shut down successfully")
		}
	})
}

// Wait blocks until shutdown is complete.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode returns 0 after a clean shutdown and 1 after a failure, a
// component error or a timeout.
func (c *Coordinator) ExitCode() int {
	c.Wait()
	return c.exitCode
}
