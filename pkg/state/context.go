package state

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/multierr"
)

var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT}

// NewContext combines the context interface with a graceful exit
func NewContext(parent context.Context, log *slog.Logger) Context {
	bg, cancel := context.WithCancel(parent)
	return &ctx{
		Context: bg,
		cancel:  cancel,
		log:     log,
		done:    make(chan struct{}),
	}
}

type Context interface {
	context.Context
	// Defer registers a closer. Closers run in reverse order on Exit.
	Defer(fn func() error)
	// Exit cancels the context and runs the registered closers. The
	// application force quits if another shutdown signal arrives meanwhile.
	// Later calls block until the closers of the first one have returned.
	Exit() error
	// AwaitExit blocks until a shutdown signal is received or the context
	// is cancelled, then exits.
	AwaitExit() error
}

type ctx struct {
	context.Context
	mu      sync.Mutex
	closers []func() error
	cancel  context.CancelFunc
	log     *slog.Logger
	exited  bool
	done    chan struct{}
	err     error
}

func (ctx *ctx) Defer(fn func() error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.closers = append(ctx.closers, fn)
}

// Exit triggers the ctx.Done chan, thereby releasing any goroutines waiting on chan
func (ctx *ctx) Exit() error {
	ctx.cancel()
	ctx.mu.Lock()
	if ctx.exited {
		ctx.mu.Unlock()
		<-ctx.done
		return ctx.err
	}
	ctx.exited = true
	closers := ctx.closers
	ctx.closers = nil
	ctx.mu.Unlock()

	var (
		done = make(chan error, 1)
		// press Ctrl_C again to force quit
		force = make(chan os.Signal, 1)
	)
	signal.Notify(force, shutdownSignals...)
	defer signal.Stop(force)
	go func() {
		var err error
		for i := len(closers) - 1; i >= 0; i-- {
			err = multierr.Append(err, closers[i]())
		}
		done <- err
	}()
	select {
	case <-force:
		ctx.log.Warn("force quitting")
		os.Exit(1)
	case ctx.err = <-done:
		ctx.log.Debug("gracefully quitting", "closers", len(closers))
		close(ctx.done)
	}
	return ctx.err
}

// AwaitExit blocks till an interrupt is received or context closed
func (ctx *ctx) AwaitExit() error {
	exit, done := signal.NotifyContext(ctx, shutdownSignals...)
	defer done()
	<-exit.Done()
	return ctx.Exit()
}
