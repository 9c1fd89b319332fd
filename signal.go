package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// shutdownContext returns a context that cancels on the first SIGINT/SIGTERM
// and force-exits on the second. Canceling pauses uploads: bytes the server
// acknowledged stay there and the next run resumes after them. The returned
// stop function releases the signal handler.
func shutdownContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	stopped := make(chan struct{})

	var once sync.Once

	stop := func() {
		once.Do(func() { close(stopped) })
		cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("received signal, pausing uploads",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-stopped:
			return
		}

		// Wait for second signal: force exit.
		select {
		case sig := <-sigCh:
			logger.Warn("received second signal, forcing exit",
				slog.String("signal", sig.String()),
			)
			os.Exit(1)
		case <-stopped:
			return
		}
	}()

	return ctx, stop
}
