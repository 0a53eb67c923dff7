package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sokovan/sokovan/internal/common/sokovancontext"
)

// CreateContextWithShutdown returns a context that is cancelled when SIGINT or SIGTERM is received.
func CreateContextWithShutdown() *sokovancontext.Context {
	ctx, cancel := sokovancontext.WithCancel(sokovancontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			ctx.Log.Infof("received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
