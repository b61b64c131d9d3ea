package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context that reports done when SIGINT or SIGTERM is received.
// A second signal terminates the process immediately.
func CreateContextWithShutdown() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-c:
			log.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
			return
		}
		sig := <-c
		log.Warnf("Received %s again, exiting without waiting for shutdown", sig)
		os.Exit(1)
	}()
	return ctx
}
