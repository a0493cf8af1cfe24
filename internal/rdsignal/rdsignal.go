// Package rdsignal wires OS signals onto the session registry: a
// status-dump signal and a shutdown signal, matching the original
// daemon's SIGUSR2-dumps-state / SIGTERM-and-SIGINT-drain-and-exit
// behavior (spec §9).
package rdsignal

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/frankeskens/rdist/registry"
)

// Watch installs signal handlers against reg and blocks until a
// shutdown signal (SIGTERM or SIGINT) arrives, or ctx is cancelled.
// Where the platform has one (statusSignals), a status signal logs a
// dump and keeps watching.
func Watch(ctx context.Context, reg *registry.Registry, drain time.Duration) {
	statusCh := make(chan os.Signal, 1)
	if sigs := statusSignals(); len(sigs) > 0 {
		signal.Notify(statusCh, sigs...)
		defer signal.Stop(statusCh)
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(shutdownCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-statusCh:
			log.Info("status signal received")
			reg.LogDump()
		case sig := <-shutdownCh:
			log.WithField("signal", sig).Info("shutdown signal received, draining sessions")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
			reg.ShutdownAll(shutdownCtx)
			cancel()
			return
		}
	}
}
