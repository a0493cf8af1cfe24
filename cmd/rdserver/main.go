// Command rdserver listens for rdclient connections and serves a
// directory tree read-only (spec §6 "CLI — server").
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/frankeskens/rdist/internal/rdlog"
	"github.com/frankeskens/rdist/internal/rdnet"
	"github.com/frankeskens/rdist/internal/rdsignal"
	"github.com/frankeskens/rdist/registry"
	"github.com/frankeskens/rdist/server"
)

type usageError struct{ error }

var opts struct {
	verify bool
	quiet  bool
	port   int
}

var rootCmd = &cobra.Command{
	Use:          "rdserver [options]",
	Short:        "Serve the current directory tree to rdclient connections",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return usageError{fmt.Errorf("accepts no positional args, received %d", len(args))}
		}
		return nil
	},
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVarP(&opts.verify, "verify", "V", false, "compute checksums during directory scans")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress per-session accept/end logging")
	flags.IntVarP(&opts.port, "port", "p", 0, "listen port (default: platform well-known rdist port)")
}

func run(cmd *cobra.Command, args []string) error {
	if err := rdlog.Setup(); err != nil {
		return err
	}
	if opts.quiet {
		log.SetLevel(log.WarnLevel)
	}

	root, err := os.Getwd()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", rdnet.JoinHostPort("", opts.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()

	srv := &server.Server{
		Root:     root,
		Listener: ln,
		Checksum: opts.verify,
		Registry: registry.Default,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A shutdown signal both cancels ctx and closes the listener, so
	// the Accept loop below (blocked in the kernel call, not on ctx)
	// unblocks and sees ctx already cancelled.
	go func() {
		rdsignal.Watch(ctx, registry.Default, 10*time.Second)
		cancel()
		ln.Close()
	}()

	log.WithFields(log.Fields{"root": root, "addr": ln.Addr().String()}).Info("rdserver listening")
	err = srv.ListenAndServe(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if uerr, ok := err.(usageError); ok {
			fmt.Fprintln(os.Stderr, "rdserver:", uerr.error)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "rdserver:", err)
		os.Exit(1)
	}
}
