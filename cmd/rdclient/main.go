// Command rdclient connects to an rdserver and replicates its
// directory tree onto the local filesystem (spec §6 "CLI — client").
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/frankeskens/rdist/client"
	"github.com/frankeskens/rdist/internal/rdlog"
	"github.com/frankeskens/rdist/internal/rdnet"
	"github.com/frankeskens/rdist/protocol"
)

// usageError marks an argument/flag problem, distinct from a fatal
// session error, so main can pick exit code 2 (spec §6 "Exit codes").
type usageError struct{ error }

var opts struct {
	erase  bool
	older  bool
	unsafe bool
	verify bool
	quiet  bool
}

var rootCmd = &cobra.Command{
	Use:          "rdclient [options] [host[:port]] [path]",
	Short:        "Replicate a remote directory tree onto the local filesystem",
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) > 2 {
			return usageError{fmt.Errorf("accepts at most 2 args, received %d", len(args))}
		}
		return nil
	},
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.BoolVarP(&opts.erase, "erase", "E", false, "remove entries present locally but not on the server")
	flags.BoolVarP(&opts.older, "older", "O", false, "replace a local copy even when the server's is older")
	flags.BoolVarP(&opts.unsafe, "unsafe", "U", false, "skip the working-directory verification handshake")
	flags.BoolVarP(&opts.verify, "verify", "V", false, "compute and compare checksums")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "suppress per-item logging")
}

func run(cmd *cobra.Command, args []string) error {
	if err := rdlog.Setup(); err != nil {
		return err
	}

	host := "localhost"
	path := "."
	if len(args) > 0 {
		host = args[0]
	}
	if len(args) > 1 {
		path = args[1]
	}

	addr, err := dialAddr(host)
	if err != nil {
		return usageError{err}
	}
	root, err := filepath.Abs(path)
	if err != nil {
		return usageError{err}
	}

	nc, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer nc.Close()

	c := &client.Client{
		Conn:   protocol.NewConn(context.Background(), nc),
		Erase:  opts.erase,
		Older:  opts.older,
		Unsafe: opts.unsafe,
		Verify: opts.verify,
		Quiet:  opts.quiet,
	}
	if err := c.Run(context.Background(), root); err != nil {
		return err
	}
	if !opts.quiet {
		for _, r := range c.Reports {
			if r.Reason != "" {
				fmt.Fprintf(os.Stdout, "%-9s %s [%s]\n", r.Outcome, r.Path, r.Reason)
			} else {
				fmt.Fprintf(os.Stdout, "%-9s %s\n", r.Outcome, r.Path)
			}
		}
	}
	return nil
}

// dialAddr splits an optional host:port into a dial address,
// substituting the platform default port when none is given.
func dialAddr(host string) (string, error) {
	h, portStr, err := net.SplitHostPort(host)
	if err != nil {
		return rdnet.JoinHostPort(host, 0), nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return rdnet.JoinHostPort(h, port), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if uerr, ok := err.(usageError); ok {
			fmt.Fprintln(os.Stderr, "rdclient:", uerr.error)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "rdclient:", err)
		os.Exit(1)
	}
}
