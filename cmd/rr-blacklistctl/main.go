package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haukened/rr-blacklist/internal/engine/common/log"
	"github.com/haukened/rr-blacklist/internal/engine/gateways/transport"
)

const version = "0.1.0-dev"

// globalOptions are shared by every subcommand.
type globalOptions struct {
	network string
	address string
	timeout time.Duration
	verbose bool
}

func (o *globalOptions) client() *transport.Client {
	return transport.NewClient(o.network, o.address)
}

// requestContext bounds one request/response exchange.
func (o *globalOptions) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), o.timeout)
}

func (o *globalOptions) logger() log.Logger {
	if !o.verbose {
		return log.NewNoopLogger()
	}
	l, err := log.New("dev", "debug")
	if err != nil {
		return log.NewNoopLogger()
	}
	return l
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:           "rr-blacklistctl",
		Short:         "Inspect and edit the blacklists of an rr-blacklistd authority",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&opts.network, "network", envOr("BLACKLIST_SERVER_NETWORK", "tcp"), "authority network (tcp or unix)")
	root.PersistentFlags().StringVar(&opts.address, "address", envOr("BLACKLIST_SERVER_ADDRESS", "127.0.0.1:7400"), "authority address or socket path")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "timeout of a single request")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log connection activity to stderr")

	root.AddCommand(
		namesCmd(opts),
		listCmd(opts),
		addCmd(opts),
		removeCmd(opts),
		checkCmd(opts),
		watchCmd(opts),
		failCmd(opts),
	)
	return root
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
