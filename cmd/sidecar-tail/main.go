// Command sidecar-tail follows a running sidecar and prints every envelope
// as it arrives, with span trees for transactions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/deepaksharma/envelope-sidecar/core/envelope"
	"github.com/deepaksharma/envelope-sidecar/internal/logging"
	"github.com/deepaksharma/envelope-sidecar/internal/tail"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sidecar-tail: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts := tail.DefaultOptions()
	var (
		sidecarURL = "http://127.0.0.1:8969"
		noTrees    bool
		verbose    bool
	)

	fs := pflag.NewFlagSet("sidecar-tail", pflag.ContinueOnError)
	fs.StringVarP(&sidecarURL, "url", "u", sidecarURL, "sidecar base URL")
	fs.StringVar(&opts.LastEventID, "after", "", "only show envelopes received after this envelope id")
	fs.IntVar(&opts.MaxRetries, "retries", opts.MaxRetries, "connection attempts before giving up")
	fs.DurationVar(&opts.ReconnectDelay, "reconnect-delay", opts.ReconnectDelay, "pause before reconnecting after a drop")
	fs.BoolVar(&noTrees, "no-trees", false, "do not render transaction span trees")
	fs.BoolVarP(&verbose, "verbose", "v", false, "log connection handling")
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = "warn"
	if verbose {
		logCfg.Level = "debug"
		logCfg.Development = true
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, err := tail.NewClient(sidecarURL, opts, logger.Named("tail"))
	if err != nil {
		return err
	}

	printer := tail.NewPrinter(os.Stdout, lipgloss.NewRenderer(os.Stdout), envelope.NewParser(logger.Named("parser")))
	printer.Trees = !noTrees

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return client.Run(ctx, printer.Print)
}
