// xrecv accepts file batches from xsend clients and stores the
// reconstructed files. It serves several clients at once and runs until
// interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/drunlade/go-batchxfer/internal/cli"
	"github.com/drunlade/go-batchxfer/observe"
	"github.com/drunlade/go-batchxfer/xfer"
)

const usage = `xrecv receives files from xsend clients.

Usage:
  xrecv [flags]

Received files are named received-<connection>-<index>-<time>.bin.

Flags:
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var common cli.Common
	var downloadDir, backend, bucket, prefix, region, statusAddress string
	var workers int
	var noClear, showVersion bool

	flagSet := pflag.NewFlagSet("xrecv", pflag.ContinueOnError)
	common.AddFlags(flagSet)
	flagSet.StringVar(&downloadDir, "dir", "./download", "directory received files are written to")
	flagSet.BoolVar(&noClear, "no-clear", false, "keep files already in --dir at startup")
	flagSet.IntVarP(&workers, "workers", "w", xfer.DefaultWorkers, "connections served at once")
	flagSet.StringVar(&backend, "storage", "local", "storage backend: local or s3")
	flagSet.StringVar(&bucket, "bucket", "", "S3 bucket for --storage=s3")
	flagSet.StringVar(&prefix, "prefix", "", "S3 key prefix")
	flagSet.StringVar(&region, "region", "", "AWS region")
	flagSet.StringVar(&statusAddress, "status-address", "", "serve HTTP status on this address")
	flagSet.BoolVar(&showVersion, "version", false, "show version")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			cli.PrintHelp(flagSet, usage)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		cli.PrintHelp(flagSet, usage)
		return nil
	}
	if showVersion {
		fmt.Println("xrecv version " + cli.Version)
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	cfg, err := common.Load(flagSet)
	if err != nil {
		return err
	}
	if flagSet.Changed("dir") {
		cfg.Storage.Dir = downloadDir
	}
	if flagSet.Changed("no-clear") {
		cfg.Storage.Clear = !noClear
	}
	if flagSet.Changed("workers") {
		cfg.Workers = workers
	}
	if flagSet.Changed("storage") {
		cfg.Storage.Backend = backend
	}
	if flagSet.Changed("bucket") {
		cfg.Storage.Bucket = bucket
	}
	if flagSet.Changed("prefix") {
		cfg.Storage.Prefix = prefix
	}
	if flagSet.Changed("region") {
		cfg.Storage.Region = region
	}
	if flagSet.Changed("status-address") {
		cfg.Observe.StatusAddress = statusAddress
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slogger := common.Logger()
	logger := xfer.NewSlogLogger(slogger)

	provider, err := cfg.KeyProvider(os.Stdin, os.Stderr)
	if err != nil {
		return err
	}
	pipeline, fingerprint, err := cfg.Pipeline(provider)
	if err != nil {
		return err
	}
	if fingerprint != "" {
		slogger.Info("transfer key loaded", "fingerprint", fingerprint)
	}

	destination, err := cfg.Store(ctx, func(path string, err error) {
		slogger.Error("removing old file", "path", path, "error", err)
	})
	if err != nil {
		return err
	}

	recorder := observe.NewRecorder(observe.DefaultRecentCapacity)
	observers := observe.Multi{recorder}
	eventLog, closeEventLog, err := cli.OpenEventLog(cfg.Observe.EventLog)
	if err != nil {
		return err
	}
	defer closeEventLog()
	if eventLog != nil {
		observers = append(observers, eventLog)
	}

	if cfg.Observe.StatusAddress != "" {
		stopStatus, err := serveStatus(cfg.Observe.StatusAddress, recorder, slogger)
		if err != nil {
			return err
		}
		defer stopStatus()
	}

	server := xfer.NewServer(destination,
		xfer.WithConfig(common.Xfer(cfg)),
		xfer.WithPipeline(pipeline),
		xfer.WithLogger(logger),
		xfer.WithObserver(observers),
		xfer.WithCallbacks(&xfer.Callbacks{
			OnSessionClosed: func(summary xfer.SessionSummary) {
				if summary.Err != nil && ctx.Err() == nil {
					slogger.Error("session failed",
						"conn_id", summary.ConnID,
						"peer", summary.Peer,
						"files", summary.Files,
						"declared", summary.Declared,
						"error", summary.Err)
				}
			},
		}),
	)

	if err := server.ListenAndServe(ctx, cfg.Address); err != nil {
		return err
	}

	snapshot := recorder.Snapshot()
	slogger.Info("server stopped",
		"sessions", snapshot.Events[observe.EventSessionComplete],
		"failed", snapshot.Events[observe.EventSessionError],
		"files", snapshot.Events[observe.EventFileComplete])
	return nil
}

// serveStatus starts the HTTP status endpoint and returns a function that
// shuts it down.
func serveStatus(address string, recorder *observe.Recorder, logger *slog.Logger) (func(), error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("status listener: %w", err)
	}
	server := &http.Server{
		Handler:           observe.StatusHandler(recorder),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", "error", err)
		}
	}()
	logger.Info("status endpoint listening", "address", listener.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}, nil
}
