// msync is the marketsync command line: schema/config bootstrap,
// one-shot sync kicks, supervision status, and the long-running worker,
// scheduler and admin-API processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/logging"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/storage/sqlite"
)

// Exit codes per the deployment contract.
const (
	exitOK          = 0
	exitUsage       = 2
	exitConfig      = 3
	exitRuntime     = 4
	exitInterrupted = 130
)

// codedError carries an exit code through cobra's error return.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func configErr(err error) error  { return &codedError{code: exitConfig, err: err} }
func runtimeErr(err error) error { return &codedError{code: exitRuntime, err: err} }

// errInterrupted marks a graceful SIGINT/SIGTERM shutdown.
var errInterrupted = &codedError{code: exitInterrupted, err: errors.New("interrupted")}

var rootCmd = &cobra.Command{
	Use:   "msync",
	Short: "B2B marketplace product and supplier synchronization",
	Long: `msync synchronizes products, suppliers and images from a B2B source
marketplace into a local canonical store, with versioning, dedup,
durable task queues and an admin HTTP API.

Typical setup:
  msync init                     # create schema, config and default schedules
  msync worker                   # run a worker process (all queues)
  msync scheduler                # run the singleton scheduler
  msync serve                    # run the admin API
  msync run --category 机械      # kick off a category sync
  msync status                   # supervision summary`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}

	if err := rootCmd.Execute(); err != nil {
		var coded *codedError
		if errors.As(err, &coded) {
			if coded.code != exitInterrupted {
				fmt.Fprintf(os.Stderr, "Error: %v\n", coded.err)
			}
			os.Exit(coded.code)
		}
		// Anything cobra hands back directly is a usage problem.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitUsage)
	}
	os.Exit(exitOK)
}

// newLogger builds the process logger from the log-* config keys.
// Long-running processes pass a role so their file logs separate.
func newLogger(role string) *zap.Logger {
	file := config.GetString("log-file")
	if file == "" && role != "" {
		file = filepath.Join(config.DataDir(), "logs", role+".log")
	}
	return logging.New(logging.Options{
		Level:      config.GetString("log-level"),
		File:       file,
		MaxSizeMB:  config.GetInt("log-max-size-mb"),
		MaxBackups: config.GetInt("log-max-backups"),
		Console:    true,
	})
}

// openStore opens the sqlite store, creating the schema on first use.
func openStore(ctx context.Context) (storage.Store, error) {
	if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
		return nil, configErr(err)
	}
	st, err := sqlite.New(ctx, config.DBPath())
	if err != nil {
		return nil, configErr(fmt.Errorf("failed to open store at %s: %w", config.DBPath(), err))
	}
	return st, nil
}

// acquireLock guards a process role against double-starts on the same
// data directory.
func acquireLock(role string) (*flock.Flock, error) {
	if err := os.MkdirAll(config.DataDir(), 0o755); err != nil {
		return nil, configErr(err)
	}
	lock := flock.New(filepath.Join(config.DataDir(), "msync-"+role+".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, runtimeErr(err)
	}
	if !locked {
		return nil, runtimeErr(fmt.Errorf("another msync %s is already running on %s", role, config.DataDir()))
	}
	return lock, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM and a
// probe reporting whether a signal arrived.
func signalContext() (context.Context, context.CancelFunc, func() bool) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx, cancel, func() bool { return ctx.Err() != nil }
}
