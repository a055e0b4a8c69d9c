package main

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tradewind/marketsync/internal/events"
	"github.com/tradewind/marketsync/internal/httpapi"
	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/supervise"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin HTTP API",
	Long: `Run the admin API: product queries, sync-run control, dashboard
aggregates, /health, prometheus /metrics and the /ws websocket push
endpoint.

The API process does not execute tasks itself; it enqueues work for
worker processes sharing the same store.

Examples:
  msync serve
  msync serve --addr :9090`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, wasSignalled := signalContext()
		defer cancel()

		lock, err := acquireLock("serve")
		if err != nil {
			return err
		}
		defer lock.Unlock()

		logger := newLogger("serve")
		defer logger.Sync()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		qc := queue.New(store, queue.OptionsFromConfig(), logger)
		hub := events.New(events.OptionsFromConfig(), logger)
		promReg := prometheus.NewRegistry()
		monitor := supervise.New(qc, hub, supervise.OptionsFromConfig(), logger, promReg)

		opts := httpapi.OptionsFromConfig()
		if serveAddr != "" {
			opts.Addr = serveAddr
		}
		srv := httpapi.New(store, qc, hub, monitor, promReg, opts, logger)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { monitor.Watch(gctx); return nil })
		g.Go(func() error {
			err := srv.Serve(gctx)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
		if err := g.Wait(); err != nil {
			return runtimeErr(err)
		}
		if wasSignalled() {
			return errInterrupted
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
