package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/events"
	"github.com/tradewind/marketsync/internal/extract"
	"github.com/tradewind/marketsync/internal/fetch"
	"github.com/tradewind/marketsync/internal/identity"
	"github.com/tradewind/marketsync/internal/pipeline/dedupe"
	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/supervise"
	"github.com/tradewind/marketsync/internal/syncer"
	"github.com/tradewind/marketsync/internal/types"
	"github.com/tradewind/marketsync/internal/worker"
)

var workerQueues []string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process",
	Long: `Run a pool of workers leasing from the durable queue. Multiple worker
processes may run against the same store; the lease protocol keeps each
work item on exactly one worker at a time.

--queues binds the process to a subset, so image downloads or batch jobs
can run on dedicated hosts.

Examples:
  msync worker
  msync worker --queues crawler,image
  msync worker --queues batch`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, wasSignalled := signalContext()
		defer cancel()

		logger := newLogger("worker")
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

		idPool := identity.NewPool(identity.OptionsFromConfig(), logger)
		fetcher := fetch.New(fetch.OptionsFromConfig(), idPool, logger)
		fetcher.SetObserver(monitor.RecordFetch)

		extractor, err := extract.New(config.GetString("extract.rules-dir"), logger)
		if err != nil {
			return configErr(fmt.Errorf("failed to load extraction rules: %w", err))
		}

		coord := syncer.New(store, fetcher, extractor,
			dedupe.New(dedupe.OptionsFromConfig()), qc, hub,
			syncer.OptionsFromConfig(), logger)

		wopts := worker.OptionsFromConfig()
		if len(workerQueues) > 0 {
			for _, q := range workerQueues {
				if !validQueue(q) {
					return fmt.Errorf("unknown queue %q", q)
				}
			}
			wopts.Queues = workerQueues
		}

		reg := worker.NewRegistry(
			worker.Recover(logger),
			worker.Metrics(monitor),
			worker.Logging(logger),
			worker.Timeout(wopts.SoftTimeout, wopts.HardTimeout),
		)
		coord.RegisterAll(reg)

		progress := func(taskID string, percent float64, message string) {
			hub.Publish(events.ChannelSyncProgress, taskID, map[string]interface{}{
				"percent": percent, "message": message,
			})
		}
		pool := worker.NewPool(reg, store, qc, wopts, logger, monitor, progress)

		logger.Info("worker starting",
			zap.Strings("queues", wopts.Queues),
			zap.Int("count", wopts.WorkerCount))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error { monitor.Watch(gctx); return nil })
		if err := g.Wait(); err != nil {
			return runtimeErr(err)
		}
		if wasSignalled() {
			return errInterrupted
		}
		return nil
	},
}

func validQueue(name string) bool {
	for _, q := range types.AllQueues() {
		if q == name {
			return true
		}
	}
	return false
}

func init() {
	workerCmd.Flags().StringSliceVar(&workerQueues, "queues", nil, "queue subset to bind (default all)")
	rootCmd.AddCommand(workerCmd)
}
