package main

import (
	"github.com/spf13/cobra"

	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/scheduler"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the schedule trigger process",
	Long: `Run the scheduler: evaluate cron, interval and delayed schedule
entries and enqueue their work when due. Multiple scheduler processes
may point at the same store; a leader lease ensures only one fires.

The flock on the data directory additionally prevents accidental
double-starts on the same host.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel, wasSignalled := signalContext()
		defer cancel()

		lock, err := acquireLock("scheduler")
		if err != nil {
			return err
		}
		defer lock.Unlock()

		logger := newLogger("scheduler")
		defer logger.Sync()

		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		qc := queue.New(store, queue.OptionsFromConfig(), logger)
		sched := scheduler.New(store, qc, scheduler.OptionsFromConfig(), logger)

		if err := sched.Run(ctx); err != nil {
			return runtimeErr(err)
		}
		if wasSignalled() {
			return errInterrupted
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
}
