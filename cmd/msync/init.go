package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/scheduler"
)

// defaultConfigYAML is written by init when no config file exists yet.
// Every key is optional; these are the ones operators change first.
const defaultConfigYAML = `# marketsync configuration
log-level: INFO

# source:
#   base-url: https://www.1688.com
#   page-size: 60

# fetch:
#   host-qps: 2.0
#   user-agents: []
#   proxies: []

# worker:
#   count: 4
#   queues: [default, crawler, image, data_sync, batch]

# api:
#   addr: ":8080"
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the schema, default config and default schedules",
	Long: `Initialize the data directory: create the sqlite schema, write a
starter config file when none exists, and install the default schedule
entries (daily product sync, periodic health check, weekly image
cleanup).

Running init on an existing data directory is safe: the schema is
migrated in place, an existing config file is left untouched, and
schedule entries are upserted by name.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		configPath := filepath.Join(config.DataDir(), "config.yaml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := os.WriteFile(configPath, []byte(defaultConfigYAML), 0o644); err != nil {
				return configErr(err)
			}
			fmt.Printf("Wrote %s\n", configPath)
		}

		for _, sch := range scheduler.DefaultSchedules() {
			if err := st.UpsertSchedule(ctx, sch); err != nil {
				return runtimeErr(fmt.Errorf("failed to install schedule %s: %w", sch.Name, err))
			}
		}

		fmt.Printf("Initialized marketsync in %s\n", config.DataDir())
		fmt.Printf("  database:  %s\n", config.DBPath())
		fmt.Printf("  images:    %s\n", config.ImageDir())
		fmt.Printf("  schedules: %d installed\n", len(scheduler.DefaultSchedules()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
