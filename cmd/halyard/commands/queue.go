package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/halyardhq/halyard/dispatch"
)

// QueueCmd groups dispatch queue inspection.
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the dispatch queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the queue census",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		stats, err := dispatch.NewStore(database).Stats(time.Now())
		if err != nil {
			return err
		}

		if jsonOutput {
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Println("Dispatch queue:")
		fmt.Printf("  Waiting:   %d\n", stats.Waiting)
		fmt.Printf("  Delayed:   %d\n", stats.Delayed)
		fmt.Printf("  Active:    %d\n", stats.Active)
		fmt.Printf("  Completed: %d\n", stats.Completed)
		fmt.Printf("  Failed:    %d\n", stats.Failed)
		return nil
	},
}

func init() {
	queueStatsCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	QueueCmd.AddCommand(queueStatsCmd)
}
