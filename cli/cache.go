package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "inspect or manage the action cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "print action cache occupancy statistics (entry count and object bytes)",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return configErr(err)
		}
		store, err := openStore(settings.CacheDir, macKeyFromHex(settings.MACKeyHex))
		if err != nil {
			return configErr(err)
		}
		defer store.Close()

		stats, err := store.StatsSnapshot()
		if err != nil {
			return &CLIError{Code: ExitInternalError, Err: err}
		}
		fmt.Printf("entries: %d\n", stats.EntryCount)
		fmt.Printf("object bytes: %d\n", stats.ObjectBytes)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
}
