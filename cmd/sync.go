package cmd

import (
	"fmt"

	"github.com/audiolibrelab/camsync/internal/align"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync [reference] [target]",
	Short: "Compute the time offset between two recordings",
	Long: `Decode the leading window of both files, cross-correlate their
filtered amplitude envelopes and print the offset of the target
relative to the reference. A positive offset means the target is later;
place it at its current position minus the offset to align the two.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine := align.NewEngine(&cfg.Sync)
		result, err := engine.OffsetBetweenFiles(args[0], args[1])
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		fmt.Printf("%.4f\n", result.Offset)
		return nil
	},
}
