package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/audiolibrelab/camsync/internal/agent"

	"github.com/spf13/cobra"
)

var agentCmd = &cobra.Command{
	Use:   "agent [dest-dir] [max-seconds]",
	Short: "Run the device agent (owns the camera connection)",
	Long: `Start the long-lived device agent. It connects to the camera, starts
recording, and records until it receives a save/cancel command over the
session channel or the maximum duration elapses. Verified files are
downloaded into the destination directory and reported as results.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		destDir := args[0]
		maxSeconds, err := strconv.ParseFloat(args[1], 64)
		if err != nil || maxSeconds <= 0 {
			return fmt.Errorf("invalid max duration %q: want positive seconds", args[1])
		}

		slog.Info("agent starting", "dest", destDir, "max_seconds", maxSeconds,
			"driver", cfg.Agent.Driver, "channel", cfg.Channel.Mode)

		a := agent.New(cfg, destDir, maxSeconds)
		if err := a.Run(); err != nil {
			return fmt.Errorf("agent failed: %w", err)
		}
		return nil
	},
}
