package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/audiolibrelab/camsync/internal/align"
	"github.com/audiolibrelab/camsync/internal/channel"
	"github.com/audiolibrelab/camsync/internal/discovery"
	"github.com/audiolibrelab/camsync/internal/monitor"

	"github.com/spf13/cobra"
)

var (
	monitorReference string
	monitorRefPos    float64
	monitorDest      string
	monitorDuration  float64
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Toggle a capture session from the host side",
	Long: `If no device agent is running, start one in the background. If one is
already recording, send it a save command, follow its progress, and on
completion import the captured file aligned to the reference audio.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := liveAgent()
		if err != nil {
			return err
		}
		if rec == nil {
			return startAgent()
		}
		return driveAgent(rec, channel.CommandSave)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running agent, saving the recording",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalAgent(channel.CommandSave)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Stop the running agent, discarding the recording",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return signalAgent(channel.CommandCancel)
	},
}

func init() {
	for _, c := range []*cobra.Command{monitorCmd, stopCmd, cancelCmd} {
		c.Flags().StringVarP(&monitorReference, "reference", "r", "", "reference audio file to align against")
		c.Flags().Float64Var(&monitorRefPos, "reference-position", 0, "timeline position of the reference item in seconds")
	}
	monitorCmd.Flags().StringVarP(&monitorDest, "dest", "o", "", "destination directory for the agent (overrides config)")
	monitorCmd.Flags().Float64VarP(&monitorDuration, "duration", "d", 3600, "maximum recording duration in seconds")
}

// liveAgent returns the discovery record of a running agent, cleaning
// up stale records from crashed sessions.
func liveAgent() (*discovery.Record, error) {
	rec, err := discovery.Read(cfg.Channel.DiscoveryFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		// A corrupt record is treated as stale.
		discovery.Remove(cfg.Channel.DiscoveryFile)
		return nil, nil
	}
	if !discovery.Alive(rec) {
		discovery.Remove(cfg.Channel.DiscoveryFile)
		return nil, nil
	}
	return rec, nil
}

// startAgent launches a detached agent process recording into the
// configured output directory.
func startAgent() error {
	dest := monitorDest
	if dest == "" {
		dest = cfg.Output.Directory
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot locate own binary: %w", err)
	}

	args := []string{"agent", dest, fmt.Sprintf("%.0f", monitorDuration)}
	if cfgFile != "" {
		args = append(args, "--config", cfgFile)
	}
	proc := exec.Command(self, args...)
	proc.Stdout = nil
	proc.Stderr = nil
	if err := proc.Start(); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	// Detach: the agent outlives this invocation.
	go proc.Wait()

	fmt.Printf("[camera] Agent started (pid %d), recording to %s\n", proc.Process.Pid, dest)
	return nil
}

func signalAgent(cmd channel.Command) error {
	rec, err := liveAgent()
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no recording agent is running")
	}
	return driveAgent(rec, cmd)
}

// driveAgent sends the command and runs the monitor loop to a terminal
// outcome. Each Step is non-blocking; this CLI simply reschedules it on
// a ticker the way an embedding host would.
func driveAgent(rec *discovery.Record, cmd channel.Command) error {
	ch, err := channel.NewHostSide(&cfg.Channel, rec.Port)
	if err != nil {
		// Degraded signaling: the channel is gone but the process may
		// linger; force-kill so the device is not held.
		fmt.Printf("[camera] Channel unavailable (%v), force killing agent\n", err)
		discovery.Kill(rec)
		discovery.Remove(cfg.Channel.DiscoveryFile)
		return err
	}
	defer ch.Close()

	if err := ch.Send(cmd); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, err)
	}
	fmt.Printf("[camera] Sent %s, monitoring...\n", cmd)

	var engine *align.Engine
	if monitorReference != "" {
		engine = align.NewEngine(&cfg.Sync)
	}

	m := monitor.New(monitor.Params{
		Config:        cfg,
		Channel:       ch,
		Engine:        engine,
		ReferencePath: monitorReference,
		RefPosition:   monitorRefPos,
	})

	ticker := time.NewTicker(time.Duration(cfg.Monitor.PollMs) * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if m.Step() {
			break
		}
	}

	fmt.Printf("[camera] Session outcome: %s\n", m.Outcome())
	if m.Outcome() == monitor.OutcomeTimedOut {
		return fmt.Errorf("session timed out waiting for the agent")
	}
	return nil
}
