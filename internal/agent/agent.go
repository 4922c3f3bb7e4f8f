// Package agent implements the long-lived device agent process: it
// owns the camera connection, records until told otherwise, and hands
// verified files back over the session channel.
package agent

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/audiolibrelab/camsync/internal/camera"
	"github.com/audiolibrelab/camsync/internal/channel"
	"github.com/audiolibrelab/camsync/internal/config"
	"github.com/audiolibrelab/camsync/internal/decode"
	"github.com/audiolibrelab/camsync/internal/discovery"
	"github.com/audiolibrelab/camsync/internal/session"
	"github.com/audiolibrelab/camsync/internal/transfer"
)

// Agent runs one recording session end to end.
type Agent struct {
	cfg         *config.Config
	destDir     string
	maxDuration time.Duration

	// driver overrides config-based selection; used by tests.
	driver camera.Driver
}

// New creates an agent recording into destDir for at most maxSeconds.
func New(cfg *config.Config, destDir string, maxSeconds float64) *Agent {
	return &Agent{
		cfg:         cfg,
		destDir:     destDir,
		maxDuration: time.Duration(maxSeconds * float64(time.Second)),
	}
}

// NewWithDriver creates an agent bound to a specific camera driver.
func NewWithDriver(cfg *config.Config, destDir string, maxSeconds float64, driver camera.Driver) *Agent {
	a := New(cfg, destDir, maxSeconds)
	a.driver = driver
	return a
}

// Run executes the full session. Startup failures (no capability
// surface, no device, channel unavailable) return before any discovery
// record exists; anything later runs the teardown sequence and reports
// a single summarized failure line over the channel.
func (a *Agent) Run() error {
	driver := a.driver
	if driver == nil {
		var err error
		driver, err = camera.New(a.cfg)
		if err != nil {
			return err
		}
	}

	ch, err := channel.NewAgentSide(&a.cfg.Channel)
	if err != nil {
		return err
	}
	defer ch.Close()

	// The discovery record must exist before the vendor session opens
	// so the host can poll for readiness.
	rec := &discovery.Record{PID: os.Getpid(), Port: ch.Port(), StartedAt: time.Now()}
	if err := discovery.Write(a.cfg.Channel.DiscoveryFile, rec); err != nil {
		return err
	}
	defer discovery.Remove(a.cfg.Channel.DiscoveryFile)

	sess := session.New(driver, a.cfg.Agent, ch.Log)

	runErr := a.capture(sess, ch)
	if runErr != nil {
		ch.Log("Error: %v", runErr)
	}

	// Teardown runs identically on every path.
	if err := sess.Close(); err != nil {
		slog.Error("session close failed", "error", err)
	}
	ch.Log(channel.DoneMarker)
	return runErr
}

func (a *Agent) capture(sess *session.Session, ch channel.AgentSide) error {
	if err := sess.Connect(); err != nil {
		return err
	}
	if err := sess.StartRecording(); err != nil {
		return err
	}

	// Recording loop: pump the event queue, watch for the operator
	// command and the duration ceiling. The command is edge-triggered;
	// it is observed here and never re-processed.
	command := channel.CommandNone
	deadline := time.Now().Add(a.maxDuration)
	pump := time.Duration(a.cfg.Agent.PumpMs) * time.Millisecond
	for {
		sess.Pump()
		if c := ch.PollCommand(); c != channel.CommandNone {
			command = c
			break
		}
		if !time.Now().Before(deadline) {
			ch.Log("Duration reached.")
			break
		}
		time.Sleep(pump)
	}

	if err := sess.StopRecording(); err != nil {
		// The drain below still runs; a stop that eventually lands
		// device-side will surface the file there.
		ch.Log("Warning: %v", err)
		slog.Warn("record stop failed", "error", err)
	}

	// Mandatory even when cancelling: the device must finish its
	// buffer flush or it can hang.
	files := sess.Drain()

	if command == channel.CommandCancel {
		ch.Log("Skipping download (Cancelled).")
		return nil
	}

	verifier := transfer.New(a.destDir,
		decode.New(a.cfg.Sync.FFmpegBinary, a.cfg.Sync.SampleRate), ch.Log)
	reported := 0
	for _, f := range files {
		path, err := verifier.Fetch(f)
		if err != nil {
			// Verification failures retain the device copy and are
			// never reported as results.
			ch.Log("Transfer failed: %v", err)
			continue
		}
		ch.Result(path)
		reported++
	}
	if len(files) > 0 && reported == 0 {
		return fmt.Errorf("no file passed verification")
	}
	return nil
}
