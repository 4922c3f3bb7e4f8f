package agent

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/camsync/internal/camera"
	"github.com/audiolibrelab/camsync/internal/channel"
	"github.com/audiolibrelab/camsync/internal/config"
	"github.com/audiolibrelab/camsync/internal/discovery"
)

// stubFFmpeg writes an executable standing in for ffmpeg so the
// integrity pass runs without the real tool. ok=false simulates a
// structural decode failure.
func stubFFmpeg(t *testing.T, ok bool) string {
	t.Helper()
	script := "#!/bin/sh\nexit 0\n"
	if !ok {
		script = "#!/bin/sh\necho 'moov atom not found' >&2\nexit 1\n"
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

// testConfig returns a file-channel config with millisecond timings so
// a full session finishes in well under a second.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Agent.WarmupMs = 1
	cfg.Agent.RetryDelayMs = 1
	cfg.Agent.DrainMs = 200
	cfg.Agent.PumpMs = 1
	cfg.Channel.Mode = "file"
	cfg.Channel.LogFile = filepath.Join(dir, "camsync_log.txt")
	cfg.Channel.CommandDir = dir
	cfg.Channel.DiscoveryFile = filepath.Join(dir, "camsync_agent.yaml")
	cfg.Sync.FFmpegBinary = stubFFmpeg(t, true)
	return cfg
}

func runAgent(t *testing.T, a *Agent) chan error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run() }()
	return errCh
}

func waitAgent(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not finish")
		return nil
	}
}

// sendAfterStartup delivers the operator command once the agent is up.
// Sending earlier would be swept away with stale sentinels.
func sendAfterStartup(t *testing.T, cfg *config.Config, cmd channel.Command) channel.HostSide {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := discovery.Read(cfg.Channel.DiscoveryFile); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	host, err := channel.NewHostSide(&cfg.Channel, 0)
	require.NoError(t, err)
	if cmd != channel.CommandNone {
		require.NoError(t, host.Send(cmd))
	}
	return host
}

func collectLines(t *testing.T, host channel.HostSide) (logs []string, results []string) {
	t.Helper()
	lines, _, err := host.ReadNew()
	require.NoError(t, err)
	for _, line := range lines {
		if line.Kind == channel.LineResult {
			results = append(results, line.Text)
		} else {
			logs = append(logs, line.Text)
		}
	}
	return logs, results
}

func TestRunSaveDownloadsVerifiesAndDeletes(t *testing.T) {
	cfg := testConfig(t)
	dest := t.TempDir()
	sim := camera.NewSim()
	sim.PumpsUntilFile = 2

	errCh := runAgent(t, NewWithDriver(cfg, dest, 30, sim))
	host := sendAfterStartup(t, cfg, channel.CommandSave)
	defer host.Close()

	require.NoError(t, waitAgent(t, errCh))

	logs, results := collectLines(t, host)
	require.Len(t, results, 1)
	assert.Equal(t, filepath.Join(dest, "MVI_0001.WAV"), results[0])
	assert.Contains(t, logs, channel.DoneMarker)

	info, err := os.Stat(results[0])
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	assert.Equal(t, 1, sim.Deleted, "verified file is removed from the device")
	assert.Equal(t, 1, sim.Released)
	assert.Equal(t, 2, sim.CallCount("force_unlock"), "once on connect, once on close")
	assert.Equal(t, 1, sim.CallCount("record_start"))
	assert.Equal(t, 1, sim.CallCount("record_stop"))

	_, err = discovery.Read(cfg.Channel.DiscoveryFile)
	assert.True(t, os.IsNotExist(err), "discovery record cleared on exit")
}

func TestRunCancelDrainsButSkipsDownload(t *testing.T) {
	cfg := testConfig(t)
	sim := camera.NewSim()
	sim.PumpsUntilFile = 2

	errCh := runAgent(t, NewWithDriver(cfg, t.TempDir(), 30, sim))
	host := sendAfterStartup(t, cfg, channel.CommandCancel)
	defer host.Close()

	require.NoError(t, waitAgent(t, errCh))

	logs, results := collectLines(t, host)
	assert.Empty(t, results, "cancelled sessions never report a result")
	assert.Contains(t, logs, "Skipping download (Cancelled).")
	assert.Contains(t, logs, channel.DoneMarker)

	// The drain still ran: the stop-side pumps surfaced the file, which
	// was then released untouched.
	assert.GreaterOrEqual(t, sim.CallCount("pump"), sim.PumpsUntilFile)
	assert.Equal(t, 0, sim.Deleted, "cancel must leave the device copy alone")
	assert.Equal(t, 1, sim.Released)
}

func TestRunDurationCeilingStopsAndSaves(t *testing.T) {
	cfg := testConfig(t)
	dest := t.TempDir()
	sim := camera.NewSim()
	sim.PumpsUntilFile = 2

	errCh := runAgent(t, NewWithDriver(cfg, dest, 0.05, sim))
	host := sendAfterStartup(t, cfg, channel.CommandNone)
	defer host.Close()

	require.NoError(t, waitAgent(t, errCh))

	logs, results := collectLines(t, host)
	assert.Contains(t, logs, "Duration reached.")
	require.Len(t, results, 1, "hitting the ceiling behaves like a save")
	assert.Equal(t, 1, sim.Deleted)
}

func TestRunSizeMismatchRetainsDeviceCopy(t *testing.T) {
	cfg := testConfig(t)
	sim := camera.NewSim()
	sim.PumpsUntilFile = 2
	sim.DeclaredSizeSkew = 512

	errCh := runAgent(t, NewWithDriver(cfg, t.TempDir(), 30, sim))
	host := sendAfterStartup(t, cfg, channel.CommandSave)
	defer host.Close()

	err := waitAgent(t, errCh)
	require.Error(t, err, "a session where nothing passed verification fails")

	_, results := collectLines(t, host)
	assert.Empty(t, results)
	assert.Equal(t, 0, sim.Deleted, "mismatched file must survive on the device")
	assert.Equal(t, 1, sim.Released)
}

func TestRunIntegrityFailureRetainsDeviceCopy(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.FFmpegBinary = stubFFmpeg(t, false)
	sim := camera.NewSim()
	sim.PumpsUntilFile = 2

	errCh := runAgent(t, NewWithDriver(cfg, t.TempDir(), 30, sim))
	host := sendAfterStartup(t, cfg, channel.CommandSave)
	defer host.Close()

	require.Error(t, waitAgent(t, errCh))

	_, results := collectLines(t, host)
	assert.Empty(t, results)
	assert.Equal(t, 0, sim.Deleted)
}

func TestRunStartFailureStillTearsDown(t *testing.T) {
	cfg := testConfig(t)
	sim := camera.NewSim()
	sim.StartErr = errors.New("card door open")

	errCh := runAgent(t, NewWithDriver(cfg, t.TempDir(), 30, sim))
	require.Error(t, waitAgent(t, errCh))

	host, err := channel.NewHostSide(&cfg.Channel, 0)
	require.NoError(t, err)
	defer host.Close()

	logs, results := collectLines(t, host)
	assert.Empty(t, results)
	assert.Contains(t, logs, channel.DoneMarker, "teardown reports done even on failure")

	assert.Equal(t, 2, sim.CallCount("force_unlock"))
	assert.Equal(t, 1, sim.CallCount("close"))

	_, err = discovery.Read(cfg.Channel.DiscoveryFile)
	assert.True(t, os.IsNotExist(err))
}
