package monitor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/camsync/internal/channel"
	"github.com/audiolibrelab/camsync/internal/config"
	"github.com/audiolibrelab/camsync/internal/discovery"
)

// scriptedChannel hands out pre-recorded line batches, one per poll.
type scriptedChannel struct {
	batches [][]channel.Line
	closed  bool
}

func (c *scriptedChannel) Send(cmd channel.Command) error { return nil }

func (c *scriptedChannel) ReadNew() ([]channel.Line, bool, error) {
	if len(c.batches) == 0 {
		return nil, c.closed, nil
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, false, nil
}

func (c *scriptedChannel) Close() error { return nil }

type fakeImporter struct {
	path     string
	position float64
	err      error
	calls    int
}

func (i *fakeImporter) Place(path string, position float64) (float64, error) {
	i.calls++
	i.path = path
	i.position = position
	if i.err != nil {
		return 0, i.err
	}
	return position + 3.0, nil
}

func monitorConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Channel.DiscoveryFile = filepath.Join(t.TempDir(), "camsync_agent.yaml")
	cfg.Monitor.IdleCycles = 3
	return cfg
}

func logLines(texts ...string) []channel.Line {
	lines := make([]channel.Line, len(texts))
	for i, text := range texts {
		lines[i] = channel.Line{Kind: channel.LineLog, Text: text}
	}
	return lines
}

func TestStepCompletedImportsResult(t *testing.T) {
	cfg := monitorConfig(t)
	ch := &scriptedChannel{batches: [][]channel.Line{
		logLines("Recording started."),
		{{Kind: channel.LineResult, Text: "/videos/MVI_0042.MOV"}},
		logLines("Disconnecting...", channel.DoneMarker),
	}}
	imp := &fakeImporter{}

	// The agent stays "alive" between batches.
	rec := &discovery.Record{PID: os.Getpid(), StartedAt: time.Now()}
	require.NoError(t, discovery.Write(cfg.Channel.DiscoveryFile, rec))

	m := New(Params{
		Config:      cfg,
		Channel:     ch,
		Importer:    imp,
		RefPosition: 12.5,
		Printf:      func(string, ...any) {},
	})

	steps := 0
	for !m.Step() {
		steps++
		require.Less(t, steps, 10)
	}

	assert.Equal(t, OutcomeCompleted, m.Outcome())
	assert.Equal(t, "/videos/MVI_0042.MOV", m.ResultPath())
	assert.Equal(t, 1, imp.calls)
	assert.Equal(t, "/videos/MVI_0042.MOV", imp.path)
	// No reference stream configured: placed at the requested position.
	assert.Equal(t, 12.5, imp.position)

	position, end := m.Placement()
	assert.Equal(t, 12.5, position)
	assert.Equal(t, 15.5, end)
}

func TestStepCancelledWithoutResult(t *testing.T) {
	cfg := monitorConfig(t)
	ch := &scriptedChannel{batches: [][]channel.Line{
		logLines("Skipping download (Cancelled).", channel.DoneMarker),
	}}
	imp := &fakeImporter{}

	m := New(Params{Config: cfg, Channel: ch, Importer: imp, Printf: func(string, ...any) {}})
	require.True(t, m.Step())

	assert.Equal(t, OutcomeCancelled, m.Outcome())
	assert.Zero(t, imp.calls, "a cancelled session must not import anything")
}

func TestStepCrashedWhenAgentDies(t *testing.T) {
	cfg := monitorConfig(t)
	// No discovery record, no terminal line: the agent is gone.
	ch := &scriptedChannel{}

	m := New(Params{Config: cfg, Channel: ch, Importer: &fakeImporter{}, Printf: func(string, ...any) {}})
	require.True(t, m.Step())
	assert.Equal(t, OutcomeCrashed, m.Outcome())
}

func TestStepCompletedEvenIfAgentDiesAfterResult(t *testing.T) {
	cfg := monitorConfig(t)
	ch := &scriptedChannel{batches: [][]channel.Line{
		{{Kind: channel.LineResult, Text: "/videos/MVI_0001.MOV"}},
	}}
	imp := &fakeImporter{}

	m := New(Params{Config: cfg, Channel: ch, Importer: imp, Printf: func(string, ...any) {}})

	// No discovery record: the agent died right after reporting. The
	// result it delivered still counts.
	require.True(t, m.Step())
	assert.Equal(t, OutcomeCompleted, m.Outcome())
	assert.Equal(t, 1, imp.calls)
}

func TestStepWatchdogKillsIdleAgent(t *testing.T) {
	cfg := monitorConfig(t)

	// A real process the watchdog can kill without hurting the test run.
	sleeper := exec.Command("sleep", "60")
	require.NoError(t, sleeper.Start())
	defer func() {
		sleeper.Process.Kill()
		sleeper.Wait()
	}()

	rec := &discovery.Record{PID: sleeper.Process.Pid, StartedAt: time.Now()}
	require.NoError(t, discovery.Write(cfg.Channel.DiscoveryFile, rec))

	ch := &scriptedChannel{}
	m := New(Params{Config: cfg, Channel: ch, Importer: &fakeImporter{}, Printf: func(string, ...any) {}})

	steps := 0
	for !m.Step() {
		steps++
		require.Less(t, steps, 20)
	}

	assert.Equal(t, OutcomeTimedOut, m.Outcome())
	assert.Greater(t, steps, cfg.Monitor.IdleCycles-1, "watchdog must exhaust its budget first")

	_, err := discovery.Read(cfg.Channel.DiscoveryFile)
	assert.True(t, os.IsNotExist(err), "stale discovery record must be cleared")
}

func TestStepActivityResetsWatchdog(t *testing.T) {
	cfg := monitorConfig(t)
	rec := &discovery.Record{PID: os.Getpid(), StartedAt: time.Now()}
	require.NoError(t, discovery.Write(cfg.Channel.DiscoveryFile, rec))

	// Log activity every other poll keeps the idle counter below the
	// budget indefinitely.
	var batches [][]channel.Line
	for i := 0; i < 5; i++ {
		batches = append(batches, nil, logLines(fmt.Sprintf("Recording %d", i)))
	}
	batches = append(batches, logLines(channel.DoneMarker))
	ch := &scriptedChannel{batches: batches}

	m := New(Params{Config: cfg, Channel: ch, Importer: &fakeImporter{}, Printf: func(string, ...any) {}})

	steps := 0
	for !m.Step() {
		steps++
		require.Less(t, steps, 20)
	}
	assert.Equal(t, OutcomeCancelled, m.Outcome())
}

func TestStepImportFailureKeepsCompletedOutcome(t *testing.T) {
	cfg := monitorConfig(t)
	ch := &scriptedChannel{batches: [][]channel.Line{
		{{Kind: channel.LineResult, Text: "/videos/MVI_0001.MOV"}},
		logLines(channel.DoneMarker),
	}}
	imp := &fakeImporter{err: fmt.Errorf("timeline full")}

	rec := &discovery.Record{PID: os.Getpid(), StartedAt: time.Now()}
	require.NoError(t, discovery.Write(cfg.Channel.DiscoveryFile, rec))

	m := New(Params{Config: cfg, Channel: ch, Importer: imp, Printf: func(string, ...any) {}})
	for !m.Step() {
	}

	// The capture itself succeeded; the placement failure is reported
	// but does not reclassify the session.
	assert.Equal(t, OutcomeCompleted, m.Outcome())
	position, end := m.Placement()
	assert.Zero(t, position)
	assert.Zero(t, end)
}
