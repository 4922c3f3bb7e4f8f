// Package monitor implements the host controller's polling loop. Every
// Step is non-blocking and cheap; the host reschedules it rather than
// waiting, so a UI-bound caller never freezes.
package monitor

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/audiolibrelab/camsync/internal/align"
	"github.com/audiolibrelab/camsync/internal/channel"
	"github.com/audiolibrelab/camsync/internal/config"
	"github.com/audiolibrelab/camsync/internal/discovery"
)

// Outcome is the terminal classification of a recording session.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeCancelled Outcome = "CANCELLED"
	OutcomeCrashed   Outcome = "CRASHED"
	OutcomeTimedOut  Outcome = "TIMED_OUT"
)

// Params wires a Monitor. Engine and ReferencePath are optional; when
// either is absent the imported item is placed without alignment.
type Params struct {
	Config        *config.Config
	Channel       channel.HostSide
	Engine        *align.Engine
	Importer      Importer
	ReferencePath string
	RefPosition   float64 // timeline position of the reference item
	Printf        func(format string, args ...any)
}

// Monitor consumes channel output, tracks agent liveness and imports
// the result when one arrives.
type Monitor struct {
	p Params

	idleCount  int
	resultPath string
	done       bool
	outcome    Outcome
	placedAt   float64
	placedEnd  float64
}

// New creates a Monitor. It does not start polling; drive it with Step.
func New(p Params) *Monitor {
	if p.Printf == nil {
		p.Printf = func(format string, args ...any) {
			fmt.Printf(format+"\n", args...)
		}
	}
	if p.Importer == nil {
		p.Importer = NewReportImporter(p.Config, p.Printf)
	}
	return &Monitor{p: p}
}

// Outcome returns the terminal outcome once Step has reported done.
func (m *Monitor) Outcome() Outcome { return m.outcome }

// ResultPath returns the imported file path, if any.
func (m *Monitor) ResultPath() string { return m.resultPath }

// Placement returns where the imported item was placed and where it ends.
func (m *Monitor) Placement() (position, end float64) { return m.placedAt, m.placedEnd }

// Step performs one poll: read new channel lines, check for terminal
// conditions, probe agent liveness and advance the idle watchdog. It
// returns true when the session reached a terminal outcome.
func (m *Monitor) Step() bool {
	if m.done {
		return true
	}

	lines, closed, err := m.p.Channel.ReadNew()
	if err != nil {
		slog.Debug("channel read failed", "error", err)
	}

	terminal := false
	for _, line := range lines {
		switch line.Kind {
		case channel.LineResult:
			m.resultPath = line.Text
		case channel.LineLog:
			m.p.Printf("[camera] %s", line.Text)
			if line.Text == channel.DoneMarker {
				terminal = true
			}
		}
	}

	if terminal || closed {
		m.finish(false)
		return true
	}

	// Liveness: the discovery record is the only signal. A vanished
	// record or dead pid without a result is a cancelled/crashed
	// session, never a hang.
	alive := false
	if rec, err := discovery.Read(m.p.Config.Channel.DiscoveryFile); err == nil {
		alive = discovery.Alive(rec)
	} else if !os.IsNotExist(err) {
		slog.Debug("discovery read failed", "error", err)
	}
	if !alive {
		m.finish(true)
		return true
	}

	// Watchdog: bound worst-case hangs.
	if len(lines) == 0 {
		m.idleCount++
		if m.idleCount > m.p.Config.Monitor.IdleCycles {
			m.p.Printf("[camera] Timeout (force killing agent).")
			if rec, err := discovery.Read(m.p.Config.Channel.DiscoveryFile); err == nil {
				discovery.Kill(rec)
			}
			discovery.Remove(m.p.Config.Channel.DiscoveryFile)
			m.outcome = OutcomeTimedOut
			m.done = true
			return true
		}
	} else {
		m.idleCount = 0
	}

	return false
}

func (m *Monitor) finish(died bool) {
	m.done = true
	switch {
	case m.resultPath != "":
		m.outcome = OutcomeCompleted
		m.importResult()
	case died:
		m.outcome = OutcomeCrashed
		m.p.Printf("[camera] Agent exited without a result.")
	default:
		m.outcome = OutcomeCancelled
		m.p.Printf("[camera] Cancelled successfully.")
	}
}

// importResult places the captured file, aligning it to the reference
// stream when one is configured. A failed alignment degrades to an
// unaligned import rather than losing the media.
func (m *Monitor) importResult() {
	position := m.p.RefPosition

	if m.p.Engine != nil && m.p.ReferencePath != "" {
		result, err := m.p.Engine.OffsetBetweenFiles(m.p.ReferencePath, m.resultPath)
		if err != nil {
			m.p.Printf("[sync] Skipped: %v", err)
		} else {
			// Positive offset means the capture is later than the
			// reference; shift it earlier.
			position = m.p.RefPosition - result.Offset
			m.p.Printf("[sync] Offset %.3fs (lag %d samples)", result.Offset, result.Lag)
		}
	}

	end, err := m.p.Importer.Place(m.resultPath, position)
	if err != nil {
		m.p.Printf("[camera] Import failed: %v", err)
		return
	}
	m.placedAt = position
	m.placedEnd = end
	m.p.Printf("[camera] Imported %s at %.3fs", m.resultPath, position)
}
