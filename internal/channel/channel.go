// Package channel implements the control/log channel between the host
// controller and the device agent. Two transports exist, selected once
// at startup: a loopback socket (preferred) and a polled log file with
// sentinel command files. Both speak the same tagged line format:
//
//	LOG:<text>
//	RESULT:<absolute path>
package channel

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/camsync/internal/config"
)

// Command is the single operator decision for a recording session.
type Command int

const (
	CommandNone Command = iota
	CommandSave
	CommandCancel
)

func (c Command) String() string {
	switch c {
	case CommandSave:
		return "SAVE"
	case CommandCancel:
		return "CANCEL"
	default:
		return "NONE"
	}
}

// ParseCommand maps the wire string back to a Command.
func ParseCommand(s string) Command {
	switch strings.TrimSpace(s) {
	case "SAVE":
		return CommandSave
	case "CANCEL":
		return CommandCancel
	default:
		return CommandNone
	}
}

const (
	logPrefix    = "LOG:"
	resultPrefix = "RESULT:"

	// DoneMarker is the agent's final log line; the host treats it as
	// the terminal marker when no result payload arrives.
	DoneMarker = "done"
)

// LineKind distinguishes the two tagged line types.
type LineKind int

const (
	LineLog LineKind = iota
	LineResult
)

// Line is one parsed channel line.
type Line struct {
	Kind LineKind
	Text string // log text, or the result path
}

// ParseLine decodes a raw channel line. Untagged lines are treated as
// log text so stray tool output cannot break the protocol.
func ParseLine(raw string) Line {
	switch {
	case strings.HasPrefix(raw, resultPrefix):
		return Line{Kind: LineResult, Text: strings.TrimSpace(raw[len(resultPrefix):])}
	case strings.HasPrefix(raw, logPrefix):
		return Line{Kind: LineLog, Text: raw[len(logPrefix):]}
	default:
		return Line{Kind: LineLog, Text: raw}
	}
}

// AgentSide is the device agent's end: command intake plus outbound
// log/result lines. PollCommand is non-blocking and edge-triggered; the
// first observed command is returned exactly once.
type AgentSide interface {
	Port() int // bound port in socket mode, 0 otherwise
	PollCommand() Command
	Log(format string, args ...any)
	Result(path string)
	Close() error
}

// HostSide is the host controller's end: a one-shot command send plus a
// cursor-based, non-blocking read of new lines.
type HostSide interface {
	Send(cmd Command) error
	// ReadNew returns lines appeared since the previous call. closed
	// reports that the transport reached its end (socket peer closed).
	ReadNew() (lines []Line, closed bool, err error)
	Close() error
}

// NewAgentSide opens the configured transport for the agent.
func NewAgentSide(cfg *config.ChannelConfig) (AgentSide, error) {
	switch cfg.Mode {
	case "socket":
		return newSocketAgent()
	case "file":
		return newFileAgent(cfg.LogFile, cfg.CommandDir)
	default:
		return nil, fmt.Errorf("unknown channel mode: %s", cfg.Mode)
	}
}

// NewHostSide opens the configured transport for the host controller.
// In socket mode the port comes from the agent's discovery record.
func NewHostSide(cfg *config.ChannelConfig, port int) (HostSide, error) {
	switch cfg.Mode {
	case "socket":
		return dialSocketHost(port, cfg.ConnectTimeoutMs)
	case "file":
		return newFileHost(cfg.LogFile, cfg.CommandDir)
	default:
		return nil, fmt.Errorf("unknown channel mode: %s", cfg.Mode)
	}
}
