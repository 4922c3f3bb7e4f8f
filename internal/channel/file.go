package channel

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	saveSentinel   = "cmd_save"
	cancelSentinel = "cmd_cancel"
)

// fileAgent appends tagged lines to a shared log file and polls for the
// sentinel command files the host drops, deleting them once consumed.
type fileAgent struct {
	log      *os.File
	cmdDir   string
	consumed bool
}

func newFileAgent(logFile, cmdDir string) (*fileAgent, error) {
	// Truncate so the host's cursor starts at a fresh session.
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("channel unavailable: %w", err)
	}

	// Stale sentinels from a crashed session must not fire immediately.
	os.Remove(filepath.Join(cmdDir, saveSentinel))
	os.Remove(filepath.Join(cmdDir, cancelSentinel))

	return &fileAgent{log: f, cmdDir: cmdDir}, nil
}

func (a *fileAgent) Port() int { return 0 }

func (a *fileAgent) PollCommand() Command {
	if a.consumed {
		return CommandNone
	}
	for _, probe := range []struct {
		name string
		cmd  Command
	}{
		{saveSentinel, CommandSave},
		{cancelSentinel, CommandCancel},
	} {
		path := filepath.Join(a.cmdDir, probe.name)
		if _, err := os.Stat(path); err == nil {
			os.Remove(path)
			a.consumed = true
			slog.Debug("channel command received", "command", probe.cmd)
			return probe.cmd
		}
	}
	return CommandNone
}

func (a *fileAgent) writeLine(line string) {
	if _, err := fmt.Fprintln(a.log, line); err != nil {
		slog.Debug("channel write failed", "error", err)
		return
	}
	a.log.Sync()
}

func (a *fileAgent) Log(format string, args ...any) {
	a.writeLine(logPrefix + fmt.Sprintf(format, args...))
}

func (a *fileAgent) Result(path string) {
	a.writeLine(resultPrefix + path)
}

func (a *fileAgent) Close() error {
	return a.log.Close()
}

// fileHost drops sentinel command files and tails the shared log from a
// remembered byte cursor.
type fileHost struct {
	logFile string
	cmdDir  string
	cursor  int64
	partial []byte
	sent    bool
}

func newFileHost(logFile, cmdDir string) (*fileHost, error) {
	return &fileHost{logFile: logFile, cmdDir: cmdDir}, nil
}

func (h *fileHost) Send(cmd Command) error {
	if h.sent {
		return fmt.Errorf("command already sent")
	}
	var name string
	switch cmd {
	case CommandSave:
		name = saveSentinel
	case CommandCancel:
		name = cancelSentinel
	default:
		return fmt.Errorf("cannot send %s", cmd)
	}
	path := filepath.Join(h.cmdDir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to signal %s: %w", cmd, err)
	}
	f.Close()
	h.sent = true
	return nil
}

func (h *fileHost) ReadNew() ([]Line, bool, error) {
	f, err := os.Open(h.logFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil // agent has not started logging yet
		}
		return nil, false, err
	}
	defer f.Close()

	if _, err := f.Seek(h.cursor, 0); err != nil {
		return nil, false, err
	}
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.cursor += int64(n)
			h.partial = append(h.partial, buf[:n]...)
		}
		if err != nil {
			break
		}
	}

	var lines []Line
	for {
		i := bytes.IndexByte(h.partial, '\n')
		if i < 0 {
			break
		}
		raw := string(h.partial[:i])
		h.partial = h.partial[i+1:]
		if raw != "" {
			lines = append(lines, ParseLine(raw))
		}
	}
	return lines, false, nil
}

func (h *fileHost) Close() error { return nil }
