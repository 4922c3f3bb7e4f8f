package channel

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// socketAgent binds an ephemeral loopback port. One goroutine accepts
// the single host connection and reads the one-shot command; it shares
// state with the main loop only through an atomic command slot and a
// lock-guarded connection reference used for outbound lines.
type socketAgent struct {
	listener net.Listener

	mu      sync.Mutex
	conn    net.Conn
	pending []string // lines produced before the host connected

	cmd      atomic.Int32
	consumed bool
	closed   atomic.Bool
}

func newSocketAgent() (*socketAgent, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("channel unavailable: %w", err)
	}

	a := &socketAgent{listener: listener}
	go a.acceptLoop()

	slog.Debug("session channel listening", "port", a.Port())
	return a, nil
}

func (a *socketAgent) Port() int {
	return a.listener.Addr().(*net.TCPAddr).Port
}

func (a *socketAgent) acceptLoop() {
	conn, err := a.listener.Accept()
	if err != nil {
		if !a.closed.Load() {
			slog.Error("channel accept failed", "error", err)
		}
		return
	}

	a.mu.Lock()
	a.conn = conn
	for _, line := range a.pending {
		fmt.Fprintln(conn, line)
	}
	a.pending = nil
	a.mu.Unlock()

	// The host sends exactly one command string after connecting.
	scanner := bufio.NewScanner(conn)
	if scanner.Scan() {
		cmd := ParseCommand(scanner.Text())
		slog.Debug("channel command received", "command", cmd)
		a.cmd.Store(int32(cmd))
	}
}

// PollCommand returns the received command exactly once.
func (a *socketAgent) PollCommand() Command {
	if a.consumed {
		return CommandNone
	}
	cmd := Command(a.cmd.Load())
	if cmd != CommandNone {
		a.consumed = true
	}
	return cmd
}

func (a *socketAgent) writeLine(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		a.pending = append(a.pending, line)
		return
	}
	if _, err := fmt.Fprintln(a.conn, line); err != nil {
		slog.Debug("channel write failed", "error", err)
	}
}

func (a *socketAgent) Log(format string, args ...any) {
	a.writeLine(logPrefix + fmt.Sprintf(format, args...))
}

func (a *socketAgent) Result(path string) {
	a.writeLine(resultPrefix + path)
}

func (a *socketAgent) Close() error {
	a.closed.Store(true)
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
	return a.listener.Close()
}

// socketHost dials the agent's port and reads tagged lines without ever
// blocking the caller: each ReadNew uses a short read deadline and
// buffers partial lines across calls.
type socketHost struct {
	conn    net.Conn
	partial []byte
	sent    bool
}

func dialSocketHost(port, timeoutMs int) (*socketHost, error) {
	deadline := time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			return &socketHost{conn: conn}, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return nil, fmt.Errorf("channel unavailable: agent not reachable on %s: %w", addr, lastErr)
}

func (h *socketHost) Send(cmd Command) error {
	if h.sent {
		return fmt.Errorf("command already sent")
	}
	if _, err := fmt.Fprintln(h.conn, cmd.String()); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, err)
	}
	h.sent = true
	return nil
}

func (h *socketHost) ReadNew() ([]Line, bool, error) {
	h.conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))

	buf := make([]byte, 4096)
	closed := false
	for {
		n, err := h.conn.Read(buf)
		if n > 0 {
			h.partial = append(h.partial, buf[:n]...)
		}
		if err != nil {
			if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
				break
			}
			// EOF or reset: the agent hung up, which is itself a signal.
			closed = true
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
	return lines, closed, nil
}

func (h *socketHost) Close() error {
	return h.conn.Close()
}
