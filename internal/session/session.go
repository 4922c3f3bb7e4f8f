// Package session drives the camera capability surface through one
// recording lifecycle. All waits pump the device event queue at a
// fine granularity so file-creation events are never missed, and
// timeouts are wall-clock deadlines checked at poll points rather than
// blocking calls.
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/audiolibrelab/camsync/internal/camera"
	"github.com/audiolibrelab/camsync/internal/config"
)

// State is the device session lifecycle position.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateIdle         State = "IDLE"
	StateRecording    State = "RECORDING"
	StateStopping     State = "STOPPING"
	StateDraining     State = "DRAINING"
	StateClosed       State = "CLOSED"
)

// Logf emits a user-facing progress line (routed over the session
// channel by the agent).
type Logf func(format string, args ...any)

// Session wraps a camera driver with the recording state machine. It
// owns every device file handle surfaced during draining; ReleaseAll
// runs on every exit path, success, discard and error alike.
type Session struct {
	driver camera.Driver
	cfg    config.AgentConfig
	logf   Logf

	state    State
	retained []camera.File
}

// New creates a session in the disconnected state.
func New(driver camera.Driver, cfg config.AgentConfig, logf Logf) *Session {
	if logf == nil {
		logf = func(format string, args ...any) {
			slog.Info(fmt.Sprintf(format, args...))
		}
	}
	return &Session{driver: driver, cfg: cfg, logf: logf, state: StateDisconnected}
}

// State returns the current lifecycle position.
func (s *Session) State() State { return s.state }

// Files returns the handles collected during draining. Ownership stays
// with the session; callers must not release them directly.
func (s *Session) Files() []camera.File { return s.retained }

// Connect opens the vendor session, waits out the device warm-up,
// force-unlocks unconditionally to clear any lock a crashed prior
// session left behind, then configures the device for recording.
func (s *Session) Connect() error {
	if s.state != StateDisconnected {
		return fmt.Errorf("can only connect from disconnected state, current: %s", s.state)
	}
	s.state = StateConnecting

	if err := s.driver.Open(); err != nil {
		s.state = StateDisconnected
		return fmt.Errorf("failed to open camera session: %w", err)
	}

	time.Sleep(s.warmup())

	// Lock state cannot be queried, so unlocking must not be
	// conditional on a detected crash.
	if err := s.driver.ForceUnlock(); err != nil {
		slog.Warn("force unlock after connect failed", "error", err)
	}

	if err := s.driver.SetSaveDestination(); err != nil {
		return fmt.Errorf("failed to set save destination: %w", err)
	}
	if err := s.driver.WakeDisplay(); err != nil {
		return fmt.Errorf("failed to wake device output: %w", err)
	}
	time.Sleep(s.warmup())

	s.state = StateIdle
	slog.Info("camera session connected")
	return nil
}

// StartRecording asserts the record-start property with bounded retry.
func (s *Session) StartRecording() error {
	if s.state != StateIdle {
		return fmt.Errorf("can only start recording from idle state, current: %s", s.state)
	}
	if err := s.setRecordState(true, s.cfg.StartRetries); err != nil {
		return fmt.Errorf("failed to start recording: %w", err)
	}
	s.state = StateRecording
	s.logf("Recording started.")
	return nil
}

// StopRecording asserts record-stop with its own, larger retry budget;
// the device is most failure-prone around its internal stop transition.
// The caller proceeds to Drain regardless of the returned error.
func (s *Session) StopRecording() error {
	if s.state != StateRecording {
		return fmt.Errorf("no recording in progress, current: %s", s.state)
	}
	s.state = StateStopping
	s.logf("Stopping recording...")

	if err := s.setRecordState(false, s.cfg.StopRetries); err != nil {
		return fmt.Errorf("failed to stop recording: %w", err)
	}
	return nil
}

// setRecordState retries transient busy/not-ready statuses up to the
// attempt budget, pumping the event queue between attempts. Any other
// error aborts immediately.
func (s *Session) setRecordState(on bool, attempts int) error {
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = s.driver.SetRecording(on)
		if err == nil {
			return nil
		}
		if !camera.Transient(err) {
			return err
		}
		slog.Debug("record command deferred", "on", on, "attempt", attempt, "error", err)
		s.driver.PumpEvents()
		time.Sleep(time.Duration(s.cfg.RetryDelayMs) * time.Millisecond)
	}
	return fmt.Errorf("device not ready after %d attempts: %w", attempts, err)
}

// Drain waits, up to the configured ceiling, for the device to finalize
// the recording and raise its file-creation event. The wait is
// unconditional: skipping it after a cancel risks leaving the device
// hung mid-flush.
func (s *Session) Drain() []camera.File {
	s.state = StateDraining
	s.logf("Waiting for camera buffer flush...")

	deadline := time.Now().Add(time.Duration(s.cfg.DrainMs) * time.Millisecond)
	pump := time.Duration(s.cfg.PumpMs) * time.Millisecond

	for time.Now().Before(deadline) {
		if err := s.driver.PumpEvents(); err != nil {
			slog.Warn("event pump failed during drain", "error", err)
		}
		for {
			f, ok := s.driver.NextCreated()
			if !ok {
				break
			}
			s.retained = append(s.retained, f)
		}
		if len(s.retained) > 0 {
			break
		}
		time.Sleep(pump)
	}

	if len(s.retained) == 0 {
		s.logf("No file appeared within drain window.")
	}
	return s.retained
}

// ReleaseAll releases every retained file handle. Safe to call more
// than once.
func (s *Session) ReleaseAll() {
	for _, f := range s.retained {
		f.Release()
	}
	s.retained = nil
}

// Close force-unlocks again, releases any remaining file handles and
// terminates the vendor runtime. It runs the same sequence on every
// path, including after fatal errors, so the device is never left
// locked.
func (s *Session) Close() error {
	if s.state == StateClosed || s.state == StateDisconnected {
		s.state = StateClosed
		return nil
	}
	s.logf("Cleaning up session...")

	if err := s.driver.ForceUnlock(); err != nil {
		slog.Warn("force unlock before close failed", "error", err)
	}
	s.ReleaseAll()

	err := s.driver.Close()
	s.state = StateClosed
	if err != nil {
		return fmt.Errorf("failed to close camera session: %w", err)
	}
	return nil
}

// Pump drains the vendor event queue once; the agent calls this on
// every iteration of its recording loop.
func (s *Session) Pump() {
	if err := s.driver.PumpEvents(); err != nil {
		slog.Debug("event pump failed", "error", err)
	}
}

func (s *Session) warmup() time.Duration {
	return time.Duration(s.cfg.WarmupMs) * time.Millisecond
}
