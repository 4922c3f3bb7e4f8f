package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// Record is the agent's presence announcement. It is written before the
// vendor session opens and removed on clean exit; its existence is the
// only liveness signal the host controller has.
type Record struct {
	PID       int       `yaml:"pid"`
	Port      int       `yaml:"port,omitempty"` // socket mode only
	StartedAt time.Time `yaml:"started_at"`
}

// Write persists the record atomically (temp file + rename) so a
// polling reader never observes a partial record.
func Write(path string, rec *Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal discovery record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".camsync-*")
	if err != nil {
		return fmt.Errorf("failed to create discovery record: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write discovery record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish discovery record: %w", err)
	}
	return nil
}

// Read loads the record at path. A missing file returns os.ErrNotExist.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt discovery record %s: %w", path, err)
	}
	if rec.PID <= 0 {
		return nil, fmt.Errorf("corrupt discovery record %s: missing pid", path)
	}
	return &rec, nil
}

// Remove deletes the record. Missing is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive probes whether the recorded process still exists.
func Alive(rec *Record) bool {
	return ProcessAlive(rec.PID)
}

// ProcessAlive sends signal 0 to the pid.
func ProcessAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// Kill force-terminates the recorded process.
func Kill(rec *Record) error {
	return syscall.Kill(rec.PID, syscall.SIGKILL)
}
