package camera

import (
	"errors"
	"fmt"

	"github.com/audiolibrelab/camsync/internal/config"
)

// Transient error classes. Any other error from a driver call is fatal
// to the session.
var (
	ErrBusy     = errors.New("device busy")
	ErrNotReady = errors.New("device not ready")
)

// Transient reports whether err is a retryable device condition.
func Transient(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrNotReady)
}

// FileInfo is the device-declared metadata for a file on camera storage.
type FileInfo struct {
	Name string
	Size int64
}

// File is a handle to a device-resident file, retained from the moment
// its creation event is observed until Release is called. Delete is the
// only destructive call and must only follow successful verification of
// a downloaded copy.
type File interface {
	Info() (FileInfo, error)
	Download(localPath string, progress func(percent int)) error
	Delete() error
	Release()
}

// Driver is the capability surface over the vendor runtime. Callers own
// the call sequencing: Open, ForceUnlock, configuration, record state,
// and a final ForceUnlock before Close. Event delivery is pull-based:
// PumpEvents drains the vendor queue and NextCreated pops retained
// file-creation events, so files are only ever observed at poll points.
type Driver interface {
	Open() error
	ForceUnlock() error

	// SetSaveDestination routes new recordings to camera storage.
	SetSaveDestination() error
	// WakeDisplay asserts the output-routing property that brings the
	// device into a recordable state.
	WakeDisplay() error
	SetRecording(on bool) error

	PumpEvents() error
	NextCreated() (File, bool)

	Close() error
}

// New selects a driver from configuration.
func New(cfg *config.Config) (Driver, error) {
	switch cfg.Agent.Driver {
	case "gphoto2":
		return NewGphoto2(), nil
	case "sim":
		return NewSim(), nil
	default:
		return nil, fmt.Errorf("unknown camera driver: %s", cfg.Agent.Driver)
	}
}
