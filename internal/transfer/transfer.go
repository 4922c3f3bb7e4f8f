// Package transfer moves verified recordings off the camera. The
// ordering download → verify → delete is a safety invariant: the
// on-device copy is only ever destroyed after an intact local copy is
// proven to exist.
package transfer

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/audiolibrelab/camsync/internal/camera"
)

var (
	// ErrSizeMismatch: the local byte count differs from the
	// device-declared size.
	ErrSizeMismatch = errors.New("transfer size mismatch")
	// ErrIntegrity: the decode pass over the local copy failed.
	ErrIntegrity = errors.New("transfer integrity check failed")
)

// Integrity performs a structural decode pass over a local file.
type Integrity interface {
	Verify(path string) error
}

// Logf reports user-facing transfer progress.
type Logf func(format string, args ...any)

// Verifier downloads device files into destDir and verifies them
// before requesting device-side deletion.
type Verifier struct {
	destDir   string
	integrity Integrity
	logf      Logf
}

// New creates a Verifier writing into destDir.
func New(destDir string, integrity Integrity, logf Logf) *Verifier {
	if logf == nil {
		logf = func(format string, args ...any) {
			slog.Info(fmt.Sprintf(format, args...))
		}
	}
	return &Verifier{destDir: destDir, integrity: integrity, logf: logf}
}

// Fetch downloads one device file and runs both verification checks.
// On any failure the device copy is retained (never deleted) and no
// path is reported upstream. Only a fully verified transfer triggers
// device-side deletion; the local path is returned for import.
func (v *Verifier) Fetch(f camera.File) (string, error) {
	info, err := f.Info()
	if err != nil {
		return "", fmt.Errorf("failed to query file metadata: %w", err)
	}

	if err := os.MkdirAll(v.destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}
	localPath := filepath.Join(v.destDir, info.Name)

	v.logf("Downloading %s (%d bytes)...", info.Name, info.Size)
	lastPct := -1
	err = f.Download(localPath, func(pct int) {
		if pct != lastPct {
			lastPct = pct
			v.logf("Progress: %d%%", pct)
		}
	})
	if err != nil {
		return "", fmt.Errorf("download failed: %w", err)
	}

	local, err := os.Stat(localPath)
	if err != nil {
		return "", fmt.Errorf("downloaded file missing: %w", err)
	}
	if local.Size() != info.Size {
		slog.Error("size mismatch, device copy retained",
			"file", info.Name, "declared", info.Size, "local", local.Size())
		return "", fmt.Errorf("%w: %s declared %d local %d",
			ErrSizeMismatch, info.Name, info.Size, local.Size())
	}

	if err := v.integrity.Verify(localPath); err != nil {
		slog.Error("integrity check failed, device copy retained",
			"file", info.Name, "error", err)
		return "", fmt.Errorf("%w: %s: %v", ErrIntegrity, info.Name, err)
	}

	// Both checks passed; the local copy is trustworthy, so the
	// device copy may go.
	if err := f.Delete(); err != nil {
		// Not fatal to the transfer: the local copy is good, the
		// device just keeps a duplicate.
		slog.Warn("device-side delete failed", "file", info.Name, "error", err)
	}

	v.logf("Saved: %s", localPath)
	return localPath, nil
}
