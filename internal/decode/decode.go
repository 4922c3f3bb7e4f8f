package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strings"
)

// ErrDecode marks structural decode failures, as opposed to the tool
// being missing or unrunnable.
var ErrDecode = errors.New("decode failed")

// Decoder extracts mono PCM from audio/video files through ffmpeg.
type Decoder struct {
	binary     string
	sampleRate int
}

// New returns a Decoder using the given ffmpeg binary and output rate.
func New(binary string, sampleRate int) *Decoder {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Decoder{binary: binary, sampleRate: sampleRate}
}

// SampleRate returns the rate all decoded buffers are resampled to.
func (d *Decoder) SampleRate() int { return d.sampleRate }

// Decode returns up to maxSeconds of the file as mono float64 samples.
func (d *Decoder) Decode(path string, maxSeconds float64) ([]float64, error) {
	cmd := exec.Command(d.binary,
		"-v", "error",
		"-t", fmt.Sprintf("%.3f", maxSeconds),
		"-i", path,
		"-f", "f32le",
		"-ac", "1",
		"-ar", fmt.Sprintf("%d", d.sampleRate),
		"pipe:1",
	)

	var stderr strings.Builder
	cmd.Stderr = &stderr
	raw, err := cmd.Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("%w: %s: %s", ErrDecode, path, firstLine(stderr.String()))
		}
		return nil, fmt.Errorf("failed to run %s: %w", d.binary, err)
	}

	samples := make([]float64, len(raw)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		samples[i] = float64(math.Float32frombits(bits))
	}

	slog.Debug("decoded audio", "file", path, "samples", len(samples), "rate", d.sampleRate)
	return samples, nil
}

// Verify runs a full decode pass discarding output. Any structural
// error in the container or streams fails verification.
func (d *Decoder) Verify(path string) error {
	cmd := exec.Command(d.binary,
		"-v", "error",
		"-i", path,
		"-f", "null", "-",
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return fmt.Errorf("%w: %s: %s", ErrDecode, path, firstLine(string(output)))
		}
		return fmt.Errorf("failed to run %s: %w", d.binary, err)
	}
	// ffmpeg exits zero on some corrupt inputs but still reports
	// stream errors on stderr with -v error.
	if trimmed := strings.TrimSpace(string(output)); trimmed != "" {
		return fmt.Errorf("%w: %s: %s", ErrDecode, path, firstLine(trimmed))
	}
	return nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
