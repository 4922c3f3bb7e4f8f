package align

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/audiolibrelab/camsync/internal/config"
	"github.com/audiolibrelab/camsync/internal/decode"
)

// ErrNoSignal is returned for empty or silent input buffers, which
// would otherwise yield a meaningless correlation peak.
var ErrNoSignal = errors.New("no usable audio signal")

const silenceFloor = 1e-6

// Options holds the preprocessing tunables. Cutoff and smoothing are
// configuration defaults, not protocol contracts.
type Options struct {
	SampleRate int
	HighpassHz float64
	SmoothMs   float64
}

// Result is the computed alignment between two streams. Offset is in
// seconds; positive means the target stream is later than the
// reference and must be shifted earlier: newPosition = position - Offset.
type Result struct {
	Offset float64
	Lag    int
	Peak   float64
}

// Offset cross-correlates the amplitude envelopes of two mono buffers
// at a common sample rate and returns the best-fit time offset.
func Offset(reference, target []float64, opts Options) (Result, error) {
	if len(reference) == 0 || len(target) == 0 {
		return Result{}, fmt.Errorf("%w: empty buffer", ErrNoSignal)
	}

	refEnv, err := envelope(reference, opts)
	if err != nil {
		return Result{}, fmt.Errorf("reference: %w", err)
	}
	tgtEnv, err := envelope(target, opts)
	if err != nil {
		return Result{}, fmt.Errorf("target: %w", err)
	}

	lag, peak := bestLag(refEnv, tgtEnv)
	result := Result{
		Offset: float64(lag) / float64(opts.SampleRate),
		Lag:    lag,
		Peak:   peak,
	}
	slog.Debug("alignment computed", "lag", lag, "offset_s", result.Offset, "peak", peak)
	return result, nil
}

// envelope peak-normalizes, high-pass filters, rectifies and smooths a
// signal. Rectification discards phase so a polarity-inverted
// microphone still correlates.
func envelope(signal []float64, opts Options) ([]float64, error) {
	peak := 0.0
	for _, v := range signal {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	if peak < silenceFloor {
		return nil, fmt.Errorf("%w: silent buffer", ErrNoSignal)
	}

	normalized := make([]float64, len(signal))
	for i, v := range signal {
		normalized[i] = v / peak
	}

	filtered := highpass(normalized, opts.HighpassHz, opts.SampleRate)
	for i, v := range filtered {
		filtered[i] = math.Abs(v)
	}

	window := int(opts.SmoothMs * float64(opts.SampleRate) / 1000.0)
	return smooth(filtered, window), nil
}

// highpass applies a single-pole high-pass filter in place-safe form.
func highpass(x []float64, cutoffHz float64, sampleRate int) []float64 {
	if cutoffHz <= 0 {
		out := make([]float64, len(x))
		copy(out, x)
		return out
	}
	rc := 1.0 / (2.0 * math.Pi * cutoffHz)
	dt := 1.0 / float64(sampleRate)
	alpha := rc / (rc + dt)

	out := make([]float64, len(x))
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = alpha * (out[i-1] + x[i] - x[i-1])
	}
	return out
}

// smooth applies a centered moving average of the given window length.
func smooth(x []float64, window int) []float64 {
	if window < 2 {
		return x
	}
	out := make([]float64, len(x))
	sum := 0.0
	half := window / 2
	for i := 0; i < len(x)+half; i++ {
		if i < len(x) {
			sum += x[i]
		}
		if i-window >= 0 {
			sum -= x[i-window]
		}
		if c := i - half; c >= 0 && c < len(x) {
			out[c] = sum / float64(window)
		}
	}
	return out
}

// bestLag computes the full cross-correlation of the two envelopes in
// the frequency domain and returns the lag of maximum correlation.
// A positive lag means the target's content occurs later than the
// reference's.
func bestLag(ref, tgt []float64) (int, float64) {
	n := 1
	for n < len(ref)+len(tgt)-1 {
		n <<= 1
	}

	refPad := make([]float64, n)
	copy(refPad, ref)
	tgtPad := make([]float64, n)
	copy(tgtPad, tgt)

	fft := fourier.NewFFT(n)
	refCoeff := fft.Coefficients(nil, refPad)
	tgtCoeff := fft.Coefficients(nil, tgtPad)

	// correlation = IFFT(FFT(target) * conj(FFT(reference)))
	for i := range refCoeff {
		tgtCoeff[i] *= cmplxConj(refCoeff[i])
	}
	corr := fft.Sequence(nil, tgtCoeff)

	// Valid lags run from -(len(ref)-1) to len(tgt)-1; circular indices
	// above the positive range wrap to negative lags.
	best, bestVal := 0, math.Inf(-1)
	for lag := -(len(ref) - 1); lag < len(tgt); lag++ {
		idx := lag
		if idx < 0 {
			idx += n
		}
		if corr[idx] > bestVal {
			bestVal = corr[idx]
			best = lag
		}
	}
	return best, bestVal / float64(n)
}

func cmplxConj(c complex128) complex128 {
	return complex(real(c), -imag(c))
}

// Engine ties the decode capability to the correlation core for
// file-to-file alignment.
type Engine struct {
	dec         *decode.Decoder
	opts        Options
	scanSeconds float64
}

// NewEngine builds an Engine from the sync configuration section.
func NewEngine(cfg *config.SyncConfig) *Engine {
	return &Engine{
		dec: decode.New(cfg.FFmpegBinary, cfg.SampleRate),
		opts: Options{
			SampleRate: cfg.SampleRate,
			HighpassHz: cfg.HighpassHz,
			SmoothMs:   cfg.SmoothMs,
		},
		scanSeconds: cfg.ScanSeconds,
	}
}

// OffsetBetweenFiles decodes the leading window of both files and
// computes the target's offset relative to the reference.
func (e *Engine) OffsetBetweenFiles(referencePath, targetPath string) (Result, error) {
	ref, err := e.dec.Decode(referencePath, e.scanSeconds)
	if err != nil {
		return Result{}, fmt.Errorf("reference %s: %w", referencePath, err)
	}
	tgt, err := e.dec.Decode(targetPath, e.scanSeconds)
	if err != nil {
		return Result{}, fmt.Errorf("target %s: %w", targetPath, err)
	}
	return Offset(ref, tgt, e.opts)
}
