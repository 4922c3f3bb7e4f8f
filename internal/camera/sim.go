package camera

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Sim is an in-process driver used when no camera is attached
// (agent.driver: sim) and by the end-to-end tests. It honors the full
// call protocol, answers a configurable number of record commands with
// transient errors, and materializes a small WAV clip as the
// "device-resident" file so the rest of the pipeline, including the
// decode pass, runs unmodified.
type Sim struct {
	// Transient-error injection: number of leading SetRecording calls
	// answered with ErrBusy for start and stop respectively.
	StartBusy int
	StopBusy  int
	// StartErr, when set, is returned by every record-start attempt.
	StartErr error
	// PumpsUntilFile is how many PumpEvents calls after record-stop
	// pass before the file-creation event surfaces.
	PumpsUntilFile int
	// NoFile suppresses the creation event entirely.
	NoFile bool
	// DeclaredSizeSkew is added to the declared size reported by the
	// file handle, leaving the actual bytes untouched.
	DeclaredSizeSkew int64
	// FailDownload makes Download return an error.
	FailDownload bool
	// ClipSeconds is the generated clip length.
	ClipSeconds float64

	// Calls records every driver call in order, for tests.
	Calls []string

	dir           string
	recording     bool
	stopped       bool
	pumpsSinceEnd int
	emitted       bool
	created       []File
	Released      int
	Deleted       int
}

// NewSim returns a simulator with a 3 second clip and no injected faults.
func NewSim() *Sim {
	return &Sim{ClipSeconds: 3.0, PumpsUntilFile: 3}
}

func (s *Sim) record(call string) {
	s.Calls = append(s.Calls, call)
}

// CallCount returns how many times the named call was made.
func (s *Sim) CallCount(name string) int {
	n := 0
	for _, c := range s.Calls {
		if c == name {
			n++
		}
	}
	return n
}

func (s *Sim) Open() error {
	s.record("open")
	dir, err := os.MkdirTemp("", "camsync-sim-")
	if err != nil {
		return fmt.Errorf("sim storage: %w", err)
	}
	s.dir = dir
	return nil
}

func (s *Sim) ForceUnlock() error {
	s.record("force_unlock")
	return nil
}

func (s *Sim) SetSaveDestination() error {
	s.record("save_dest")
	return nil
}

func (s *Sim) WakeDisplay() error {
	s.record("wake")
	return nil
}

func (s *Sim) SetRecording(on bool) error {
	if on {
		s.record("record_start")
		if s.StartErr != nil {
			return s.StartErr
		}
		if s.StartBusy > 0 {
			s.StartBusy--
			return ErrBusy
		}
		s.recording = true
		return nil
	}

	s.record("record_stop")
	if s.StopBusy > 0 {
		s.StopBusy--
		return ErrNotReady
	}
	s.recording = false
	s.stopped = true
	return nil
}

func (s *Sim) PumpEvents() error {
	s.record("pump")
	if !s.stopped || s.emitted || s.NoFile {
		return nil
	}
	s.pumpsSinceEnd++
	if s.pumpsSinceEnd < s.PumpsUntilFile {
		return nil
	}

	path := filepath.Join(s.dir, "MVI_0001.WAV")
	if err := writeClickWAV(path, s.ClipSeconds); err != nil {
		return fmt.Errorf("sim clip: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	s.created = append(s.created, &simFile{sim: s, path: path, size: info.Size() + s.DeclaredSizeSkew})
	s.emitted = true
	return nil
}

func (s *Sim) NextCreated() (File, bool) {
	if len(s.created) == 0 {
		return nil, false
	}
	f := s.created[0]
	s.created = s.created[1:]
	return f, true
}

func (s *Sim) Close() error {
	s.record("close")
	if s.dir != "" {
		os.RemoveAll(s.dir)
	}
	return nil
}

type simFile struct {
	sim  *Sim
	path string
	size int64
}

func (f *simFile) Info() (FileInfo, error) {
	return FileInfo{Name: filepath.Base(f.path), Size: f.size}, nil
}

func (f *simFile) Download(localPath string, progress func(int)) error {
	if f.sim.FailDownload {
		return fmt.Errorf("simulated download failure")
	}
	src, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

func (f *simFile) Delete() error {
	f.sim.Deleted++
	return os.Remove(f.path)
}

func (f *simFile) Release() {
	f.sim.Released++
}

// writeClickWAV writes a mono 16 kHz 16-bit PCM clip: silence with a
// short burst one second in, enough signal for the sync engine to lock
// onto.
func writeClickWAV(path string, seconds float64) error {
	const rate = 16000
	n := int(seconds * rate)
	if n < rate*2 {
		n = rate * 2
	}

	samples := make([]int16, n)
	for i := 0; i < rate/100; i++ { // 10ms burst at t=1s
		v := math.Sin(2*math.Pi*1000*float64(i)/rate) * math.Exp(-float64(i)/200)
		samples[rate+i] = int16(v * 28000)
	}

	var buf bytes.Buffer
	dataLen := uint32(len(samples) * 2)
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataLen))
	buf.WriteString("WAVEfmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	binary.Write(&buf, binary.LittleEndian, samples)

	return os.WriteFile(path, buf.Bytes(), 0644)
}
