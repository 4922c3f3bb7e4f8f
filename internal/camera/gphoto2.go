package camera

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Gphoto2 drives a camera through the gphoto2 CLI. The vendor event
// queue is emulated by diffing the device file listing: PumpEvents
// rate-limits the actual listing so the session can pump at tens of
// milliseconds without forking a process per pump.
type Gphoto2 struct {
	binary string

	known   map[string]bool // files present when recording configuration began
	created []File

	lastScan     time.Time
	scanInterval time.Duration
	recording    bool
}

// NewGphoto2 returns an unopened gphoto2 driver.
func NewGphoto2() *Gphoto2 {
	return &Gphoto2{
		binary:       "gphoto2",
		known:        make(map[string]bool),
		scanInterval: 500 * time.Millisecond,
	}
}

func (g *Gphoto2) run(args ...string) (string, error) {
	cmd := exec.Command(g.binary, args...)
	output, err := cmd.CombinedOutput()
	text := string(output)
	if err != nil {
		return text, classify(text, fmt.Errorf("gphoto2 %s failed: %w", args[0], err))
	}
	return text, nil
}

// classify maps gphoto2 failure output onto the driver error classes.
func classify(output string, fallback error) error {
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "could not claim") || strings.Contains(lower, "device busy"):
		return fmt.Errorf("%w: %s", ErrBusy, firstLine(output))
	case strings.Contains(lower, "not ready") || strings.Contains(lower, "camera is already capturing"):
		return fmt.Errorf("%w: %s", ErrNotReady, firstLine(output))
	default:
		return fallback
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}

func (g *Gphoto2) Open() error {
	output, err := g.run("--auto-detect")
	if err != nil {
		return err
	}

	// Header is two lines; any line with a usb: port is a camera.
	detected := false
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "usb:") {
			detected = true
			break
		}
	}
	if !detected {
		return fmt.Errorf("no camera detected")
	}

	// Baseline listing so pre-existing files never surface as events.
	files, err := g.listFiles()
	if err != nil {
		return fmt.Errorf("failed to index camera storage: %w", err)
	}
	for path := range files {
		g.known[path] = true
	}

	slog.Debug("gphoto2 camera opened", "existing_files", len(g.known))
	return nil
}

func (g *Gphoto2) ForceUnlock() error {
	if _, err := g.run("--reset"); err != nil {
		return fmt.Errorf("force unlock failed: %w", err)
	}
	return nil
}

func (g *Gphoto2) SetSaveDestination() error {
	_, err := g.run("--set-config", "capturetarget=1")
	return err
}

func (g *Gphoto2) WakeDisplay() error {
	_, err := g.run("--set-config", "viewfinder=1")
	return err
}

func (g *Gphoto2) SetRecording(on bool) error {
	value := "0"
	if on {
		value = "1"
	}
	if _, err := g.run("--set-config", "movie="+value); err != nil {
		return err
	}
	g.recording = on
	return nil
}

// PumpEvents refreshes the file listing at most every scanInterval and
// queues handles for files that appeared since Open.
func (g *Gphoto2) PumpEvents() error {
	if time.Since(g.lastScan) < g.scanInterval {
		return nil
	}
	g.lastScan = time.Now()

	files, err := g.listFiles()
	if err != nil {
		// A listing during an active recording can fail transiently;
		// the next pump retries.
		slog.Debug("gphoto2 listing failed during pump", "error", err)
		return nil
	}

	for path, size := range files {
		if g.known[path] {
			continue
		}
		g.known[path] = true
		slog.Info("new file detected on camera", "path", path, "size", size)
		g.created = append(g.created, &gphoto2File{driver: g, path: path, size: size})
	}
	return nil
}

func (g *Gphoto2) NextCreated() (File, bool) {
	if len(g.created) == 0 {
		return nil, false
	}
	f := g.created[0]
	g.created = g.created[1:]
	return f, true
}

func (g *Gphoto2) Close() error {
	if g.recording {
		// Best effort; the session retries stop itself before closing.
		g.SetRecording(false)
	}
	g.created = nil
	return nil
}

// listFiles returns device path -> declared byte size.
func (g *Gphoto2) listFiles() (map[string]int64, error) {
	output, err := g.run("--list-files", "--quiet")
	if err != nil {
		return nil, err
	}

	files := make(map[string]int64)
	folder := "/"
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "There ") && strings.Contains(line, "folder") {
			// "There are 2 files in folder '/store_00020001/DCIM/100CANON'."
			if i := strings.Index(line, "'"); i >= 0 {
				if j := strings.LastIndex(line, "'"); j > i {
					folder = line[i+1 : j]
				}
			}
			continue
		}
		if !strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		name := fields[1]
		size, unit := fields[3], ""
		if len(fields) >= 5 {
			unit = fields[4]
		}
		bytes, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			continue
		}
		if strings.EqualFold(unit, "KB") {
			bytes *= 1024
		}
		files[folder+"/"+name] = bytes
	}
	return files, nil
}

type gphoto2File struct {
	driver *Gphoto2
	path   string
	size   int64
}

func (f *gphoto2File) Info() (FileInfo, error) {
	i := strings.LastIndexByte(f.path, '/')
	return FileInfo{Name: f.path[i+1:], Size: f.size}, nil
}

func (f *gphoto2File) Download(localPath string, progress func(int)) error {
	folder, name := splitDevicePath(f.path)
	_, err := f.driver.run("--folder", folder, "--get-file", name,
		"--filename", localPath, "--force-overwrite")
	if err != nil {
		return fmt.Errorf("download of %s failed: %w", f.path, err)
	}
	if progress != nil {
		progress(100)
	}
	return nil
}

func (f *gphoto2File) Delete() error {
	folder, name := splitDevicePath(f.path)
	if _, err := f.driver.run("--folder", folder, "--delete-file", name); err != nil {
		return fmt.Errorf("delete of %s failed: %w", f.path, err)
	}
	return nil
}

func (f *gphoto2File) Release() {}

func splitDevicePath(path string) (folder, name string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "/", path
	}
	return path[:i], path[i+1:]
}
