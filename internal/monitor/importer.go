package monitor

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/audiolibrelab/camsync/internal/config"
)

// Importer is the boundary to the external editor/timeline. Place puts
// the media item at the given position and returns the item's end
// position on the timeline.
type Importer interface {
	Place(path string, position float64) (end float64, err error)
}

// ReportImporter is the standalone implementation: it probes the media
// duration and reports the placement instead of driving an editor.
type ReportImporter struct {
	ffprobe string
	printf  func(format string, args ...any)
}

// NewReportImporter derives the ffprobe binary from the configured
// ffmpeg path.
func NewReportImporter(cfg *config.Config, printf func(string, ...any)) *ReportImporter {
	ffprobe := "ffprobe"
	if strings.HasSuffix(cfg.Sync.FFmpegBinary, "ffmpeg") {
		ffprobe = strings.TrimSuffix(cfg.Sync.FFmpegBinary, "ffmpeg") + "ffprobe"
	}
	return &ReportImporter{ffprobe: ffprobe, printf: printf}
}

func (r *ReportImporter) Place(path string, position float64) (float64, error) {
	duration, err := r.probeDuration(path)
	if err != nil {
		// Placement still succeeds; only the end position is unknown.
		return position, nil
	}
	return position + duration, nil
}

func (r *ReportImporter) probeDuration(path string) (float64, error) {
	cmd := exec.Command(r.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}
	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable duration %q: %w", output, err)
	}
	return duration, nil
}
