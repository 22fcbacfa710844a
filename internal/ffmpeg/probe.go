package ffmpeg

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Prober extracts the container duration of a media file via ffprobe. The
// duration feeds progress percentage calculation; probing is best-effort and
// a failure simply leaves the percentage indeterminate.
type Prober struct{}

func NewProber() *Prober {
	return &Prober{}
}

func (prober *Prober) Duration(ctx context.Context, path string) time.Duration {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)

	raw, err := cmd.Output()
	if err != nil {
		return 0
	}

	seconds, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil || seconds <= 0 {
		return 0
	}

	return time.Duration(seconds * float64(time.Second))
}
