package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eargollo/vidlift/internal/analysis"
	"github.com/eargollo/vidlift/internal/apperr"
)

type probeOutput struct {
	Streams []struct {
		RFrameRate string `json:"r_frame_rate"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the container duration and the first video stream's frame rate.
func (r *Runner) Probe(ctx context.Context, path string) (analysis.Probe, error) {
	out, _, err := r.exec(ctx, r.cfg.FFprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "format=duration:stream=r_frame_rate",
		"-of", "json",
		path)
	if err != nil {
		return analysis.Probe{}, err
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (analysis.Probe, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return analysis.Probe{}, fmt.Errorf("ffprobe output: %w: %v", apperr.ErrUnparseableMedia, err)
	}
	secs, err := strconv.ParseFloat(po.Format.Duration, 64)
	if err != nil || secs <= 0 {
		return analysis.Probe{}, fmt.Errorf("ffprobe duration %q: %w", po.Format.Duration, apperr.ErrUnparseableMedia)
	}
	p := analysis.Probe{Duration: time.Duration(secs * float64(time.Second))}
	if len(po.Streams) > 0 {
		p.FPS = parseRate(po.Streams[0].RFrameRate)
	}
	return p, nil
}

// parseRate turns ffprobe's "num/den" rate into frames per second; 0 when
// unknown.
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}
