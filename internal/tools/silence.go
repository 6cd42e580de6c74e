package tools

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var silenceStartRe = regexp.MustCompile(`silence_start:\s*(-?[0-9.]+)`)

// SilenceStarts runs silencedetect over the first window of audio and
// returns the start time of each silence in seconds.
func (r *Runner) SilenceStarts(ctx context.Context, path string, window time.Duration) ([]float64, error) {
	filter := fmt.Sprintf("silencedetect=noise=%s:d=%s", r.cfg.NoiseFloor, seconds(r.cfg.MinSilence))
	_, stderr, err := r.exec(ctx, r.cfg.FFmpeg,
		"-hide_banner", "-nostats",
		"-t", seconds(window),
		"-i", path,
		"-vn", "-af", filter,
		"-f", "null", "-")
	if err != nil {
		return nil, err
	}
	return parseSilence(stderr), nil
}

// parseSilence extracts silence_start values from ffmpeg's log output.
func parseSilence(log []byte) []float64 {
	var starts []float64
	sc := bufio.NewScanner(bytes.NewReader(log))
	for sc.Scan() {
		m := silenceStartRe.FindSubmatch(sc.Bytes())
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(string(m[1]), 64)
		if err != nil {
			continue
		}
		if v < 0 {
			v = 0
		}
		starts = append(starts, v)
	}
	return starts
}
