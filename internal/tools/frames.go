package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ReadText grabs the single frame at offset and returns the text tesseract
// recognises on it. The frame is seeked by input option so ffmpeg jumps
// straight to the nearest keyframe instead of decoding from the start.
func (r *Runner) ReadText(ctx context.Context, path string, offset time.Duration) (string, error) {
	dir, err := os.MkdirTemp("", "vidlift-frame-*")
	if err != nil {
		return "", fmt.Errorf("frame temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	img := filepath.Join(dir, "frame.png")
	if _, _, err := r.exec(ctx, r.cfg.FFmpeg,
		"-hide_banner", "-loglevel", "error",
		"-ss", seconds(offset),
		"-i", path,
		"-frames:v", "1",
		"-y", img); err != nil {
		return "", err
	}
	if _, err := os.Stat(img); err != nil {
		return "", fmt.Errorf("no frame at %s: %w", offset, err)
	}

	out, _, err := r.exec(ctx, r.cfg.Tesseract, img, "stdout", "--psm", "6")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
