// Package tools runs the external media analysers (ffprobe, ffmpeg and
// tesseract) as subprocesses.
package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/eargollo/vidlift/internal/analysis"
)

// Config names the binaries and bounds each invocation.
type Config struct {
	FFprobe   string
	FFmpeg    string
	Tesseract string
	// Timeout caps a single subprocess run.
	Timeout time.Duration
	// NoiseFloor and MinSilence tune ffmpeg's silencedetect filter.
	NoiseFloor string
	MinSilence time.Duration
}

func (c Config) withDefaults() Config {
	if c.FFprobe == "" {
		c.FFprobe = "ffprobe"
	}
	if c.FFmpeg == "" {
		c.FFmpeg = "ffmpeg"
	}
	if c.Tesseract == "" {
		c.Tesseract = "tesseract"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.NoiseFloor == "" {
		c.NoiseFloor = "-35dB"
	}
	if c.MinSilence <= 0 {
		c.MinSilence = 500 * time.Millisecond
	}
	return c
}

// runFunc executes name with args and returns stdout and stderr.
type runFunc func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRun(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[len(msg)-512:]
		}
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// Runner implements analysis.Prober, analysis.SilenceDetector and
// analysis.FrameReader on top of the configured binaries.
type Runner struct {
	cfg Config
	run runFunc
}

// New returns a Runner. Binaries are resolved lazily on each call.
func New(cfg Config) *Runner {
	return &Runner{cfg: cfg.withDefaults(), run: execRun}
}

// Tools returns the runner wired into every analysis step.
func (r *Runner) Tools() analysis.Tools {
	return analysis.Tools{Prober: r, Silence: r, Frames: r}
}

// Missing returns the configured binaries that cannot be found on PATH.
func (r *Runner) Missing() []string {
	var missing []string
	for _, bin := range []string{r.cfg.FFprobe, r.cfg.FFmpeg, r.cfg.Tesseract} {
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}
	return missing
}

func (r *Runner) exec(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	return r.run(ctx, name, args...)
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}
