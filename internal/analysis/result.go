// Package analysis derives reusable metadata from local recordings:
// whether a recording is a raw classroom capture, how long it runs and
// the wall-clock times burned into its first and last frames.
//
// Results are cached per path and keyed by a content fingerprint, so a
// file is only re-analysed after its bytes change.
package analysis

import (
	"context"
	"fmt"
	"time"
)

// Method records how a Result was obtained.
type Method string

const (
	MethodManual   Method = "manual"
	MethodFilename Method = "filename"
	MethodContent  Method = "content-analysis"
	MethodCached   Method = "cached"
)

// TimestampState distinguishes a timestamp that is definitely not on screen
// from one that could not be read.
type TimestampState string

const (
	// TimestampExtracted means at least one of start/end was read.
	TimestampExtracted TimestampState = "extracted"
	// TimestampAbsent means every candidate frame was read and none held a
	// valid timestamp.
	TimestampAbsent TimestampState = "absent"
	// TimestampFailed means a tool failed; the result is partial and a
	// forced re-analysis may succeed.
	TimestampFailed TimestampState = "failed"
	// TimestampSkipped means extraction was not attempted.
	TimestampSkipped TimestampState = "skipped"
)

// Result is the outcome of analysing one recording.
type Result struct {
	Classified      bool           `json:"classified"`
	DetectionMethod Method         `json:"detection_method"`
	RecordingStart  *string        `json:"recording_start"`
	RecordingEnd    *string        `json:"recording_end"`
	Duration        *string        `json:"duration"`
	SizeBytes       int64          `json:"size_bytes"`
	TimestampState  TimestampState `json:"timestamp_state"`
	Errors          []string       `json:"errors,omitempty"`
}

func (r *Result) addError(step string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", step, err))
}

// Probe is what the duration probe reports about a recording.
type Probe struct {
	Duration time.Duration
	FPS      float64
}

// Prober reads container metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (Probe, error)
}

// SilenceDetector returns the start times, in seconds from the beginning of
// the file, of every silence within the first window of audio.
type SilenceDetector interface {
	SilenceStarts(ctx context.Context, path string, window time.Duration) ([]float64, error)
}

// FrameReader returns the text recognised on the frame at offset.
type FrameReader interface {
	ReadText(ctx context.Context, path string, offset time.Duration) (string, error)
}

// Tools bundles the external analysers. A nil member disables its step.
type Tools struct {
	Prober  Prober
	Silence SilenceDetector
	Frames  FrameReader
}

// Recorder receives pipeline events for metrics.
type Recorder interface {
	CacheLookup(hit bool)
	ToolRun(tool string, took time.Duration, err error)
}

type nopRecorder struct{}

func (nopRecorder) CacheLookup(bool)                     {}
func (nopRecorder) ToolRun(string, time.Duration, error) {}

func formatDuration(d time.Duration) string {
	s := int64(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}
