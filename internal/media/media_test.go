package media

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDetect(t *testing.T) {
	cases := map[string]FileType{
		"/rec/2024-03-01 lesson.MP4": FileTypeVideo,
		"/rec/clip.mkv":              FileTypeVideo,
		"/rec/voice.m4a":             FileTypeAudio,
		"/rec/cover.JPG":             FileTypeImage,
		"/rec/notes.txt":             FileTypeOther,
		"/rec/noext":                 FileTypeOther,
	}
	for path, want := range cases {
		if got := Detect(path); got != want {
			t.Errorf("Detect(%q): got %q, want %q", path, got, want)
		}
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType("/rec/a.mkv"); got != "video/x-matroska" {
		t.Errorf("ContentType mkv: got %q", got)
	}
	if got := ContentType("/rec/a.unknownext"); got != "application/octet-stream" {
		t.Errorf("ContentType unknown: got %q", got)
	}
}

func TestCanonical(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(wd, "rec", "a.mp4")
	for _, in := range []string{"rec/a.mp4", "./rec/a.mp4", "rec/../rec/./a.mp4", want} {
		if got := Canonical(in); got != want {
			t.Errorf("Canonical(%q): got %q, want %q", in, got, want)
		}
	}
}
