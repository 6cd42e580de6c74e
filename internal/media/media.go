// Package media classifies local files by extension.
package media

import (
	"mime"
	"path/filepath"
	"strings"
)

// FileType classifies a file for sweeping and upload.
type FileType string

const (
	FileTypeVideo FileType = "video"
	FileTypeAudio FileType = "audio"
	FileTypeImage FileType = "image"
	FileTypeOther FileType = "other"
)

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".wmv": true, ".flv": true, ".webm": true, ".m4v": true,
	".mts": true, ".m2ts": true, ".ts": true,
}

var audioExts = map[string]bool{
	".mp3": true, ".m4a": true, ".wav": true, ".aac": true, ".flac": true,
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

// fallbackTypes covers container formats missing from common mime tables.
var fallbackTypes = map[string]string{
	".mkv":  "video/x-matroska",
	".m4v":  "video/x-m4v",
	".mts":  "video/mp2t",
	".m2ts": "video/mp2t",
	".ts":   "video/mp2t",
	".flv":  "video/x-flv",
	".wmv":  "video/x-ms-wmv",
}

// Detect returns the FileType for the given file path based on extension.
func Detect(path string) FileType {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case videoExts[ext]:
		return FileTypeVideo
	case audioExts[ext]:
		return FileTypeAudio
	case imageExts[ext]:
		return FileTypeImage
	default:
		return FileTypeOther
	}
}

// IsVideo reports whether path has a video extension.
func IsVideo(path string) bool { return Detect(path) == FileTypeVideo }

// Canonical returns the single spelling a file is keyed by: its absolute,
// cleaned path, or the cleaned path when the working directory is unknown.
func Canonical(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return filepath.Clean(path)
}

// ContentType returns the MIME type sent as X-Upload-Content-Type.
// Unknown extensions yield "application/octet-stream".
func ContentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct, ok := fallbackTypes[ext]; ok {
		return ct
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
