package analysis

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// TimestampLayout is the canonical form of recording_start/recording_end.
const TimestampLayout = "2006-01-02 15:04:05"

// ocrDigits maps characters OCR commonly returns in place of digits.
var ocrDigits = strings.NewReplacer(
	"O", "0", "o", "0", "Q", "0", "D", "0",
	"I", "1", "l", "1", "|", "1", "i", "1", "!", "1",
	"Z", "2", "z", "2",
	"S", "5", "s", "5", "$", "5",
	"G", "6", "b", "6",
	"T", "7",
	"B", "8",
	"g", "9", "q", "9",
)

var (
	overlayPattern = regexp.MustCompile(
		`(\d{4})[-/.](\d{2})[-/.](\d{2})\s+(\d{2})[:.](\d{2})[:.](\d{2})`)
	filenamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d{4})(\d{2})(\d{2})_(\d{2})(\d{2})(\d{2})`),
		regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})_(\d{2})-(\d{2})-(\d{2})`),
	}
)

// CorrectOCR rewrites common digit misreads.
func CorrectOCR(text string) string {
	return ocrDigits.Replace(text)
}

// ParseOverlay finds an on-screen timestamp in raw OCR text. The year must
// fall within [minYear, now.Year()+1] and every field must form a real
// calendar time.
func ParseOverlay(text string, minYear int, now time.Time) (time.Time, bool) {
	m := overlayPattern.FindStringSubmatch(CorrectOCR(text))
	if m == nil {
		return time.Time{}, false
	}
	return validate(m[1:], minYear, now)
}

// FromFilename extracts a timestamp embedded in the base name of path as
// YYYYMMDD_HHMMSS or YYYY-MM-DD_HH-MM-SS.
func FromFilename(path string, minYear int, now time.Time) (time.Time, bool) {
	base := filepath.Base(path)
	for _, re := range filenamePatterns {
		if m := re.FindStringSubmatch(base); m != nil {
			if t, ok := validate(m[1:], minYear, now); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// validate assembles year, month, day, hour, minute, second and rejects
// anything time.Parse would normalise or refuse.
func validate(f []string, minYear int, now time.Time) (time.Time, bool) {
	s := f[0] + "-" + f[1] + "-" + f[2] + " " + f[3] + ":" + f[4] + ":" + f[5]
	t, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	if t.Year() < minYear || t.Year() > now.Year()+1 {
		return time.Time{}, false
	}
	return t, true
}
