// Package fingerprint computes cheap content fingerprints for media files.
//
// A fingerprint is xxhash64 over the first PrefixBytes of the file, mixed
// with the file size. It detects edits and replacements at the cost of a
// small, accepted collision risk: two files of equal size sharing the same
// leading 64 KiB get the same fingerprint. It is not a content digest.
package fingerprint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/eargollo/vidlift/internal/apperr"
)

// PrefixBytes is the number of leading bytes hashed per file.
const PrefixBytes = 64 * 1024

// Compute returns the fingerprint of the file at path.
func Compute(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("fingerprint %q: %w", path, apperr.ErrNotFound)
		}
		return "", fmt.Errorf("fingerprint %q: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat %q: %w", path, err)
	}
	return FromReader(f, info.Size())
}

// FromReader fingerprints at most PrefixBytes from r for a resource of the
// given total size.
func FromReader(r io.Reader, size int64) (string, error) {
	h := xxhash.New()
	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], uint64(size))
	_, _ = h.Write(sz[:])

	if _, err := io.Copy(h, io.LimitReader(r, PrefixBytes)); err != nil {
		return "", fmt.Errorf("read prefix: %w", err)
	}
	return strconv.FormatUint(h.Sum64(), 16), nil
}
