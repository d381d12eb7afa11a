// Package assembler owns the partial file: positioned writes from many
// workers, preallocation, and the finalize rename that turns a partial
// into the target file.
package assembler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/internal/logger"
)

// ConflictPolicy decides what happens when the target already exists.
type ConflictPolicy int

const (
	// AutoRename picks "name(1).ext" .. "name(9999).ext", then falls back
	// to a timestamp suffix.
	AutoRename ConflictPolicy = iota
	// Overwrite replaces the existing target.
	Overwrite
	// Skip deletes the partial and leaves the existing target untouched.
	Skip
)

// maxWriteChunk bounds a single positioned write so an I/O error loses at
// most this much attributable progress.
const maxWriteChunk = 1 << 20

var ErrPartialMissing = errors.New("partial file does not exist")

// OpenPartial creates or opens the partial file for positioned writes.
// A newly created file with a known size is preallocated up front so disk
// space runs out at the start, not 90% of the way through.
func OpenPartial(path string, fileSize int64) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create target directory: %w", err)
		}
	}

	_, statErr := os.Stat(path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}

	if isNew && fileSize > 0 {
		if err := preallocate(f, fileSize); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("failed to preallocate %d bytes: %w", fileSize, err)
		}
		logger.Debugf("Preallocated partial file %s to %d bytes", path, fileSize)
	}

	return f, nil
}

// WriteAt writes data at offset without touching any shared cursor, so
// concurrent workers can write disjoint ranges of the same handle. Chunks
// larger than 1 MiB are issued as multiple positioned writes.
func WriteAt(f *os.File, offset int64, data []byte) error {
	for len(data) > 0 {
		n := len(data)
		if n > maxWriteChunk {
			n = maxWriteChunk
		}

		if _, err := f.WriteAt(data[:n], offset); err != nil {
			return fmt.Errorf("positioned write at %d failed: %w", offset, err)
		}

		offset += int64(n)
		data = data[n:]
	}
	return nil
}

// Finalize renames the partial onto the target, resolving name conflicts
// per policy. The rename is atomic on one volume; across volumes it falls
// back to copy+delete. Returns the realized target path.
func Finalize(partialPath, targetPath string, policy ConflictPolicy) (string, error) {
	if _, err := os.Stat(partialPath); err != nil {
		return "", ErrPartialMissing
	}

	realized := targetPath
	if _, err := os.Stat(targetPath); err == nil {
		switch policy {
		case AutoRename:
			realized = UniqueName(targetPath)
		case Overwrite:
			if err := os.Remove(targetPath); err != nil {
				return "", fmt.Errorf("failed to remove existing target: %w", err)
			}
		case Skip:
			if err := os.Remove(partialPath); err != nil {
				return "", fmt.Errorf("failed to remove partial: %w", err)
			}
			logger.Infof("Target %s exists, skipped finalize", targetPath)
			return targetPath, nil
		}
	}

	if err := os.Rename(partialPath, realized); err != nil {
		// Cross-volume rename is not atomic anywhere; copy then delete.
		if copyErr := copyFile(partialPath, realized); copyErr != nil {
			return "", fmt.Errorf("rename failed (%v) and copy fallback failed: %w", err, copyErr)
		}
		if err := os.Remove(partialPath); err != nil {
			logger.Warnf("Failed to remove partial after copy: %v", err)
		}
	}

	logger.Infof("Finalized %s", realized)
	return realized, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// UniqueName finds an unused variant of path: "file.txt" becomes
// "file(1).txt" up to "(9999)", then a timestamp suffix.
func UniqueName(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	for i := 1; i <= 9999; i++ {
		candidate := fmt.Sprintf("%s(%d)%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}

	return fmt.Sprintf("%s-%d%s", base, time.Now().Unix(), ext)
}

// SetTimestamp applies an HTTP-format date as the file's modification
// time. Unparseable dates are ignored; the download already succeeded.
func SetTimestamp(path, httpDate string) {
	if httpDate == "" {
		return
	}

	when, err := http.ParseTime(httpDate)
	if err != nil {
		logger.Debugf("Ignoring unparseable Last-Modified %q: %v", httpDate, err)
		return
	}

	if err := os.Chtimes(path, when, when); err != nil {
		logger.Warnf("Failed to set timestamp on %s: %v", path, err)
	}
}
