// Package resume persists segment maps across sessions and revalidates
// them against the server before they are trusted.
package resume

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Zakaria95Ahmed/idm-clone/internal/database"
	"github.com/Zakaria95Ahmed/idm-clone/internal/logger"
	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
)

const (
	// snapshotMagic is "SEGI" as a little-endian u32.
	snapshotMagic   = uint32(0x53454749)
	snapshotVersion = uint32(1)
)

var (
	// ErrBadSnapshot is returned for a snapshot with the wrong magic or
	// version. Callers discard the file and restart from zero.
	ErrBadSnapshot = errors.New("invalid segment snapshot")
)

// Matches reports whether a fresh probe of the server still describes the
// resource the cached entry was downloaded from. Resumable iff the server
// supports ranges, the ETag matches when both sides have one, otherwise
// Last-Modified matches when both sides have one, and the size is
// unchanged when both sides know it.
func Matches(entry *database.Entry, info *protocol.ResponseInfo) bool {
	if !info.AcceptRanges {
		logger.Warnf("Resume rejected for %s: server does not accept ranges", entry.FileName)
		return false
	}

	if entry.ETag != "" && info.ETag != "" {
		if entry.ETag != info.ETag {
			logger.Warnf("Resume rejected for %s: ETag changed (%s -> %s)",
				entry.FileName, entry.ETag, info.ETag)
			return false
		}
	} else if entry.LastModified != "" && info.LastModified != "" {
		if entry.LastModified != info.LastModified {
			logger.Warnf("Resume rejected for %s: Last-Modified changed", entry.FileName)
			return false
		}
	}

	if entry.FileSize > 0 && info.ContentLength > 0 && entry.FileSize != info.ContentLength {
		logger.Warnf("Resume rejected for %s: size changed (%d -> %d)",
			entry.FileName, entry.FileSize, info.ContentLength)
		return false
	}

	return true
}

// Validate issues a HEAD request and checks the entry against the live
// server. On mismatch the entry is marked non-resumable and its partial
// artifacts are discarded, so the next start begins from zero.
func Validate(ctx context.Context, client protocol.Client, entry *database.Entry) (bool, error) {
	cfg := &protocol.RequestConfig{
		URL:        entry.URL,
		Referrer:   entry.Referrer,
		UserAgent:  entry.UserAgent,
		Cookies:    entry.Cookies,
		Username:   entry.Username,
		Password:   entry.Password,
		RangeStart: -1,
		RangeEnd:   -1,
	}

	info, err := client.Head(ctx, cfg)
	if err != nil {
		return false, fmt.Errorf("validation probe failed: %w", err)
	}

	if !Matches(entry, info) {
		entry.ResumeSupported = false
		CleanupPartials(entry)
		return false, nil
	}

	// Refresh validators for the next session.
	if info.ETag != "" {
		entry.ETag = info.ETag
	}
	if info.LastModified != "" {
		entry.LastModified = info.LastModified
	}
	if info.ContentLength > 0 {
		entry.FileSize = info.ContentLength
	}
	entry.ResumeSupported = true

	return true, nil
}

// SaveState writes the segment snapshot. The file is fully rewritten into
// a temp file then renamed, so a crash mid-write never corrupts a
// previously good snapshot.
func SaveState(path string, fileSize int64, segments []segment.Segment) error {
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	if err := writeSnapshot(f, fileSize, segments); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func writeSnapshot(w io.Writer, fileSize int64, segments []segment.Segment) error {
	header := []any{snapshotMagic, snapshotVersion, fileSize, uint32(len(segments))}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("failed to write snapshot header: %w", err)
		}
	}

	for i := range segments {
		seg := &segments[i]
		fields := []any{int32(seg.ID), seg.StartByte, seg.EndByte, seg.Cursor, uint8(seg.Status)}
		for _, v := range fields {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return fmt.Errorf("failed to write segment %d: %w", seg.ID, err)
			}
		}
	}
	return nil
}

// LoadState reads a snapshot back. Non-Complete statuses collapse to
// Pending: an Active or Error segment from a dead process is just
// unfinished work.
func LoadState(path string) (int64, []segment.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	var (
		magic, version, count uint32
		fileSize              int64
	)
	for _, dst := range []any{&magic, &version, &fileSize, &count} {
		if err := binary.Read(f, binary.LittleEndian, dst); err != nil {
			return 0, nil, fmt.Errorf("failed to read snapshot header: %w", err)
		}
	}

	if magic != snapshotMagic || version != snapshotVersion {
		return 0, nil, ErrBadSnapshot
	}

	segments := make([]segment.Segment, 0, count)
	for i := uint32(0); i < count; i++ {
		var (
			id     int32
			start  int64
			end    int64
			cursor int64
			status uint8
		)
		for _, dst := range []any{&id, &start, &end, &cursor, &status} {
			if err := binary.Read(f, binary.LittleEndian, dst); err != nil {
				return 0, nil, fmt.Errorf("failed to read segment %d: %w", i, err)
			}
		}

		st := segment.Status(status)
		if st != segment.Complete {
			st = segment.Pending
		}

		segments = append(segments, segment.Segment{
			ID:        int(id),
			StartByte: start,
			EndByte:   end,
			Cursor:    cursor,
			WorkerID:  -1,
			Status:    st,
		})
	}

	logger.Debugf("Loaded %d segments from snapshot %s", len(segments), path)
	return fileSize, segments, nil
}

// HasSnapshot reports whether a usable snapshot exists next to the target.
func HasSnapshot(entry *database.Entry) bool {
	_, err := os.Stat(entry.SegmentPath())
	return err == nil
}

// HasPartials reports whether any on-disk artifacts remain for the entry.
func HasPartials(entry *database.Entry) bool {
	if _, err := os.Stat(entry.PartialPath()); err == nil {
		return true
	}
	if _, err := os.Stat(entry.SegmentPath()); err == nil {
		return true
	}
	return false
}

// CleanupPartials removes the partial file and snapshot.
func CleanupPartials(entry *database.Entry) {
	os.Remove(entry.PartialPath())
	os.Remove(entry.SegmentPath())
	logger.Debugf("Cleaned up partial files for %s", entry.FileName)
}
