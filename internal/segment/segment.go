package segment

import (
	"math"
	"time"
)

// Status of one segment. Stored in snapshots, so values are stable.
type Status uint8

const (
	Pending Status = iota
	Active
	Complete
	Error
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Complete:
		return "complete"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// UnknownEnd marks the open end of a segment when the file size is unknown.
const UnknownEnd = int64(math.MaxInt64)

// Segment is one contiguous byte range [StartByte, EndByte] of the target
// file. Cursor is the next write position; StartByte <= Cursor <= EndByte+1.
type Segment struct {
	ID        int
	StartByte int64
	EndByte   int64
	Cursor    int64
	// WorkerID owns the segment while it is Active; -1 means unassigned.
	WorkerID     int
	Status       Status
	LastActivity time.Time
	Speed        int64
}

func (s *Segment) TotalBytes() int64 {
	return s.EndByte - s.StartByte + 1
}

func (s *Segment) DownloadedBytes() int64 {
	return s.Cursor - s.StartByte
}

func (s *Segment) RemainingBytes() int64 {
	return s.EndByte - s.Cursor + 1
}

func (s *Segment) Progress() float64 {
	total := s.TotalBytes()
	if total <= 0 {
		return 0
	}
	return float64(s.DownloadedBytes()) / float64(total) * 100
}

// Assignment is what a worker receives: the byte range it should fetch.
// Start is the segment's cursor at assignment time, so an errored segment
// resumes where it stopped rather than refetching its whole range.
type Assignment struct {
	SegmentID int
	Start     int64
	End       int64
}
