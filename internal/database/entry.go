package database

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Status of a download entry. Values are stable on disk.
type Status int

const (
	StatusQueued Status = iota
	StatusConnecting
	StatusDownloading
	StatusPaused
	StatusComplete
	StatusError
	StatusWaiting
	StatusMerging
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusConnecting:
		return "Connecting"
	case StatusDownloading:
		return "Downloading"
	case StatusPaused:
		return "Paused"
	case StatusComplete:
		return "Complete"
	case StatusError:
		return "Error"
	case StatusWaiting:
		return "Waiting"
	case StatusMerging:
		return "Merging"
	default:
		return "Unknown"
	}
}

const (
	// PartialSuffix marks the file while segments are still being written.
	PartialSuffix = ".partial"
	// SegmentSuffix marks the on-disk segment snapshot next to the partial.
	SegmentSuffix = ".segstate"
)

// SegmentInfo is the durable form of one segment range, as stored in the
// database snapshot.
type SegmentInfo struct {
	StartByte       int64
	EndByte         int64
	DownloadedBytes int64
	ConnectionID    int
	Complete        bool
}

func (s SegmentInfo) TotalBytes() int64 {
	return s.EndByte - s.StartByte + 1
}

func (s SegmentInfo) RemainingBytes() int64 {
	return s.TotalBytes() - s.DownloadedBytes
}

func (s SegmentInfo) CurrentPosition() int64 {
	return s.StartByte + s.DownloadedBytes
}

// Entry is the durable record of one transfer.
type Entry struct {
	ID       uuid.UUID
	URL      string
	FinalURL string
	FileName string
	SavePath string

	FileSize        int64 // -1 = unknown
	DownloadedBytes int64
	Status          Status

	Category    string
	Description string

	DateAdded     time.Time
	DateCompleted time.Time

	// Request decoration
	Referrer  string
	Cookies   string
	UserAgent string
	Username  string
	Password  string
	PostData  string

	NumConnections int
	Segments       []SegmentInfo

	ResumeSupported bool
	ETag            string
	LastModified    string
	ContentType     string

	ErrorMessage string
	RetryCount   int
	MaxRetries   int

	QueueID string

	Checksum     string
	ChecksumType string
	// ChecksumWarning is set when the post-finalize hash did not match.
	// The download is still considered complete.
	ChecksumWarning bool

	CurrentSpeed int64 // bytes/sec
	AverageSpeed int64
	speedHistory []int64

	// Unknown key=value lines found on load, preserved verbatim on save.
	Extra []string
}

// NewEntry creates an entry with a fresh ID and defaults.
func NewEntry(url string) *Entry {
	return &Entry{
		ID:        uuid.New(),
		URL:       url,
		FileSize:  -1,
		Status:    StatusQueued,
		DateAdded: time.Now(),
	}
}

// FullPath is the final target path of the download.
func (e *Entry) FullPath() string {
	return filepath.Join(e.SavePath, e.FileName)
}

// PartialPath is the in-progress file the segments are written into.
func (e *Entry) PartialPath() string {
	return e.FullPath() + PartialSuffix
}

// SegmentPath is the segment snapshot used for crash-safe resume.
func (e *Entry) SegmentPath() string {
	return e.FullPath() + SegmentSuffix
}

// Progress returns the completion percentage, 0 when the size is unknown.
func (e *Entry) Progress() float64 {
	if e.FileSize <= 0 {
		return 0
	}
	return float64(e.DownloadedBytes) / float64(e.FileSize) * 100
}

// recordSpeed pushes a sample into the rolling window and recomputes the
// average. Keeps the last 60 samples (one minute at the 1 Hz sampler).
func (e *Entry) recordSpeed(speed int64) {
	e.CurrentSpeed = speed
	e.speedHistory = append(e.speedHistory, speed)
	if len(e.speedHistory) > 60 {
		e.speedHistory = e.speedHistory[len(e.speedHistory)-60:]
	}

	var sum int64
	for _, s := range e.speedHistory {
		sum += s
	}
	e.AverageSpeed = sum / int64(len(e.speedHistory))
}

// Clone returns a deep copy safe to hand out without holding the DB lock.
func (e *Entry) Clone() *Entry {
	clone := *e
	clone.Segments = append([]SegmentInfo(nil), e.Segments...)
	clone.speedHistory = append([]int64(nil), e.speedHistory...)
	clone.Extra = append([]string(nil), e.Extra...)
	return &clone
}
