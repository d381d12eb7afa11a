package segment

import (
	"sync"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/internal/database"
	"github.com/Zakaria95Ahmed/idm-clone/internal/logger"
)

const (
	// DefaultMinSegmentSize is the splitting floor: no segment half ever
	// gets smaller than this.
	DefaultMinSegmentSize = 64 * 1024

	MinConnections = 1
	MaxConnections = 32
)

// Manager owns the segment map of one download: an ordered list of
// non-overlapping segments partitioning [0, fileSize). Workers pull work
// through Request, which implements the dynamic split policy: keep every
// connection slot busy by splitting the largest remaining active range.
//
// All methods are safe for concurrent use. Methods are short and never
// perform I/O under the lock.
type Manager struct {
	mu sync.Mutex

	segments       []*Segment
	fileSize       int64
	maxConnections int
	minSegmentSize int64
	nextID         int
}

// NewManager initializes the map with a single pending segment covering
// the whole file. fileSize <= 0 means unknown: the segment is open-ended
// and splitting is disabled.
func NewManager(fileSize int64, maxConnections int, minSegmentSize int64) *Manager {
	if maxConnections < MinConnections {
		maxConnections = MinConnections
	}
	if maxConnections > MaxConnections {
		maxConnections = MaxConnections
	}
	if minSegmentSize <= 0 {
		minSegmentSize = DefaultMinSegmentSize
	}

	m := &Manager{
		fileSize:       fileSize,
		maxConnections: maxConnections,
		minSegmentSize: minSegmentSize,
	}

	end := fileSize - 1
	if fileSize <= 0 {
		end = UnknownEnd
		m.maxConnections = 1
		logger.Debugf("Segment map initialized with unknown file size (single connection)")
	} else {
		logger.Debugf("Segment map initialized for %d bytes, max %d connections", fileSize, maxConnections)
	}

	m.segments = append(m.segments, &Segment{
		ID:        m.nextID,
		StartByte: 0,
		EndByte:   end,
		Cursor:    0,
		WorkerID:  -1,
		Status:    Pending,
	})
	m.nextID++

	return m
}

// Load replaces the map with segments restored from a snapshot. Any
// non-Complete segment is reset to Pending with no owner.
func (m *Manager) Load(segments []Segment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.segments = m.segments[:0]
	m.nextID = 0

	for i := range segments {
		seg := segments[i]
		seg.WorkerID = -1
		seg.Speed = 0
		if seg.Status != Complete {
			seg.Status = Pending
		}
		m.segments = append(m.segments, &seg)
		if seg.ID >= m.nextID {
			m.nextID = seg.ID + 1
		}
	}

	logger.Debugf("Segment map loaded %d segments from snapshot", len(segments))
}

// Request assigns work to a worker, or returns false when no work is
// available for it right now:
//
//  1. At the connection cap: nothing.
//  2. A Pending or Error segment exists: hand out the first one, keeping
//     I/O roughly in file order.
//  3. All incomplete segments are active: split the one with the most
//     remaining bytes and hand out its tail half.
func (m *Manager) Request(workerID int) (Assignment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeCountLocked() >= m.maxConnections {
		return Assignment{}, false
	}

	for _, seg := range m.segments {
		if seg.Status == Pending || seg.Status == Error {
			seg.Status = Active
			seg.WorkerID = workerID
			seg.LastActivity = time.Now()
			return Assignment{SegmentID: seg.ID, Start: seg.Cursor, End: seg.EndByte}, true
		}
	}

	if seg := m.splitLargestLocked(workerID); seg != nil {
		return Assignment{SegmentID: seg.ID, Start: seg.Cursor, End: seg.EndByte}, true
	}

	return Assignment{}, false
}

// splitLargestLocked finds the active segment with the most remaining
// bytes and splits off its second half as a new active segment owned by
// workerID. Returns nil when no split is feasible.
func (m *Manager) splitLargestLocked(workerID int) *Segment {
	if m.fileSize <= 0 {
		// Unknown size: one open-ended segment, never split.
		return nil
	}

	var parent *Segment
	parentIdx := -1
	var bestRemaining int64

	for i, seg := range m.segments {
		if seg.Status != Active {
			continue
		}
		if remaining := seg.RemainingBytes(); remaining > bestRemaining {
			bestRemaining = remaining
			parent = seg
			parentIdx = i
		}
	}

	if parent == nil || bestRemaining < 2*m.minSegmentSize {
		return nil
	}

	// Split at the midpoint of the remaining range, aligned down to a
	// minSegmentSize boundary so writes stay coalesced, then clamped so
	// both halves keep at least minSegmentSize.
	splitPoint := parent.Cursor + bestRemaining/2
	splitPoint = (splitPoint / m.minSegmentSize) * m.minSegmentSize
	if splitPoint < parent.Cursor+m.minSegmentSize {
		splitPoint = parent.Cursor + m.minSegmentSize
	}
	if splitPoint > parent.EndByte-m.minSegmentSize+1 {
		return nil
	}

	child := &Segment{
		ID:           m.nextID,
		StartByte:    splitPoint,
		EndByte:      parent.EndByte,
		Cursor:       splitPoint,
		WorkerID:     workerID,
		Status:       Active,
		LastActivity: time.Now(),
	}
	m.nextID++

	// The parent's owner keeps writing; only its end moves.
	parent.EndByte = splitPoint - 1

	m.segments = append(m.segments, nil)
	copy(m.segments[parentIdx+2:], m.segments[parentIdx+1:])
	m.segments[parentIdx+1] = child

	logger.Debugf("Split segment %d at byte %d, new segment %d (%d-%d)",
		parent.ID, splitPoint, child.ID, child.StartByte, child.EndByte)

	return child
}

// UpdateProgress advances the segment cursor after a write and returns
// the authoritative remaining byte count. The segment's end may have
// moved since the worker got its assignment (a split shortens the active
// owner's range), so the worker must trust this value, not its own. A
// cursor that runs past the end (a server that ignored the upper range
// bound) is clamped and the segment completes. Returns 0 when the
// segment is done or unknown.
func (m *Manager) UpdateProgress(segmentID int, bytesWritten, speed int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg := m.findLocked(segmentID)
	if seg == nil {
		return 0
	}

	seg.Cursor += bytesWritten
	if speed > 0 {
		seg.Speed = speed
	}
	seg.LastActivity = time.Now()

	if seg.Cursor > seg.EndByte {
		seg.Cursor = seg.EndByte + 1
		seg.Status = Complete
		seg.WorkerID = -1
		seg.Speed = 0
		return 0
	}
	return seg.EndByte - seg.Cursor + 1
}

// MarkComplete finishes the segment and releases its owner; the worker
// loops back into Request for more work.
func (m *Manager) MarkComplete(segmentID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg := m.findLocked(segmentID)
	if seg == nil {
		return
	}

	seg.Status = Complete
	seg.Cursor = seg.EndByte + 1
	seg.WorkerID = -1
	seg.Speed = 0
}

// MarkError fails the segment and releases it for re-assignment.
func (m *Manager) MarkError(segmentID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg := m.findLocked(segmentID)
	if seg == nil {
		return
	}

	seg.Status = Error
	seg.WorkerID = -1
	seg.Speed = 0
	logger.Debugf("Segment %d errored at position %d", segmentID, seg.Cursor)
}

// Release returns a segment to Pending without failing it, used when a
// worker drops its assignment (pause, shutdown).
func (m *Manager) Release(segmentID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seg := m.findLocked(segmentID)
	if seg == nil {
		return
	}

	if seg.Status != Complete {
		seg.Status = Pending
	}
	seg.WorkerID = -1
	seg.Speed = 0
}

// IsComplete reports whether every segment is complete.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.segments) == 0 {
		return false
	}
	for _, seg := range m.segments {
		if seg.Status != Complete {
			return false
		}
	}
	return true
}

// TotalDownloaded sums the downloaded bytes across all segments.
func (m *Manager) TotalDownloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, seg := range m.segments {
		total += seg.DownloadedBytes()
	}
	return total
}

// TotalSpeed sums the per-segment speeds of active segments.
func (m *Manager) TotalSpeed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, seg := range m.segments {
		if seg.Status == Active {
			total += seg.Speed
		}
	}
	return total
}

// ActiveCount returns the number of owned active segments.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.activeCountLocked()
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, seg := range m.segments {
		if seg.Status == Active && seg.WorkerID >= 0 {
			count++
		}
	}
	return count
}

// SegmentCount returns the number of segments in the map.
func (m *Manager) SegmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.segments)
}

// FileSize returns the size the map was initialized with.
func (m *Manager) FileSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fileSize
}

// SetMaxConnections changes the connection cap at runtime.
func (m *Manager) SetMaxConnections(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n < MinConnections {
		n = MinConnections
	}
	if n > MaxConnections {
		n = MaxConnections
	}
	m.maxConnections = n
}

// Snapshot returns a copy of the segment list for persistence and
// observer notifications.
func (m *Manager) Snapshot() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]Segment, len(m.segments))
	for i, seg := range m.segments {
		result[i] = *seg
	}
	return result
}

// Infos converts the map to the database representation.
func (m *Manager) Infos() []database.SegmentInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]database.SegmentInfo, len(m.segments))
	for i, seg := range m.segments {
		result[i] = database.SegmentInfo{
			StartByte:       seg.StartByte,
			EndByte:         seg.EndByte,
			DownloadedBytes: seg.DownloadedBytes(),
			ConnectionID:    seg.WorkerID,
			Complete:        seg.Status == Complete,
		}
	}
	return result
}

func (m *Manager) findLocked(segmentID int) *Segment {
	for _, seg := range m.segments {
		if seg.ID == segmentID {
			return seg
		}
	}
	return nil
}
