package segment_test

import (
	"testing"

	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
)

const minSize = 64 * 1024

// checkCoverage verifies the map partitions [0, fileSize) with no gaps
// and no overlaps.
func checkCoverage(t *testing.T, m *segment.Manager, fileSize int64) {
	t.Helper()

	segs := m.Snapshot()
	var next int64
	for i, seg := range segs {
		if seg.StartByte != next {
			t.Fatalf("segment %d starts at %d, want %d (gap or overlap)", i, seg.StartByte, next)
		}
		if seg.EndByte < seg.StartByte {
			t.Fatalf("segment %d has end %d before start %d", i, seg.EndByte, seg.StartByte)
		}
		if seg.Cursor < seg.StartByte || seg.Cursor > seg.EndByte+1 {
			t.Fatalf("segment %d cursor %d outside [%d, %d]", i, seg.Cursor, seg.StartByte, seg.EndByte+1)
		}
		next = seg.EndByte + 1
	}
	if next != fileSize {
		t.Fatalf("segments cover [0, %d), want [0, %d)", next, fileSize)
	}
}

func TestNewManagerSingleSegment(t *testing.T) {
	m := segment.NewManager(1<<20, 4, minSize)

	if got := m.SegmentCount(); got != 1 {
		t.Fatalf("expected 1 initial segment, got %d", got)
	}
	if m.IsComplete() {
		t.Fatal("fresh map must not be complete")
	}
	checkCoverage(t, m, 1<<20)
}

func TestRequestAssignsPendingFirst(t *testing.T) {
	m := segment.NewManager(1<<20, 4, minSize)

	a, ok := m.Request(0)
	if !ok {
		t.Fatal("expected an assignment")
	}
	if a.Start != 0 || a.End != 1<<20-1 {
		t.Fatalf("unexpected range %d-%d", a.Start, a.End)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount())
	}
}

func TestRequestSplitsLargestActive(t *testing.T) {
	const fileSize = 1 << 20
	m := segment.NewManager(fileSize, 4, minSize)

	first, ok := m.Request(0)
	if !ok {
		t.Fatal("expected first assignment")
	}

	second, ok := m.Request(1)
	if !ok {
		t.Fatal("expected a split to produce a second assignment")
	}

	if second.Start <= first.Start {
		t.Fatalf("split start %d should be after first segment start %d", second.Start, first.Start)
	}
	if second.End != fileSize-1 {
		t.Fatalf("split segment should own the tail, got end %d", second.End)
	}
	if second.Start%minSize != 0 {
		t.Errorf("split point %d not aligned to %d", second.Start, minSize)
	}

	checkCoverage(t, m, fileSize)

	if m.SegmentCount() != 2 {
		t.Fatalf("expected 2 segments after split, got %d", m.SegmentCount())
	}
}

func TestSplitRespectsMinimumSize(t *testing.T) {
	// 100 KiB < 2*64 KiB: never split.
	m := segment.NewManager(100*1024, 4, minSize)

	if _, ok := m.Request(0); !ok {
		t.Fatal("expected initial assignment")
	}
	if _, ok := m.Request(1); ok {
		t.Fatal("split below 2*minSegmentSize must not happen")
	}
}

func TestConnectionCapBoundsActive(t *testing.T) {
	const fileSize = 16 << 20
	m := segment.NewManager(fileSize, 3, minSize)

	for i := 0; i < 3; i++ {
		if _, ok := m.Request(i); !ok {
			t.Fatalf("expected assignment for worker %d", i)
		}
	}

	if _, ok := m.Request(3); ok {
		t.Fatal("request beyond maxConnections must return nothing")
	}
	if m.ActiveCount() != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount())
	}
	checkCoverage(t, m, fileSize)
}

func TestUpdateProgressClampsOverrun(t *testing.T) {
	m := segment.NewManager(256*1024, 2, minSize)

	a, _ := m.Request(0)
	b, ok := m.Request(1)
	if !ok {
		t.Fatal("expected split")
	}

	// Server ignored the upper bound and sent too much.
	m.UpdateProgress(a.SegmentID, (b.Start-a.Start)+999, 0)

	segs := m.Snapshot()
	for _, seg := range segs {
		if seg.ID == a.SegmentID {
			if seg.Cursor != seg.EndByte+1 {
				t.Fatalf("cursor %d not clamped to %d", seg.Cursor, seg.EndByte+1)
			}
			if seg.Status != segment.Complete {
				t.Fatalf("overrun segment should be complete, got %v", seg.Status)
			}
		}
	}
	checkCoverage(t, m, 256*1024)
}

func TestMarkErrorAllowsReassignment(t *testing.T) {
	m := segment.NewManager(1<<20, 2, minSize)

	a, _ := m.Request(0)
	m.UpdateProgress(a.SegmentID, 10_000, 0)
	m.MarkError(a.SegmentID)

	if m.ActiveCount() != 0 {
		t.Fatalf("errored segment must release its worker, active=%d", m.ActiveCount())
	}

	retry, ok := m.Request(1)
	if !ok {
		t.Fatal("errored segment must be reassignable")
	}
	if retry.SegmentID != a.SegmentID {
		t.Fatalf("expected segment %d again, got %d", a.SegmentID, retry.SegmentID)
	}
	if retry.Start != 10_000 {
		t.Fatalf("retry should resume from cursor 10000, got %d", retry.Start)
	}
}

func TestCompletionLifecycle(t *testing.T) {
	const fileSize = 256 * 1024
	m := segment.NewManager(fileSize, 1, minSize)

	a, _ := m.Request(0)
	m.UpdateProgress(a.SegmentID, fileSize, 0)

	if !m.IsComplete() {
		t.Fatal("map should be complete")
	}
	if got := m.TotalDownloaded(); got != fileSize {
		t.Fatalf("downloaded %d, want %d", got, fileSize)
	}
	if _, ok := m.Request(0); ok {
		t.Fatal("complete map must not hand out work")
	}
}

func TestUnknownSizeDisablesSplitting(t *testing.T) {
	m := segment.NewManager(-1, 8, minSize)

	a, ok := m.Request(0)
	if !ok {
		t.Fatal("expected open-ended assignment")
	}
	if a.End != segment.UnknownEnd {
		t.Fatalf("expected open end, got %d", a.End)
	}
	if _, ok := m.Request(1); ok {
		t.Fatal("unknown-size map must never split")
	}

	m.UpdateProgress(a.SegmentID, 12345, 0)
	if m.TotalDownloaded() != 12345 {
		t.Fatalf("downloaded %d, want 12345", m.TotalDownloaded())
	}

	m.MarkComplete(a.SegmentID)
	if !m.IsComplete() {
		t.Fatal("map should be complete after explicit mark")
	}
}

func TestLoadResetsOwnershipAndStatus(t *testing.T) {
	m := segment.NewManager(1<<20, 4, minSize)

	m.Load([]segment.Segment{
		{ID: 0, StartByte: 0, EndByte: 511 * 1024, Cursor: 300 * 1024, Status: segment.Pending, WorkerID: 7},
		{ID: 1, StartByte: 511*1024 + 1, EndByte: 1<<20 - 1, Cursor: 1 << 20, Status: segment.Complete},
	})

	if m.ActiveCount() != 0 {
		t.Fatalf("loaded map must have no owners, active=%d", m.ActiveCount())
	}
	if m.TotalDownloaded() != 300*1024+(1<<20-(511*1024+1)) {
		t.Fatalf("unexpected downloaded total %d", m.TotalDownloaded())
	}
	checkCoverage(t, m, 1<<20)

	// New IDs must not collide with loaded ones.
	a, ok := m.Request(0)
	if !ok {
		t.Fatal("expected assignment from loaded map")
	}
	if a.SegmentID != 0 {
		t.Fatalf("expected the pending segment 0, got %d", a.SegmentID)
	}
	if a.Start != 300*1024 {
		t.Fatalf("assignment should start at cursor, got %d", a.Start)
	}
}

func TestManySplitsKeepInvariants(t *testing.T) {
	const fileSize = 8 << 20
	m := segment.NewManager(fileSize, 8, minSize)

	for i := 0; i < 8; i++ {
		if _, ok := m.Request(i); !ok {
			break
		}
		checkCoverage(t, m, fileSize)
	}

	if m.ActiveCount() > 8 {
		t.Fatalf("active %d exceeds cap", m.ActiveCount())
	}
	if m.SegmentCount() > 8 {
		t.Fatalf("more segments (%d) than connection slots", m.SegmentCount())
	}
}
