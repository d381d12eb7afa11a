package resume_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Zakaria95Ahmed/idm-clone/internal/database"
	"github.com/Zakaria95Ahmed/idm-clone/internal/resume"
	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.segstate")

	in := []segment.Segment{
		{ID: 0, StartByte: 0, EndByte: 499_999, Cursor: 250_000, Status: segment.Active, WorkerID: 3},
		{ID: 1, StartByte: 500_000, EndByte: 999_999, Cursor: 1_000_000, Status: segment.Complete},
		{ID: 2, StartByte: 1_000_000, EndByte: 1_499_999, Cursor: 1_000_000, Status: segment.Error},
	}

	if err := resume.SaveState(path, 1_500_000, in); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	fileSize, out, err := resume.LoadState(path)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if fileSize != 1_500_000 {
		t.Fatalf("fileSize = %d, want 1500000", fileSize)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d segments, want %d", len(out), len(in))
	}

	for i, seg := range out {
		if seg.ID != in[i].ID || seg.StartByte != in[i].StartByte ||
			seg.EndByte != in[i].EndByte || seg.Cursor != in[i].Cursor {
			t.Errorf("segment %d fields differ: %+v vs %+v", i, seg, in[i])
		}
		if seg.WorkerID != -1 {
			t.Errorf("segment %d should load unowned", i)
		}
	}

	// Active and Error collapse to Pending; Complete survives.
	if out[0].Status != segment.Pending {
		t.Errorf("active segment should load pending, got %v", out[0].Status)
	}
	if out[1].Status != segment.Complete {
		t.Errorf("complete segment should stay complete, got %v", out[1].Status)
	}
	if out[2].Status != segment.Pending {
		t.Errorf("error segment should load pending, got %v", out[2].Status)
	}
}

func TestLoadStateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.segstate")
	if err := os.WriteFile(path, []byte("not a snapshot at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := resume.LoadState(path); err == nil {
		t.Fatal("expected an error for a corrupt snapshot")
	}
}

func TestSaveStateLeavesOldSnapshotOnExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.segstate")

	first := []segment.Segment{{ID: 0, StartByte: 0, EndByte: 99, Cursor: 50, Status: segment.Active}}
	if err := resume.SaveState(path, 100, first); err != nil {
		t.Fatal(err)
	}

	second := []segment.Segment{{ID: 0, StartByte: 0, EndByte: 99, Cursor: 100, Status: segment.Complete}}
	if err := resume.SaveState(path, 100, second); err != nil {
		t.Fatal(err)
	}

	_, out, err := resume.LoadState(path)
	if err != nil {
		t.Fatal(err)
	}
	if out[0].Cursor != 100 || out[0].Status != segment.Complete {
		t.Fatalf("expected the rewritten snapshot, got %+v", out[0])
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name  string
		entry database.Entry
		info  protocol.ResponseInfo
		want  bool
	}{
		{
			name:  "etag match",
			entry: database.Entry{ETag: `"abc"`, FileSize: 100},
			info:  protocol.ResponseInfo{AcceptRanges: true, ETag: `"abc"`, ContentLength: 100},
			want:  true,
		},
		{
			name:  "etag mismatch",
			entry: database.Entry{ETag: `"abc"`},
			info:  protocol.ResponseInfo{AcceptRanges: true, ETag: `"def"`},
			want:  false,
		},
		{
			name:  "etag wins over last-modified",
			entry: database.Entry{ETag: `"abc"`, LastModified: "old"},
			info:  protocol.ResponseInfo{AcceptRanges: true, ETag: `"abc"`, LastModified: "new"},
			want:  true,
		},
		{
			name:  "last-modified fallback match",
			entry: database.Entry{LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"},
			info:  protocol.ResponseInfo{AcceptRanges: true, LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"},
			want:  true,
		},
		{
			name:  "last-modified mismatch",
			entry: database.Entry{LastModified: "Mon, 02 Jan 2006 15:04:05 GMT"},
			info:  protocol.ResponseInfo{AcceptRanges: true, LastModified: "Tue, 03 Jan 2006 15:04:05 GMT"},
			want:  false,
		},
		{
			name:  "size change rejected",
			entry: database.Entry{ETag: `"abc"`, FileSize: 100},
			info:  protocol.ResponseInfo{AcceptRanges: true, ETag: `"abc"`, ContentLength: 200},
			want:  false,
		},
		{
			name:  "no ranges rejected",
			entry: database.Entry{ETag: `"abc"`},
			info:  protocol.ResponseInfo{AcceptRanges: false, ETag: `"abc"`},
			want:  false,
		},
		{
			name:  "no validators at all accepted",
			entry: database.Entry{},
			info:  protocol.ResponseInfo{AcceptRanges: true},
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resume.Matches(&tt.entry, &tt.info); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCleanupPartials(t *testing.T) {
	dir := t.TempDir()
	entry := &database.Entry{FileName: "file.bin", SavePath: dir}

	for _, path := range []string{entry.PartialPath(), entry.SegmentPath()} {
		if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if !resume.HasPartials(entry) {
		t.Fatal("expected partials to exist")
	}

	resume.CleanupPartials(entry)

	if resume.HasPartials(entry) {
		t.Fatal("expected partials to be removed")
	}
}
