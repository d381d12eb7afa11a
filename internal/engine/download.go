package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/internal/assembler"
	"github.com/Zakaria95Ahmed/idm-clone/internal/database"
	"github.com/Zakaria95Ahmed/idm-clone/internal/integrity"
	"github.com/Zakaria95Ahmed/idm-clone/internal/logger"
	"github.com/Zakaria95Ahmed/idm-clone/internal/resume"
	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
)

// activeDownload is the per-download runtime state owned by its
// orchestrator goroutine for the duration of one start.
type activeDownload struct {
	entry    *database.Entry
	segments *segment.Manager
	file     *os.File
	speed    *SpeedCalculator

	// cancelled stops workers; paused additionally records that the stop
	// was a user pause. Pause sets both so in-flight requests abort.
	cancelled atomic.Bool
	paused    atomic.Bool

	mu        sync.Mutex
	lastErr   error
	permanent bool

	startTime time.Time
	workers   sync.WaitGroup
}

func (ad *activeDownload) requestStop(pause bool) {
	if pause {
		ad.paused.Store(true)
	}
	ad.cancelled.Store(true)
}

func (ad *activeDownload) stopping() bool {
	return ad.cancelled.Load()
}

func (ad *activeDownload) recordError(err error, permanent bool) {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	ad.lastErr = err
	if permanent {
		ad.permanent = true
	}
}

func (ad *activeDownload) lastError() error {
	ad.mu.Lock()
	defer ad.mu.Unlock()

	return ad.lastErr
}

// run is the orchestrator for one download: probe, plan, resume or
// initialize, open the partial, dispatch workers, wait, terminate. It
// owns the partial file handle and the segment map; both are released on
// every exit path.
func (e *Engine) run(ad *activeDownload) {
	entry := ad.entry
	defer e.finishDownload(ad)

	// Probe.
	info, err := e.probeEntry(ad)
	if err != nil {
		e.failDownload(ad, err)
		return
	}

	// The validators cached from the previous session are what the
	// snapshot was taken against; keep them aside before the probe
	// result overwrites the entry.
	cached := *entry
	e.applyProbe(entry, info)

	// Plan: ranged downloads get the requested connection count, within
	// bounds; everything else is a single sequential connection.
	numConnections := 1
	if entry.ResumeSupported && entry.FileSize > 0 {
		numConnections = clampConnections(entry.NumConnections)
	}

	// Resume from snapshot when the server still serves the same bytes,
	// otherwise start over from a single pending segment.
	ad.segments = e.restoreOrInitSegments(entry, &cached, info, numConnections)

	// Open the partial file.
	file, err := assembler.OpenPartial(entry.PartialPath(), entry.FileSize)
	if err != nil {
		e.failDownload(ad, err)
		return
	}
	ad.file = file

	entry.Status = database.StatusDownloading
	entry.ErrorMessage = ""
	if err := e.db.Update(entry); err != nil {
		logger.Errorf("Failed to persist entry %s: %v", entry.ID, err)
	}

	logger.Infof("Starting %d connection(s) for %s (%d bytes)",
		numConnections, entry.FileName, entry.FileSize)

	// Dispatch workers and wait for them to drain.
	for i := 0; i < numConnections; i++ {
		ad.workers.Add(1)
		go func(workerID int) {
			defer ad.workers.Done()
			e.workerLoop(ad, workerID)
		}(i)
	}
	ad.workers.Wait()

	if ad.file != nil {
		ad.file.Close()
		ad.file = nil
	}

	e.terminate(ad)
}

func (e *Engine) probeEntry(ad *activeDownload) (*protocol.ResponseInfo, error) {
	entry := ad.entry

	client, err := e.pool.Acquire(entry.URL)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(entry.URL, client)

	cfg := e.requestConfig(entry, entry.URL)
	ctx, cancel := context.WithTimeout(e.ctx, 2*e.connectTimeout())
	defer cancel()

	return client.Head(ctx, cfg)
}

// applyProbe records the server's view of the resource on the entry.
func (e *Engine) applyProbe(entry *database.Entry, info *protocol.ResponseInfo) {
	if info.ContentLength > 0 {
		entry.FileSize = info.ContentLength
	}
	entry.ResumeSupported = info.AcceptRanges
	entry.ETag = info.ETag
	entry.LastModified = info.LastModified
	entry.ContentType = info.ContentType
	if info.FinalURL != "" {
		entry.FinalURL = info.FinalURL
	}

	if name := info.DispositionFilename(); name != "" {
		entry.FileName = SanitizeFilename(name)
	}
	if entry.FileName == "" {
		source := entry.FinalURL
		if source == "" {
			source = entry.URL
		}
		entry.FileName = FilenameFromURL(source)
	}
	if entry.Category == "" {
		entry.Category = Categorize(entry.FileName)
	}
}

// restoreOrInitSegments loads the snapshot when it is still valid for the
// resource the server just described; otherwise any stale partial state
// is discarded and a fresh single-segment map is built. cached holds the
// entry's validators as of the snapshot, before the probe refreshed them.
func (e *Engine) restoreOrInitSegments(entry, cached *database.Entry, info *protocol.ResponseInfo, numConnections int) *segment.Manager {
	if resume.HasSnapshot(entry) && resume.Matches(cached, info) {
		fileSize, segments, err := resume.LoadState(entry.SegmentPath())
		if err == nil && fileSize == entry.FileSize && len(segments) > 0 {
			mgr := segment.NewManager(entry.FileSize, numConnections, e.config.MinSegmentSize)
			mgr.Load(segments)
			entry.DownloadedBytes = mgr.TotalDownloaded()
			logger.Infof("Resuming %s from snapshot: %d/%d bytes",
				entry.FileName, entry.DownloadedBytes, entry.FileSize)
			return mgr
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warnf("Discarding unreadable snapshot for %s: %v", entry.FileName, err)
		}
	}

	resume.CleanupPartials(entry)
	entry.DownloadedBytes = 0
	return segment.NewManager(entry.FileSize, numConnections, e.config.MinSegmentSize)
}

// terminate resolves the final status once every worker has drained.
func (e *Engine) terminate(ad *activeDownload) {
	switch {
	case ad.stopping():
		e.settlePaused(ad)
	case ad.segments.IsComplete():
		e.finalizeDownload(ad)
	default:
		err := ad.lastError()
		if err == nil {
			err = errors.New("download incomplete")
		}
		e.failDownload(ad, err)
	}
}

func (e *Engine) settlePaused(ad *activeDownload) {
	entry := ad.entry

	entry.Status = database.StatusPaused
	entry.DownloadedBytes = ad.segments.TotalDownloaded()
	entry.Segments = ad.segments.Infos()

	if err := resume.SaveState(entry.SegmentPath(), ad.segments.FileSize(), ad.segments.Snapshot()); err != nil {
		logger.Errorf("Failed to save snapshot for %s: %v", entry.ID, err)
	}
	if err := e.db.Update(entry); err != nil {
		logger.Errorf("Failed to persist entry %s: %v", entry.ID, err)
	}

	e.events.publish(Event{Type: EventPaused, ID: entry.ID})
	logger.Infof("Download %s paused at %d bytes", entry.FileName, entry.DownloadedBytes)
}

func (e *Engine) finalizeDownload(ad *activeDownload) {
	entry := ad.entry

	entry.Status = database.StatusMerging
	if err := e.db.Update(entry); err != nil {
		logger.Errorf("Failed to persist entry %s: %v", entry.ID, err)
	}

	finalPath, err := assembler.Finalize(entry.PartialPath(), entry.FullPath(), assembler.AutoRename)
	if err != nil {
		e.failDownload(ad, fmt.Errorf("finalize failed: %w", err))
		return
	}

	assembler.SetTimestamp(finalPath, entry.LastModified)

	// Integrity check is advisory: a mismatch flags the entry but the
	// bytes the server sent are what the user gets.
	if entry.Checksum != "" {
		if algo, err := integrity.ParseAlgorithm(entry.ChecksumType); err == nil {
			ok, verr := integrity.Verify(finalPath, entry.Checksum, algo)
			if verr != nil {
				logger.Warnf("Checksum verification failed for %s: %v", entry.FileName, verr)
			} else if !ok {
				logger.Warnf("Checksum mismatch for %s", entry.FileName)
				entry.ChecksumWarning = true
			}
		} else {
			logger.Warnf("Unknown checksum type %q for %s", entry.ChecksumType, entry.FileName)
		}
	}

	if ad.segments.FileSize() > 0 {
		entry.DownloadedBytes = ad.segments.FileSize()
		entry.FileSize = ad.segments.FileSize()
	} else {
		entry.DownloadedBytes = ad.segments.TotalDownloaded()
		entry.FileSize = entry.DownloadedBytes
	}
	entry.Status = database.StatusComplete
	entry.DateCompleted = time.Now()
	entry.Segments = ad.segments.Infos()
	entry.CurrentSpeed = 0

	os.Remove(entry.SegmentPath())

	if err := e.db.Update(entry); err != nil {
		logger.Errorf("Failed to persist entry %s: %v", entry.ID, err)
	}

	e.events.publish(Event{Type: EventCompleted, ID: entry.ID, Downloaded: entry.DownloadedBytes, Total: entry.FileSize})
	logger.Infof("Download complete: %s (%d bytes, %v)",
		finalPath, entry.DownloadedBytes, time.Since(ad.startTime).Round(time.Millisecond))
}

func (e *Engine) failDownload(ad *activeDownload, err error) {
	entry := ad.entry

	entry.Status = database.StatusError
	entry.ErrorMessage = err.Error()
	if ad.segments != nil {
		entry.DownloadedBytes = ad.segments.TotalDownloaded()
		entry.Segments = ad.segments.Infos()

		if serr := resume.SaveState(entry.SegmentPath(), ad.segments.FileSize(), ad.segments.Snapshot()); serr != nil {
			logger.Errorf("Failed to save snapshot for %s: %v", entry.ID, serr)
		}
	}

	if derr := e.db.Update(entry); derr != nil {
		logger.Errorf("Failed to persist entry %s: %v", entry.ID, derr)
	}

	e.events.publish(Event{Type: EventError, ID: entry.ID, Error: err.Error()})
	logger.Errorf("Download %s failed: %v", entry.FileName, err)
}

func clampConnections(n int) int {
	if n < segment.MinConnections {
		return segment.MinConnections
	}
	if n > segment.MaxConnections {
		return segment.MaxConnections
	}
	return n
}
