package engine

import (
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/internal/assembler"
	"github.com/Zakaria95Ahmed/idm-clone/internal/database"
	"github.com/Zakaria95Ahmed/idm-clone/internal/logger"
	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
)

// workerLoop is one connection slot: it pulls segment assignments until
// the map has no work for it, cancellation is requested, or its retry
// budget for a single assignment is exhausted.
func (e *Engine) workerLoop(ad *activeDownload, workerID int) {
	attempts := 0

	for !ad.stopping() {
		assignment, ok := ad.segments.Request(workerID)
		if !ok {
			return
		}

		err := e.fetchSegment(ad, assignment)

		switch classify(err) {
		case failureNone:
			ad.segments.MarkComplete(assignment.SegmentID)
			attempts = 0

		case failureCancelled:
			ad.segments.Release(assignment.SegmentID)
			return

		case failureTransient:
			ad.segments.MarkError(assignment.SegmentID)
			attempts++
			ad.recordError(err, false)

			maxRetries := ad.entry.MaxRetries
			if maxRetries <= 0 {
				maxRetries = e.config.DefaultRetryCount
			}
			if attempts >= maxRetries {
				logger.Errorf("Worker %d: retries exhausted (%d) on segment %d: %v",
					workerID, attempts, assignment.SegmentID, err)
				return
			}

			delay := retryDelay(attempts, err)
			logger.Warnf("Worker %d: retry %d/%d for segment %d in %v: %v",
				workerID, attempts, maxRetries, assignment.SegmentID, delay, err)
			if !e.sleepInterruptible(ad, delay) {
				return
			}

		case failurePermanent:
			ad.segments.MarkError(assignment.SegmentID)
			ad.recordError(err, true)
			logger.Errorf("Worker %d: permanent failure on segment %d: %v",
				workerID, assignment.SegmentID, err)
			return
		}
	}
}

// sleepInterruptible waits out a retry delay in short slices so pause and
// shutdown are honored promptly. Returns false when interrupted.
func (e *Engine) sleepInterruptible(ad *activeDownload, delay time.Duration) bool {
	const slice = 100 * time.Millisecond

	deadline := time.Now().Add(delay)
	for time.Now().Before(deadline) {
		if ad.stopping() || e.ctx.Err() != nil {
			return false
		}
		time.Sleep(slice)
	}
	return !ad.stopping()
}

// fetchSegment streams one assignment into the partial file. The worker
// carries its own write cursor, so no segment-map lookup happens in the
// hot chunk path.
func (e *Engine) fetchSegment(ad *activeDownload, assignment segment.Assignment) error {
	entry := ad.entry

	targetURL := entry.FinalURL
	if targetURL == "" {
		targetURL = entry.URL
	}

	client, err := e.pool.Acquire(targetURL)
	if err != nil {
		return err
	}
	defer e.pool.Release(targetURL, client)

	cfg := e.requestConfig(entry, targetURL)
	cfg.RangeStart = assignment.Start
	cfg.RangeEnd = assignment.End
	if assignment.End == segment.UnknownEnd {
		cfg.RangeEnd = -1
		if assignment.Start == 0 {
			cfg.RangeStart = -1
		}
	}

	writePos := assignment.Start

	// remaining tracks the segment's unwritten bytes as reported by the
	// segment manager. Another worker's split can shorten this segment's
	// end mid-transfer, so the value returned by UpdateProgress is
	// authoritative; the assignment's own end is only the starting point.
	remaining := int64(-1)
	if assignment.End != segment.UnknownEnd {
		remaining = assignment.End - assignment.Start + 1
	}

	// Blocks are capped at minSegmentSize: a split always leaves the
	// owner at least that much room, so one stale block can never cross
	// into the newly created neighbor.
	maxBlock := int(e.config.MinSegmentSize)
	if maxBlock <= 0 {
		maxBlock = 64 * 1024
	}

	var (
		writeErr       error
		rangeSatisfied bool
		bytesThisTick  int64
		tickStart      = time.Now()
	)

	callback := func(data []byte) bool {
		if ad.stopping() {
			return false
		}

		for len(data) > 0 {
			want := len(data)
			if want > maxBlock {
				want = maxBlock
			}
			if remaining >= 0 && int64(want) > remaining {
				want = int(remaining)
				if want == 0 {
					rangeSatisfied = true
					return false
				}
			}

			granted := e.limiter.Request(want)
			if ad.stopping() {
				return false
			}
			if granted <= 0 {
				continue
			}

			block := data[:granted]
			if err := assembler.WriteAt(ad.file, writePos, block); err != nil {
				writeErr = err
				return false
			}

			written := int64(len(block))
			writePos += written
			data = data[len(block):]
			bytesThisTick += written
			ad.speed.AddBytes(written)

			var speed int64
			if elapsed := time.Since(tickStart); elapsed >= time.Second {
				speed = int64(float64(bytesThisTick) / elapsed.Seconds())
				bytesThisTick = 0
				tickStart = time.Now()
			}

			left := ad.segments.UpdateProgress(assignment.SegmentID, written, speed)
			if remaining >= 0 || left == 0 {
				remaining = left
			}
			if remaining == 0 {
				rangeSatisfied = true
				return false
			}
		}
		return true
	}

	_, err = client.Get(e.ctx, cfg, callback)

	if writeErr != nil {
		return &errWriteFailed{err: writeErr}
	}
	if rangeSatisfied {
		// The stream was cut off client-side once the range was covered;
		// that is success, not an abort.
		return nil
	}
	return err
}

// requestConfig builds the decorated request for an entry: the entry's
// own fields win, then the engine's cookie jar, credential store, and
// proxy rules fill the gaps.
func (e *Engine) requestConfig(entry *database.Entry, targetURL string) *protocol.RequestConfig {
	cfg := &protocol.RequestConfig{
		URL:            targetURL,
		Referrer:       entry.Referrer,
		UserAgent:      entry.UserAgent,
		Cookies:        entry.Cookies,
		PostData:       entry.PostData,
		Username:       entry.Username,
		Password:       entry.Password,
		RangeStart:     -1,
		RangeEnd:       -1,
		ConnectTimeout: e.connectTimeout(),
		ReceiveTimeout: receiveTimeout,
		BufferSize:     e.config.BufferSize,
	}

	if cfg.PostData != "" {
		cfg.Method = "POST"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = e.config.UserAgent
	}
	if cfg.Cookies == "" {
		cfg.Cookies = e.jar.ForURL(targetURL)
	}
	if cfg.Username == "" {
		if cred, ok := e.credentials.Find(targetURL); ok {
			cfg.Username = cred.Username
			cfg.Password = cred.Password
		}
	}

	if proxy := e.proxy.ForURL(targetURL); proxy.Address != "" {
		cfg.ProxyAddr = proxy.Address
		cfg.ProxyUsername = proxy.Username
		cfg.ProxyPassword = proxy.Password
	}

	return cfg
}
