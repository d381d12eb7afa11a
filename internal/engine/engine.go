// Package engine orchestrates downloads: it owns the catalog, the worker
// pools, the global rate limiter, and the event stream consumed by UIs.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zakaria95Ahmed/idm-clone/internal/connection"
	"github.com/Zakaria95Ahmed/idm-clone/internal/database"
	"github.com/Zakaria95Ahmed/idm-clone/internal/logger"
	"github.com/Zakaria95Ahmed/idm-clone/internal/ratelimit"
	"github.com/Zakaria95Ahmed/idm-clone/internal/request"
	"github.com/Zakaria95Ahmed/idm-clone/internal/resume"
	"github.com/Zakaria95Ahmed/idm-clone/internal/segment"
	"github.com/Zakaria95Ahmed/idm-clone/pkg/protocol"
	ftpclient "github.com/Zakaria95Ahmed/idm-clone/pkg/protocol/ftp"
	httpclient "github.com/Zakaria95Ahmed/idm-clone/pkg/protocol/http"
)

const receiveTimeout = 60 * time.Second

var (
	// ErrDownloadNotFound is returned when an ID is unknown.
	ErrDownloadNotFound = database.ErrEntryNotFound

	// ErrInvalidURL is returned for empty or unsupported URLs.
	ErrInvalidURL = errors.New("invalid URL")

	// ErrAlreadyActive is returned when starting a running download.
	ErrAlreadyActive = errors.New("download is already active")

	// ErrAlreadyComplete is returned when starting a finished download.
	ErrAlreadyComplete = errors.New("download is already complete")

	// ErrEngineClosed is returned after Shutdown.
	ErrEngineClosed = errors.New("engine is shut down")
)

// ProbeResult is what Probe returns for UI dialogs: the raw response
// plus the derived filename and category.
type ProbeResult struct {
	Info          *protocol.ResponseInfo
	SuggestedName string
	Category      string
}

// Engine is the public API of the download core. All operations return
// promptly; transfers run in background goroutines and report through
// the event stream.
type Engine struct {
	config *Config

	db          *database.DB
	pool        *connection.Pool
	limiter     *ratelimit.Limiter
	jar         *request.CookieJar
	credentials *request.CredentialStore
	proxy       *request.ProxyRules
	store       *request.Store
	events      *broadcaster

	mu      sync.RWMutex
	active  map[uuid.UUID]*activeDownload
	done    map[uuid.UUID]chan struct{}
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an engine with all its collaborators rooted in
// config.DataDir. Nothing here is a process-wide singleton; two engines
// with different data dirs can coexist in one process.
func New(config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	for _, dir := range []string{config.DataDir, config.DefaultSaveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	db, err := database.Open(filepath.Join(config.DataDir, "downloads.db"))
	if err != nil {
		return nil, err
	}

	store, err := request.OpenStore(filepath.Join(config.DataDir, "request.db"))
	if err != nil {
		db.Close()
		return nil, err
	}

	jar := request.NewCookieJar()
	credentials := request.NewCredentialStore()
	if err := store.LoadJar(jar); err != nil {
		logger.Warnf("Failed to load cookie jar: %v", err)
	}
	if err := store.LoadCredentials(credentials); err != nil {
		logger.Warnf("Failed to load credentials: %v", err)
	}

	httpClient := httpclient.NewClient(nil)
	pool := connection.NewPool(segment.MaxConnections, func(scheme string) (protocol.Client, error) {
		switch scheme {
		case "http", "https":
			return httpClient, nil
		case "ftp":
			return ftpclient.NewClient(), nil
		default:
			return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, scheme)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		config:      config,
		db:          db,
		pool:        pool,
		limiter:     ratelimit.New(config.RateLimitBps),
		jar:         jar,
		credentials: credentials,
		proxy:       request.NewProxyRules(),
		store:       store,
		events:      newBroadcaster(),
		active:      make(map[uuid.UUID]*activeDownload),
		done:        make(map[uuid.UUID]chan struct{}),
		running:     true,
		ctx:         ctx,
		cancel:      cancel,
	}

	// Downloads interrupted by a crash come back paused; their snapshots
	// carry the progress.
	for _, entry := range db.List() {
		if entry.Status == database.StatusDownloading ||
			entry.Status == database.StatusConnecting ||
			entry.Status == database.StatusMerging ||
			entry.Status == database.StatusWaiting {
			entry.Status = database.StatusPaused
			if err := db.Update(entry); err != nil {
				logger.Errorf("Failed to reset status of %s: %v", entry.ID, err)
			}
		}
	}

	e.runTask(e.speedAggregator)
	e.runTask(e.stateSnapshotter)
	e.runTask(e.databaseFlusher)

	logger.Infof("Engine initialized with data dir %s", config.DataDir)
	return e, nil
}

// runTask runs a function in a goroutine tracked by the WaitGroup.
func (e *Engine) runTask(task func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		task()
	}()
}

// CookieJar exposes the engine's cookie jar for UI integration.
func (e *Engine) CookieJar() *request.CookieJar { return e.jar }

// Credentials exposes the engine's site credential store.
func (e *Engine) Credentials() *request.CredentialStore { return e.credentials }

// ProxyRules exposes the engine's proxy configuration.
func (e *Engine) ProxyRules() *request.ProxyRules { return e.proxy }

// SetRateLimit changes the global byte-rate cap; 0 disables it.
func (e *Engine) SetRateLimit(bps int64) {
	e.limiter.SetLimit(bps)
}

// Subscribe registers an observer. Events for one download are causally
// ordered; slow observers miss events rather than stalling the engine.
func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.events.subscribe(buffer)
}

// Add creates an entry for a URL with engine defaults and returns its ID.
func (e *Engine) Add(url string) (uuid.UUID, error) {
	entry := database.NewEntry(url)
	return e.AddEntry(entry)
}

// AddEntry registers a pre-configured entry, filling defaults for any
// field the caller left empty.
func (e *Engine) AddEntry(entry *database.Entry) (uuid.UUID, error) {
	if !e.isRunning() {
		return uuid.Nil, ErrEngineClosed
	}
	if entry.URL == "" {
		return uuid.Nil, ErrInvalidURL
	}
	if !supportedURL(entry.URL) {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrInvalidURL, entry.URL)
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.SavePath == "" {
		entry.SavePath = e.config.DefaultSaveDir
	}
	if entry.FileName == "" {
		entry.FileName = FilenameFromURL(entry.URL)
	}
	if entry.Category == "" {
		entry.Category = Categorize(entry.FileName)
	}
	if entry.NumConnections <= 0 {
		entry.NumConnections = e.config.DefaultMaxConnections
	}
	if entry.MaxRetries <= 0 {
		entry.MaxRetries = e.config.DefaultRetryCount
	}
	entry.Status = database.StatusQueued

	if err := e.db.Add(entry); err != nil {
		return uuid.Nil, err
	}

	e.events.publish(Event{Type: EventAdded, ID: entry.ID})
	logger.Infof("Added download %s: %s", entry.ID, entry.URL)
	return entry.ID, nil
}

// Start begins (or resumes) a download in the background.
func (e *Engine) Start(id uuid.UUID) error {
	if !e.isRunning() {
		return ErrEngineClosed
	}

	// A download that was just paused may still be winding down; wait for
	// its orchestrator to deregister rather than failing the restart.
	if err := e.reserveSlot(id); err != nil {
		return err
	}

	entry, err := e.db.Get(id)
	if err != nil {
		e.releaseSlot(id)
		return err
	}
	if entry.Status == database.StatusComplete {
		e.releaseSlot(id)
		return ErrAlreadyComplete
	}

	wasPaused := entry.Status == database.StatusPaused

	ad := &activeDownload{
		entry:     entry,
		speed:     NewSpeedCalculator(5),
		startTime: time.Now(),
	}

	e.mu.Lock()
	e.active[id] = ad
	e.mu.Unlock()

	entry.Status = database.StatusConnecting
	entry.ErrorMessage = ""
	if err := e.db.Update(entry); err != nil {
		logger.Errorf("Failed to persist entry %s: %v", id, err)
	}

	if wasPaused {
		e.events.publish(Event{Type: EventResumed, ID: id})
	} else {
		e.events.publish(Event{Type: EventStarted, ID: id})
	}

	e.runTask(func() {
		e.run(ad)
	})

	return nil
}

// reserveSlot claims the active slot for id, waiting out a predecessor
// that is still winding down after a pause or stop.
func (e *Engine) reserveSlot(id uuid.UUID) error {
	for {
		e.mu.Lock()
		if existing, ok := e.active[id]; ok {
			if !existing.stopping() {
				e.mu.Unlock()
				return ErrAlreadyActive
			}
			doneCh := e.done[id]
			e.mu.Unlock()

			select {
			case <-doneCh:
			case <-time.After(10 * time.Second):
				return ErrAlreadyActive
			}
			continue
		}
		if _, reserved := e.done[id]; reserved {
			e.mu.Unlock()
			return ErrAlreadyActive
		}
		e.done[id] = make(chan struct{})
		e.mu.Unlock()
		return nil
	}
}

func (e *Engine) releaseSlot(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if done, ok := e.done[id]; ok {
		delete(e.done, id)
		close(done)
	}
}

// finishDownload deregisters the active download; called from run on
// every exit path.
func (e *Engine) finishDownload(ad *activeDownload) {
	if ad.file != nil {
		ad.file.Close()
		ad.file = nil
	}

	e.mu.Lock()
	id := ad.entry.ID
	delete(e.active, id)
	if done, ok := e.done[id]; ok {
		delete(e.done, id)
		close(done)
	}
	e.mu.Unlock()
}

// Pause stops an active download, keeping its progress for resume. A
// non-active entry is just marked paused.
func (e *Engine) Pause(id uuid.UUID) error {
	if !e.isRunning() {
		return ErrEngineClosed
	}

	e.mu.RLock()
	ad, isActive := e.active[id]
	e.mu.RUnlock()

	if isActive {
		ad.requestStop(true)
		return nil
	}

	entry, err := e.db.Get(id)
	if err != nil {
		return err
	}
	if entry.Status == database.StatusComplete {
		return ErrAlreadyComplete
	}

	entry.Status = database.StatusPaused
	if err := e.db.Update(entry); err != nil {
		return err
	}
	e.events.publish(Event{Type: EventPaused, ID: id})
	return nil
}

// Stop cancels an active download. Progress is kept; the entry lands in
// Paused like an explicit pause.
func (e *Engine) Stop(id uuid.UUID) error {
	e.mu.RLock()
	ad, isActive := e.active[id]
	e.mu.RUnlock()

	if !isActive {
		return nil
	}
	ad.requestStop(false)
	return nil
}

// Remove deletes an entry, stopping it first if active. With deleteFiles
// the finished file and all partial artifacts are removed too.
func (e *Engine) Remove(id uuid.UUID, deleteFiles bool) error {
	if !e.isRunning() {
		return ErrEngineClosed
	}

	e.mu.RLock()
	ad, isActive := e.active[id]
	done := e.done[id]
	e.mu.RUnlock()

	if isActive {
		ad.requestStop(false)
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			logger.Warnf("Timed out waiting for download %s to stop before removal", id)
		}
	}

	if err := e.db.Remove(id, deleteFiles); err != nil {
		return err
	}

	e.events.publish(Event{Type: EventRemoved, ID: id})
	logger.Infof("Removed download %s (deleteFiles=%v)", id, deleteFiles)
	return nil
}

// StartAll starts every entry that is not complete and not running.
func (e *Engine) StartAll() {
	for _, entry := range e.db.List() {
		if entry.Status == database.StatusComplete {
			continue
		}
		if err := e.Start(entry.ID); err != nil &&
			!errors.Is(err, ErrAlreadyActive) {
			logger.Errorf("Failed to start %s: %v", entry.ID, err)
		}
	}
}

// StopAll cancels every active download.
func (e *Engine) StopAll() {
	e.mu.RLock()
	actives := make([]*activeDownload, 0, len(e.active))
	for _, ad := range e.active {
		actives = append(actives, ad)
	}
	e.mu.RUnlock()

	for _, ad := range actives {
		ad.requestStop(false)
	}
}

// ResumeAll restarts every paused entry.
func (e *Engine) ResumeAll() {
	for _, entry := range e.db.ListByStatus(database.StatusPaused) {
		if err := e.Start(entry.ID); err != nil && !errors.Is(err, ErrAlreadyActive) {
			logger.Errorf("Failed to resume %s: %v", entry.ID, err)
		}
	}
}

// RemoveCompleted drops all complete entries from the catalog, returning
// how many were removed. Files on disk are kept.
func (e *Engine) RemoveCompleted() int {
	return e.db.RemoveCompleted(false)
}

// Probe issues a HEAD and derives the suggested filename and category,
// without creating an entry.
func (e *Engine) Probe(ctx context.Context, url string) (*ProbeResult, error) {
	if url == "" {
		return nil, ErrInvalidURL
	}

	client, err := e.pool.Acquire(url)
	if err != nil {
		return nil, err
	}
	defer e.pool.Release(url, client)

	cfg := &protocol.RequestConfig{
		URL:            url,
		UserAgent:      e.config.UserAgent,
		Cookies:        e.jar.ForURL(url),
		RangeStart:     -1,
		RangeEnd:       -1,
		ConnectTimeout: e.connectTimeout(),
		ReceiveTimeout: receiveTimeout,
	}

	info, err := client.Head(ctx, cfg)
	if err != nil {
		return nil, err
	}

	name := info.DispositionFilename()
	if name == "" {
		source := info.FinalURL
		if source == "" {
			source = url
		}
		name = FilenameFromURL(source)
	} else {
		name = SanitizeFilename(name)
	}

	return &ProbeResult{
		Info:          info,
		SuggestedName: name,
		Category:      Categorize(name),
	}, nil
}

// Get returns the entry, overlaid with live progress when it is active.
func (e *Engine) Get(id uuid.UUID) (*database.Entry, error) {
	entry, err := e.db.Get(id)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	ad, isActive := e.active[id]
	e.mu.RUnlock()

	if isActive && ad.segments != nil {
		entry.DownloadedBytes = ad.segments.TotalDownloaded()
		entry.CurrentSpeed = ad.speed.GetSpeed()
		entry.Segments = ad.segments.Infos()
	}
	return entry, nil
}

// List returns all catalog entries.
func (e *Engine) List() []*database.Entry {
	return e.db.List()
}

// ListByStatus returns entries with the given status.
func (e *Engine) ListByStatus(status database.Status) []*database.Entry {
	return e.db.ListByStatus(status)
}

// ListByCategory returns entries in the given display category.
func (e *Engine) ListByCategory(category string) []*database.Entry {
	return e.db.ListByCategory(category)
}

// ActiveCount returns the number of running downloads.
func (e *Engine) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.active)
}

// supportedURL reports whether the URL names a scheme the engine can
// transfer.
func supportedURL(urlStr string) bool {
	u, err := url.Parse(urlStr)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp":
		return true
	}
	return false
}

func (e *Engine) isRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.running
}

func (e *Engine) connectTimeout() time.Duration {
	if e.config.DefaultTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(e.config.DefaultTimeoutSeconds) * time.Second
}

// activeSnapshot copies the active map for iteration outside the lock.
func (e *Engine) activeSnapshot() []*activeDownload {
	e.mu.RLock()
	defer e.mu.RUnlock()

	actives := make([]*activeDownload, 0, len(e.active))
	for _, ad := range e.active {
		actives = append(actives, ad)
	}
	return actives
}

// speedAggregator samples per-download progress once per interval,
// updates the catalog fast path, and publishes progress, segment, and
// global speed events.
func (e *Engine) speedAggregator() {
	ticker := time.NewTicker(e.config.SpeedSampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		var totalSpeed int64
		actives := e.activeSnapshot()

		for _, ad := range actives {
			if ad.segments == nil || ad.stopping() {
				continue
			}

			downloaded := ad.segments.TotalDownloaded()
			speed := ad.speed.GetSpeed()
			totalSpeed += speed

			if err := e.db.UpdateProgress(ad.entry.ID, downloaded, speed, ad.segments.Infos()); err != nil {
				logger.Debugf("Progress update for %s failed: %v", ad.entry.ID, err)
			}

			e.events.publish(Event{
				Type:       EventProgress,
				ID:         ad.entry.ID,
				Downloaded: downloaded,
				Total:      ad.entry.FileSize,
				Speed:      speed,
			})
			e.events.publish(Event{
				Type:     EventSegments,
				ID:       ad.entry.ID,
				Segments: ad.segments.Snapshot(),
			})
		}

		e.events.publish(Event{
			Type:        EventGlobalSpeed,
			Speed:       totalSpeed,
			ActiveCount: len(actives),
		})
	}
}

// stateSnapshotter persists segment maps on a fixed cadence so a crash
// costs at most one interval of re-download.
func (e *Engine) stateSnapshotter() {
	ticker := time.NewTicker(e.config.SegmentSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}

		for _, ad := range e.activeSnapshot() {
			if ad.segments == nil || ad.stopping() {
				continue
			}
			e.saveSnapshot(ad)
		}
	}
}

func (e *Engine) saveSnapshot(ad *activeDownload) {
	err := resume.SaveState(ad.entry.SegmentPath(), ad.segments.FileSize(), ad.segments.Snapshot())
	if err != nil {
		logger.Errorf("Periodic snapshot for %s failed: %v", ad.entry.ID, err)
	}
}

// databaseFlusher rewrites the catalog snapshot periodically, truncating
// the journal.
func (e *Engine) databaseFlusher() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.db.Flush(); err != nil {
				logger.Errorf("Database flush failed: %v", err)
			}
		}
	}
}

// Shutdown stops all transfers, persists everything, and releases all
// resources. The engine cannot be used afterwards.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	doneChans := make([]chan struct{}, 0, len(e.done))
	for _, done := range e.done {
		doneChans = append(doneChans, done)
	}
	e.mu.Unlock()

	logger.Infof("Engine shutting down...")

	e.StopAll()

	deadline := time.After(30 * time.Second)
	for _, done := range doneChans {
		select {
		case <-done:
		case <-deadline:
			logger.Warnf("Shutdown timed out waiting for downloads to stop")
		}
	}

	e.cancel()
	e.wg.Wait()

	if err := e.store.SaveJar(e.jar); err != nil {
		logger.Errorf("Failed to save cookie jar: %v", err)
	}
	if err := e.store.SaveCredentials(e.credentials); err != nil {
		logger.Errorf("Failed to save credentials: %v", err)
	}
	if err := e.store.Close(); err != nil {
		logger.Errorf("Failed to close request store: %v", err)
	}

	e.pool.CloseAll()
	e.events.shutdown()

	if err := e.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	logger.Infof("Engine shutdown complete")
	return nil
}
