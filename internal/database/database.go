package database

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zakaria95Ahmed/idm-clone/internal/logger"
)

const (
	dbHeader      = "IDMCLONE_DB_V1"
	dbFooter      = "END_DB"
	entryBegin    = "BEGIN_ENTRY"
	entryEnd      = "END_ENTRY"
	journalSuffix = ".journal"
)

var (
	// ErrEntryNotFound is returned when an ID is not in the catalog.
	ErrEntryNotFound = errors.New("entry not found")

	// ErrInvalidFormat is returned when the snapshot header is wrong.
	ErrInvalidFormat = errors.New("invalid database format")
)

// DB is the durable download catalog: an in-memory map over a text
// snapshot, with a write-ahead journal recording every mutation. The
// journal guarantees that a crash between mutations loses at most one
// in-progress update, never a committed flush.
type DB struct {
	mu sync.Mutex

	path        string
	journalPath string
	entries     map[uuid.UUID]*Entry
	journal     *os.File
	dirty       bool
}

// Open loads the catalog at path, creating it when absent. A leftover
// journal means the previous process died before a clean flush; the next
// flush rewrites the full snapshot, which bounds recovery.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db := &DB{
		path:        path,
		journalPath: path + journalSuffix,
		entries:     make(map[uuid.UUID]*Entry),
	}

	if _, err := os.Stat(db.journalPath); err == nil {
		logger.Warnf("Journal file found at %s, scheduling full snapshot rewrite", db.journalPath)
		db.dirty = true
	}

	if _, err := os.Stat(path); err == nil {
		if err := db.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("failed to load database: %w", err)
		}
		logger.Infof("Database loaded: %d entries from %s", len(db.entries), path)
	} else {
		if err := db.writeSnapshot(); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Infof("Created new database at %s", path)
	}

	journal, err := os.OpenFile(db.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.journal = journal

	return db, nil
}

// writeJournal appends one OP|id|name record. Called before the in-memory
// mutation so a crash can be detected on the next open.
func (db *DB) writeJournal(op string, id uuid.UUID, name string) {
	if db.journal == nil {
		return
	}
	if _, err := fmt.Fprintf(db.journal, "%s|%s|%s\n", op, id, name); err != nil {
		logger.Errorf("Failed to write journal record: %v", err)
	}
}

// Add inserts a new entry. A zero ID is assigned a fresh one.
func (db *DB) Add(entry *Entry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.DateAdded.IsZero() {
		entry.DateAdded = time.Now()
	}
	if _, exists := db.entries[entry.ID]; exists {
		return fmt.Errorf("entry %s already exists", entry.ID)
	}

	db.writeJournal("ADD", entry.ID, entry.FileName)
	db.entries[entry.ID] = entry.Clone()
	db.dirty = true

	logger.Debugf("Database: added entry %s (%s)", entry.ID, entry.FileName)
	return nil
}

// Update replaces a stored entry wholesale.
func (db *DB) Update(entry *Entry) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	stored, ok := db.entries[entry.ID]
	if !ok {
		return ErrEntryNotFound
	}

	db.writeJournal("UPDATE", entry.ID, entry.FileName)
	clone := entry.Clone()
	clone.speedHistory = append([]int64(nil), stored.speedHistory...)
	db.entries[entry.ID] = clone
	db.dirty = true

	return nil
}

// UpdateProgress is the fast path used once per sample interval: only the
// progress, speed, and segment fields change, and the rolling speed
// average is maintained here.
func (db *DB) UpdateProgress(id uuid.UUID, downloaded, speed int64, segments []SegmentInfo) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	entry, ok := db.entries[id]
	if !ok {
		return ErrEntryNotFound
	}

	db.writeJournal("PROGRESS", id, entry.FileName)
	entry.DownloadedBytes = downloaded
	entry.Segments = append(entry.Segments[:0], segments...)
	entry.recordSpeed(speed)
	db.dirty = true

	return nil
}

// Remove deletes the entry, optionally with its files on disk.
func (db *DB) Remove(id uuid.UUID, deleteFiles bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.removeLocked(id, deleteFiles)
}

func (db *DB) removeLocked(id uuid.UUID, deleteFiles bool) error {
	entry, ok := db.entries[id]
	if !ok {
		return ErrEntryNotFound
	}

	db.writeJournal("REMOVE", id, entry.FileName)

	if deleteFiles {
		os.Remove(entry.FullPath())
		os.Remove(entry.PartialPath())
		os.Remove(entry.SegmentPath())
	}

	delete(db.entries, id)
	db.dirty = true

	logger.Debugf("Database: removed entry %s (%s)", id, entry.FileName)
	return nil
}

// Get returns a copy of the entry.
func (db *DB) Get(id uuid.UUID) (*Entry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	entry, ok := db.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return entry.Clone(), nil
}

// List returns copies of all entries.
func (db *DB) List() []*Entry {
	db.mu.Lock()
	defer db.mu.Unlock()

	result := make([]*Entry, 0, len(db.entries))
	for _, entry := range db.entries {
		result = append(result, entry.Clone())
	}
	return result
}

// ListByStatus returns copies of the entries in the given status.
func (db *DB) ListByStatus(status Status) []*Entry {
	db.mu.Lock()
	defer db.mu.Unlock()

	var result []*Entry
	for _, entry := range db.entries {
		if entry.Status == status {
			result = append(result, entry.Clone())
		}
	}
	return result
}

// ListByCategory returns copies of the entries in the given category.
func (db *DB) ListByCategory(category string) []*Entry {
	db.mu.Lock()
	defer db.mu.Unlock()

	var result []*Entry
	for _, entry := range db.entries {
		if entry.Category == category {
			result = append(result, entry.Clone())
		}
	}
	return result
}

// CountByStatus returns the number of entries in the given status.
func (db *DB) CountByStatus(status Status) int {
	db.mu.Lock()
	defer db.mu.Unlock()

	count := 0
	for _, entry := range db.entries {
		if entry.Status == status {
			count++
		}
	}
	return count
}

// Count returns the total number of entries.
func (db *DB) Count() int {
	db.mu.Lock()
	defer db.mu.Unlock()

	return len(db.entries)
}

// RemoveCompleted deletes all Complete entries and returns how many.
func (db *DB) RemoveCompleted(deleteFiles bool) int {
	db.mu.Lock()
	defer db.mu.Unlock()

	var toRemove []uuid.UUID
	for id, entry := range db.entries {
		if entry.Status == StatusComplete {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		if err := db.removeLocked(id, deleteFiles); err != nil {
			logger.Errorf("Failed to remove completed entry %s: %v", id, err)
		}
	}
	return len(toRemove)
}

// Flush rewrites the snapshot atomically and truncates the journal. A
// crash before the rename leaves the previous snapshot plus the journal;
// a crash after it loses nothing.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if !db.dirty {
		return nil
	}

	if err := db.writeSnapshot(); err != nil {
		return err
	}
	db.dirty = false

	if db.journal != nil {
		if err := db.journal.Truncate(0); err != nil {
			logger.Errorf("Failed to truncate journal: %v", err)
		}
		if _, err := db.journal.Seek(0, 0); err != nil {
			logger.Errorf("Failed to rewind journal: %v", err)
		}
	}
	return nil
}

// Close flushes and releases the journal handle.
func (db *DB) Close() error {
	if err := db.Flush(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.journal != nil {
		err := db.journal.Close()
		db.journal = nil
		os.Remove(db.journalPath)
		return err
	}
	return nil
}

// writeSnapshot serializes all entries to a temp file then renames it over
// the snapshot. Caller holds the lock.
func (db *DB) writeSnapshot() error {
	tmpPath := db.path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s\n", dbHeader)
	fmt.Fprintf(w, "ENTRY_COUNT=%d\n", len(db.entries))
	fmt.Fprintf(w, "---\n")

	for _, entry := range db.entries {
		writeEntry(w, entry)
	}

	fmt.Fprintf(w, "%s\n", dbFooter)

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
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

	if err := os.Rename(tmpPath, db.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func writeEntry(w *bufio.Writer, entry *Entry) {
	fmt.Fprintf(w, "%s\n", entryBegin)
	fmt.Fprintf(w, "id=%s\n", entry.ID)
	fmt.Fprintf(w, "url=%s\n", entry.URL)
	fmt.Fprintf(w, "finalUrl=%s\n", entry.FinalURL)
	fmt.Fprintf(w, "fileName=%s\n", entry.FileName)
	fmt.Fprintf(w, "savePath=%s\n", entry.SavePath)
	fmt.Fprintf(w, "fileSize=%d\n", entry.FileSize)
	fmt.Fprintf(w, "downloadedBytes=%d\n", entry.DownloadedBytes)
	fmt.Fprintf(w, "status=%d\n", entry.Status)
	fmt.Fprintf(w, "category=%s\n", entry.Category)
	fmt.Fprintf(w, "description=%s\n", entry.Description)
	fmt.Fprintf(w, "referrer=%s\n", entry.Referrer)
	fmt.Fprintf(w, "userAgent=%s\n", entry.UserAgent)
	fmt.Fprintf(w, "numConnections=%d\n", entry.NumConnections)
	fmt.Fprintf(w, "resumeSupported=%s\n", boolField(entry.ResumeSupported))
	fmt.Fprintf(w, "etag=%s\n", entry.ETag)
	fmt.Fprintf(w, "lastModified=%s\n", entry.LastModified)
	fmt.Fprintf(w, "errorMessage=%s\n", entry.ErrorMessage)
	fmt.Fprintf(w, "retryCount=%d\n", entry.RetryCount)
	fmt.Fprintf(w, "queueId=%s\n", entry.QueueID)
	fmt.Fprintf(w, "checksum=%s\n", entry.Checksum)
	fmt.Fprintf(w, "checksumType=%s\n", entry.ChecksumType)
	fmt.Fprintf(w, "contentType=%s\n", entry.ContentType)
	fmt.Fprintf(w, "maxRetries=%d\n", entry.MaxRetries)
	fmt.Fprintf(w, "checksumWarning=%s\n", boolField(entry.ChecksumWarning))
	fmt.Fprintf(w, "dateAdded=%d\n", entry.DateAdded.Unix())
	if !entry.DateCompleted.IsZero() {
		fmt.Fprintf(w, "dateCompleted=%d\n", entry.DateCompleted.Unix())
	}

	fmt.Fprintf(w, "segmentCount=%d\n", len(entry.Segments))
	for _, seg := range entry.Segments {
		fmt.Fprintf(w, "seg=%d,%d,%d,%d,%s\n",
			seg.StartByte, seg.EndByte, seg.DownloadedBytes,
			seg.ConnectionID, boolField(seg.Complete))
	}

	for _, line := range entry.Extra {
		fmt.Fprintf(w, "%s\n", line)
	}

	fmt.Fprintf(w, "%s\n", entryEnd)
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// loadSnapshot parses the snapshot file. Unknown keys are kept verbatim in
// Entry.Extra so a newer snapshot survives a round trip through this
// version. Caller holds the lock (or is still constructing the DB).
func (db *DB) loadSnapshot() error {
	f, err := os.Open(db.path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() || scanner.Text() != dbHeader {
		return ErrInvalidFormat
	}

	// Skip header lines until the entry separator.
	for scanner.Scan() {
		if scanner.Text() == "---" {
			break
		}
	}

	var current *Entry
	for scanner.Scan() {
		line := scanner.Text()
		if line == dbFooter {
			break
		}

		switch line {
		case entryBegin:
			current = &Entry{FileSize: -1}
			continue
		case entryEnd:
			if current != nil && current.ID != uuid.Nil {
				db.entries[current.ID] = current
			}
			current = nil
			continue
		}

		if current == nil {
			continue
		}

		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key, value := line[:eq], line[eq+1:]
		if err := applyField(current, key, value); err != nil {
			logger.Warnf("Database: skipping malformed field %q: %v", line, err)
		}
	}

	return scanner.Err()
}

func applyField(entry *Entry, key, value string) error {
	switch key {
	case "id":
		id, err := uuid.Parse(value)
		if err != nil {
			return err
		}
		entry.ID = id
	case "url":
		entry.URL = value
	case "finalUrl":
		entry.FinalURL = value
	case "fileName":
		entry.FileName = value
	case "savePath":
		entry.SavePath = value
	case "fileSize":
		return parseInt64(&entry.FileSize, value)
	case "downloadedBytes":
		return parseInt64(&entry.DownloadedBytes, value)
	case "status":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		entry.Status = Status(n)
	case "category":
		entry.Category = value
	case "description":
		entry.Description = value
	case "referrer":
		entry.Referrer = value
	case "userAgent":
		entry.UserAgent = value
	case "numConnections":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		entry.NumConnections = n
	case "resumeSupported":
		entry.ResumeSupported = value == "1"
	case "etag":
		entry.ETag = value
	case "lastModified":
		entry.LastModified = value
	case "errorMessage":
		entry.ErrorMessage = value
	case "retryCount":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		entry.RetryCount = n
	case "queueId":
		entry.QueueID = value
	case "checksum":
		entry.Checksum = value
	case "checksumType":
		entry.ChecksumType = value
	case "contentType":
		entry.ContentType = value
	case "maxRetries":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		entry.MaxRetries = n
	case "checksumWarning":
		entry.ChecksumWarning = value == "1"
	case "dateAdded":
		return parseUnixTime(&entry.DateAdded, value)
	case "dateCompleted":
		return parseUnixTime(&entry.DateCompleted, value)
	case "segmentCount":
		// Redundant with the seg lines; kept for readability.
	case "seg":
		seg, err := parseSegment(value)
		if err != nil {
			return err
		}
		entry.Segments = append(entry.Segments, seg)
	default:
		entry.Extra = append(entry.Extra, key+"="+value)
	}
	return nil
}

func parseSegment(value string) (SegmentInfo, error) {
	parts := strings.Split(value, ",")
	if len(parts) < 4 {
		return SegmentInfo{}, fmt.Errorf("segment record has %d fields", len(parts))
	}

	var seg SegmentInfo
	if err := parseInt64(&seg.StartByte, parts[0]); err != nil {
		return SegmentInfo{}, err
	}
	if err := parseInt64(&seg.EndByte, parts[1]); err != nil {
		return SegmentInfo{}, err
	}
	if err := parseInt64(&seg.DownloadedBytes, parts[2]); err != nil {
		return SegmentInfo{}, err
	}
	connID, err := strconv.Atoi(parts[3])
	if err != nil {
		return SegmentInfo{}, err
	}
	seg.ConnectionID = connID
	if len(parts) >= 5 {
		seg.Complete = parts[4] == "1"
	}
	return seg, nil
}

func parseInt64(dst *int64, value string) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func parseUnixTime(dst *time.Time, value string) error {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return err
	}
	*dst = time.Unix(n, 0)
	return nil
}
