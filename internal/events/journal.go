package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/devswarm/internal/model"
)

const (
	// DefaultMaxJournalSize is the size at which the journal rotates (10MB).
	DefaultMaxJournalSize = 10 * 1024 * 1024
	// JournalExtension is the extension every journal file carries.
	JournalExtension = ".jsonl"
	// ArchiveDir holds rotated journals, next to the live file.
	ArchiveDir = "archive"
)

// JournalEntry is one line of the activity journal.
type JournalEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Kind      model.LogType `json:"kind"`
	Message   string        `json:"message"`
	Checksum  string        `json:"checksum,omitempty"`
}

// Journal is an append-only JSONL sink with size based rotation.
// It implements Sink; write failures are reported through OnError.
type Journal struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	checksums       bool
	rotationCounter int
	now             func() time.Time

	// OnError, when set, receives write failures from Append.
	OnError func(error)
}

// OpenJournal opens (or creates) the journal at path.
func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	j := &Journal{
		path:    path,
		maxSize: maxSize,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = file
	j.currentSize = stat.Size()
	return nil
}

// Append implements Sink.
func (j *Journal) Append(message string, kind model.LogType) {
	entry := JournalEntry{Timestamp: j.now(), Kind: kind, Message: message}
	if err := j.Write(&entry); err != nil && j.OnError != nil {
		j.OnError(err)
	}
}

// Write appends a single entry, rotating first when it would exceed the size limit.
func (j *Journal) Write(entry *JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if j.checksums {
		entry.Checksum = checksum(*entry)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize > 0 && j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	j.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(j.path), JournalExtension)
	name := fmt.Sprintf("%s.%s.%d%s", base, j.now().Format("20060102_150405"), j.rotationCounter, JournalExtension)
	if err := os.Rename(j.path, filepath.Join(archiveDir, name)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.open()
}

// EnableChecksum toggles per-entry checksums.
func (j *Journal) EnableChecksum(enable bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.checksums = enable
}

// Size returns the current size of the live journal file.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}

// Path returns the live journal path.
func (j *Journal) Path() string { return j.path }

// Close syncs and closes the journal. Later appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	f := j.file
	j.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadJournal returns the most recent limit entries of the journal at path,
// oldest first. Malformed lines are skipped. A limit <= 0 returns everything.
func ReadJournal(path string, limit int) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// VerifyJournal counts total entries and those whose checksum matches.
// Entries without a checksum count as valid.
func VerifyJournal(path string) (total, valid int, err error) {
	entries, err := ReadJournal(path, 0)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range entries {
		total++
		if e.Checksum == "" || e.Checksum == checksum(e) {
			valid++
		}
	}
	return total, valid, nil
}

func checksum(e JournalEntry) string {
	e.Checksum = ""
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", djb2(data))
}

func djb2(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}
