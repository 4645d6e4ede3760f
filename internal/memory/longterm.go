package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conductd/internal/logging"
)

// Log operations. Anything else in the file is treated as corruption.
const (
	opWrite  = "write"
	opAccess = "access"
)

// logEntry is one line of the append-only log. Write entries carry a
// full record; access entries bump a record's access count durably.
type logEntry struct {
	Op     string  `json:"op"`
	Record *Record `json:"record,omitempty"`
	ID     string  `json:"id,omitempty"`
}

// longTerm is the persistent tier: a single append-only JSONL file,
// fsynced on every append, replayed into memory on open. Recovery keeps
// the longest valid prefix; a torn tail from a crash is discarded so the
// last durably recorded entry stays authoritative.
type longTerm struct {
	mu   sync.Mutex
	f    *os.File
	path string
	log  *logging.Logger

	records []Record
	byID    map[string]int
	byKey   map[string][]int
}

func openLongTerm(path string, log *logging.Logger) (*longTerm, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}

	l := &longTerm{
		path:  path,
		log:   log,
		byID:  make(map[string]int),
		byKey: make(map[string][]int),
	}
	if err := l.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening memory log: %w", err)
	}
	l.f = f
	return l, nil
}

// replay loads the longest valid prefix of the log and truncates
// anything after it.
func (l *longTerm) replay() error {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading memory log: %w", err)
	}

	var good int64
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		if i == len(lines)-1 {
			// Split leaves one element after the final newline: empty for
			// a clean file, a torn append otherwise. Neither is counted.
			break
		}
		if len(line) == 0 {
			good++
			continue
		}

		var entry logEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			l.log.Warn(context.Background(), "memory log entry unreadable, discarding tail",
				zap.String("path", l.path),
				zap.Int("line", i+1),
				zap.Error(err),
			)
			break
		}
		if !l.apply(entry) {
			l.log.Warn(context.Background(), "memory log entry invalid, discarding tail",
				zap.String("path", l.path),
				zap.Int("line", i+1),
				zap.String("op", entry.Op),
			)
			break
		}
		good += int64(len(line)) + 1
	}

	if good < int64(len(data)) {
		l.log.Warn(context.Background(), "truncating memory log to last valid entry",
			zap.String("path", l.path),
			zap.Int64("kept_bytes", good),
			zap.Int64("dropped_bytes", int64(len(data))-good),
		)
		if err := os.Truncate(l.path, good); err != nil {
			return fmt.Errorf("truncating memory log: %w", err)
		}
	}

	l.log.Debug(context.Background(), "memory log replayed",
		zap.String("path", l.path),
		zap.Int("records", len(l.records)),
	)
	return nil
}

// apply folds one entry into the in-memory state. Returns false for
// entries that cannot be applied.
func (l *longTerm) apply(entry logEntry) bool {
	switch entry.Op {
	case opWrite:
		if entry.Record == nil || entry.Record.ID == "" || entry.Record.Key == "" {
			return false
		}
		idx := len(l.records)
		l.records = append(l.records, *entry.Record)
		l.byID[entry.Record.ID] = idx
		l.byKey[entry.Record.Key] = append(l.byKey[entry.Record.Key], idx)
		return true
	case opAccess:
		idx, ok := l.byID[entry.ID]
		if !ok {
			return false
		}
		l.records[idx].AccessCount++
		return true
	default:
		return false
	}
}

// appendEntry writes one line and fsyncs before returning.
func (l *longTerm) appendEntry(entry logEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding memory log entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("appending memory log entry: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("syncing memory log: %w", err)
	}
	return nil
}

// append durably records a write.
func (l *longTerm) append(rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return ErrClosed
	}
	if err := l.appendEntry(logEntry{Op: opWrite, Record: &rec}); err != nil {
		return err
	}
	l.apply(logEntry{Op: opWrite, Record: &rec})
	return nil
}

// touch increments a record's access count, durably, and returns the
// updated record.
func (l *longTerm) touch(id string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return Record{}, ErrClosed
	}
	idx, ok := l.byID[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: id %s", ErrNotFound, id)
	}
	if err := l.appendEntry(logEntry{Op: opAccess, ID: id}); err != nil {
		return Record{}, err
	}
	l.records[idx].AccessCount++
	return l.records[idx], nil
}

// latest returns the most recent record written under key.
func (l *longTerm) latest(key string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idxs := l.byKey[key]
	if len(idxs) == 0 {
		return Record{}, false
	}
	return l.records[idxs[len(idxs)-1]], true
}

// get returns a record by ID.
func (l *longTerm) get(id string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx, ok := l.byID[id]
	if !ok {
		return Record{}, false
	}
	return l.records[idx], true
}

// all returns copies of every record in append order.
func (l *longTerm) all() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

func (l *longTerm) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *longTerm) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
