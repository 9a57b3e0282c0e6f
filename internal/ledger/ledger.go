// Package ledger is the append-only log of fetch records. Each line is one JSON encoded
// common.FetchRecord. The in-memory index is rebuilt from the log on Open, which is what
// makes a later run resume where an earlier one stopped.
package ledger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-scripts/consultcrawl/pkg/common"
)

// Ledger is safe for concurrent use. The log file is only created on the first Append.
type Ledger struct {
	path string

	mu            sync.Mutex
	file          *os.File
	records       []common.FetchRecord
	byFingerprint map[string]int
	byURL         map[string]int
	skipped       int
}

// Open loads an existing ledger at path, if any.
func Open(path string) (*Ledger, error) {
	l := &Ledger{
		path:          path,
		byFingerprint: make(map[string]int),
		byURL:         make(map[string]int),
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	if err := l.load(f); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load(r io.Reader) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		complete := err == nil
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read ledger: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var rec common.FetchRecord
			// an unterminated or undecodable line is the tail of an interrupted append
			if !complete || json.Unmarshal(line, &rec) != nil {
				l.skipped++
			} else {
				l.index(rec)
			}
		}
		if !complete {
			return nil
		}
	}
}

func (l *Ledger) index(rec common.FetchRecord) {
	l.records = append(l.records, rec)
	i := len(l.records) - 1
	switch rec.Status {
	case common.StatusOK:
		if _, ok := l.byFingerprint[rec.Fingerprint]; !ok {
			l.byFingerprint[rec.Fingerprint] = i
		}
		l.byURL[rec.Reference.URL] = i
	case common.StatusDuplicate:
		l.byURL[rec.Reference.URL] = i
	}
}

// Path returns the log file location.
func (l *Ledger) Path() string {
	return l.path
}

// Skipped is the number of unreadable lines ignored while loading.
func (l *Ledger) Skipped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.skipped
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a copy of every record in log order.
func (l *Ledger) Records() []common.FetchRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]common.FetchRecord, len(l.records))
	copy(out, l.records)
	return out
}

// OKByFingerprint returns the first ok record with the given fingerprint.
func (l *Ledger) OKByFingerprint(fp string) (common.FetchRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.okByFingerprintLocked(fp)
}

func (l *Ledger) okByFingerprintLocked(fp string) (common.FetchRecord, bool) {
	i, ok := l.byFingerprint[fp]
	if !ok {
		return common.FetchRecord{}, false
	}
	return l.records[i], true
}

// SettledByURL returns the latest ok or duplicate record for a document URL. Failed
// records never settle a URL.
func (l *Ledger) SettledByURL(u string) (common.FetchRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.byURL[u]
	if !ok {
		return common.FetchRecord{}, false
	}
	return l.records[i], true
}

// Append durably writes one record. The line is written with a single write call and
// synced before the index is updated.
func (l *Ledger) Append(rec common.FetchRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(rec)
}

func (l *Ledger) appendLocked(rec common.FetchRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode ledger record: %w", err)
	}
	line = append(line, '\n')

	if l.file == nil {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("create ledger: %w", err)
		}
		if err := terminateTail(f); err != nil {
			_ = f.Close()
			return err
		}
		l.file = f
	}
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger: %w", err)
	}
	l.index(rec)
	return nil
}

// Commit runs decide under the ledger lock and appends the record it returns. decide sees
// the ok record already holding the fingerprint, if any, so the duplicate check and the
// append happen as one step even with several fetch workers.
func (l *Ledger) Commit(fp string, decide func(existing *common.FetchRecord) (common.FetchRecord, error)) (common.FetchRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var existing *common.FetchRecord
	if rec, ok := l.okByFingerprintLocked(fp); ok {
		existing = &rec
	}
	rec, err := decide(existing)
	if err != nil {
		return common.FetchRecord{}, err
	}
	if err := l.appendLocked(rec); err != nil {
		return common.FetchRecord{}, err
	}
	return rec, nil
}

// Close releases the log file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// terminateTail makes sure a torn last line from an interrupted run does not swallow the
// next record.
func terminateTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat ledger: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	r, err := os.Open(f.Name())
	if err != nil {
		return fmt.Errorf("inspect ledger: %w", err)
	}
	defer r.Close()
	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil {
		return fmt.Errorf("inspect ledger: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := f.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("repair ledger tail: %w", err)
	}
	return nil
}
