// Package fetch turns document references into stored files. Every outcome is appended to
// the ledger, and identical content is stored only once.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/go-scripts/consultcrawl/internal/ledger"
	"github.com/go-scripts/consultcrawl/internal/writer"
	"github.com/go-scripts/consultcrawl/pkg/common"
)

// ErrStorage wraps failures of the output directory. They end the run.
var ErrStorage = errors.New("storage failure")

// Manager fetches documents. It is safe for concurrent use.
type Manager struct {
	transport *Transport
	ledger    *ledger.Ledger
	files     *writer.FileWriter
	runID     string
	logger    *log.Logger
	now       func() time.Time
}

// NewManager creates a fetch manager writing into files and recording into l.
func NewManager(transport *Transport, l *ledger.Ledger, files *writer.FileWriter, runID string, logger *log.Logger) *Manager {
	return &Manager{
		transport: transport,
		ledger:    l,
		files:     files,
		runID:     runID,
		logger:    logger.With("component", "fetch"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// download is the state of one successful transfer.
type download struct {
	tmp         *os.File
	fingerprint string
	size        int64
	contentType string
}

// Fetch materialises ref and returns the record appended for it. Document level problems
// are reported through a failed record and a nil error. A non-nil error means the run
// cannot continue: the context was cancelled or the output directory or ledger failed.
func (m *Manager) Fetch(ctx context.Context, ref common.DocumentReference) (common.FetchRecord, error) {
	if prior, ok := m.previous(ref.URL); ok {
		m.logger.Debug("previously fetched", "url", ref.URL, "status", prior.Status, "path", prior.StoredPath)
		prior.Resumed = true
		return prior, nil
	}

	var dl download
	attempts, err := m.transport.Stream(ctx, ref.URL, func(body io.Reader, res Response) error {
		m.files.Discard(dl.tmp)
		dl = download{}

		tmp, err := m.files.TempFile(writer.DocumentsDir)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStorage, err)
		}
		dl.tmp = tmp

		hash := sha256.New()
		n, err := io.Copy(io.MultiWriter(tmp, hash), body)
		if err != nil {
			return readError(err)
		}
		if n == 0 {
			return ErrEmptyBody
		}
		dl.fingerprint = hex.EncodeToString(hash.Sum(nil))
		dl.size = n
		dl.contentType = res.ContentType
		return nil
	})
	if err != nil {
		m.files.Discard(dl.tmp)
		if ctx.Err() != nil {
			return common.FetchRecord{}, ctx.Err()
		}
		if errors.Is(err, ErrStorage) {
			return common.FetchRecord{}, err
		}
		return m.fail(ref, attempts, err)
	}

	rec, err := m.ledger.Commit(dl.fingerprint, func(existing *common.FetchRecord) (common.FetchRecord, error) {
		rec := common.FetchRecord{
			RunID:       m.runID,
			Reference:   ref,
			Fingerprint: dl.fingerprint,
			Size:        dl.size,
			ContentType: dl.contentType,
			FetchedAt:   m.now(),
			Attempts:    attempts,
		}

		if existing == nil {
			rec.Status = common.StatusOK
			rec.StoredPath = StoredName(ref, dl.contentType)
			if err := m.files.Commit(dl.tmp, rec.StoredPath); err != nil {
				return rec, fmt.Errorf("%w: %w", ErrStorage, err)
			}
			return rec, nil
		}

		rec.Status = common.StatusDuplicate
		rec.StoredPath = existing.StoredPath
		rec.DuplicateOf = existing.Reference.URL
		if m.intact(*existing) {
			m.files.Discard(dl.tmp)
			return rec, nil
		}
		// the original file went missing since it was recorded, these bytes replace it
		m.logger.Warn("restoring stored file", "path", existing.StoredPath, "from", ref.URL)
		if err := m.files.Commit(dl.tmp, existing.StoredPath); err != nil {
			return rec, fmt.Errorf("%w: %w", ErrStorage, err)
		}
		return rec, nil
	})
	if err != nil {
		m.files.Discard(dl.tmp)
		return common.FetchRecord{}, fmt.Errorf("record %s: %w", ref.URL, err)
	}

	switch rec.Status {
	case common.StatusOK:
		m.logger.Info("stored", "url", ref.URL, "path", rec.StoredPath, "bytes", rec.Size)
	case common.StatusDuplicate:
		m.logger.Info("duplicate", "url", ref.URL, "of", rec.DuplicateOf)
	}
	return rec, nil
}

func (m *Manager) fail(ref common.DocumentReference, attempts []common.Attempt, cause error) (common.FetchRecord, error) {
	rec := common.FetchRecord{
		RunID:     m.runID,
		Reference: ref,
		Status:    common.StatusFailed,
		FetchedAt: m.now(),
		Error:     cause.Error(),
		Attempts:  attempts,
	}
	m.logger.Warn("fetch failed", "url", ref.URL, "attempts", len(attempts), "err", cause)
	if err := m.ledger.Append(rec); err != nil {
		return rec, fmt.Errorf("record %s: %w", ref.URL, err)
	}
	return rec, nil
}

// previous returns the settled record of an earlier fetch of u when its content is still
// on disk. A duplicate settles only while the ok record owning its fingerprint is intact.
func (m *Manager) previous(u string) (common.FetchRecord, bool) {
	prior, ok := m.ledger.SettledByURL(u)
	if !ok {
		return common.FetchRecord{}, false
	}
	owner := prior
	if prior.Status == common.StatusDuplicate {
		if owner, ok = m.ledger.OKByFingerprint(prior.Fingerprint); !ok {
			return common.FetchRecord{}, false
		}
	}
	if !m.intact(owner) {
		return common.FetchRecord{}, false
	}
	return prior, true
}

// intact reports whether the stored file of an ok record is still in place.
func (m *Manager) intact(rec common.FetchRecord) bool {
	if rec.StoredPath == "" {
		return false
	}
	info, err := os.Stat(m.files.Path(rec.StoredPath))
	return err == nil && info.Mode().IsRegular() && info.Size() == rec.Size
}
