// Package extract derives plain text from stored documents.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/go-scripts/consultcrawl/internal/writer"
	"github.com/go-scripts/consultcrawl/pkg/common"
)

// ErrNotOK is returned for fetch records that did not store a document.
var ErrNotOK = errors.New("fetch record is not ok")

const (
	FormatPDF  = "pdf"
	FormatText = "text"
)

var pdfMagic = []byte("%PDF-")

// Extractor writes text/<name>.txt and a text/<name>.json sidecar for each stored document.
type Extractor struct {
	files  *writer.FileWriter
	logger *log.Logger
	now    func() time.Time

	// Reuse skips documents whose sidecar already records the same fingerprint.
	Reuse bool
}

// New creates an extractor over the output directory.
func New(files *writer.FileWriter, logger *log.Logger) *Extractor {
	return &Extractor{
		files:  files,
		logger: logger.With("component", "extract"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Paths returns the text and sidecar locations for a stored document.
func Paths(storedPath string) (text, sidecar string) {
	base := path.Base(storedPath)
	base = strings.TrimSuffix(base, path.Ext(base))
	return path.Join(writer.TextDir, base+".txt"), path.Join(writer.TextDir, base+".json")
}

// Extract produces the text artifact for an ok fetch record. Unreadable or corrupted
// documents yield a failed record, not an error. Errors are reserved for records that are
// not ok and for output that cannot be written.
func (e *Extractor) Extract(ctx context.Context, rec common.FetchRecord) (common.ExtractionRecord, error) {
	if rec.Status != common.StatusOK {
		return common.ExtractionRecord{}, fmt.Errorf("%w: %s is %s", ErrNotOK, rec.Reference.URL, rec.Status)
	}
	if err := ctx.Err(); err != nil {
		return common.ExtractionRecord{}, err
	}

	textPath, sidecarPath := Paths(rec.StoredPath)
	if e.Reuse {
		if prev, ok := e.existing(rec, textPath, sidecarPath); ok {
			return prev, nil
		}
	}

	out := common.ExtractionRecord{
		Fingerprint: rec.Fingerprint,
		StoredPath:  rec.StoredPath,
		ExtractedAt: e.now(),
	}

	data, err := os.ReadFile(e.files.Path(rec.StoredPath))
	if err != nil {
		out.Status = common.ExtractionFailed
		out.Error = fmt.Sprintf("read stored document: %v", err)
		return e.finish(out, sidecarPath)
	}

	var raw string
	switch {
	case isPDF(data):
		out.Format = FormatPDF
		raw, err = pdfText(data)
	case isText(data, rec.ContentType):
		out.Format = FormatText
		raw = string(data)
	default:
		out.Status = common.ExtractionUnsupported
		out.Error = fmt.Sprintf("unsupported content type %s", http.DetectContentType(data))
		return e.finish(out, sidecarPath)
	}
	if err != nil {
		out.Status = common.ExtractionFailed
		out.Error = err.Error()
		return e.finish(out, sidecarPath)
	}

	text, words := NormalizeText(raw)
	if err := e.files.WriteFile(textPath, []byte(text)); err != nil {
		return out, err
	}
	out.Status = common.ExtractionOK
	out.TextPath = textPath
	out.WordCount = words
	return e.finish(out, sidecarPath)
}

func (e *Extractor) finish(out common.ExtractionRecord, sidecarPath string) (common.ExtractionRecord, error) {
	if err := e.files.WriteJSON(sidecarPath, out); err != nil {
		return out, err
	}
	switch out.Status {
	case common.ExtractionOK:
		e.logger.Debug("extracted", "path", out.StoredPath, "format", out.Format, "words", out.WordCount)
	default:
		e.logger.Warn("extraction "+string(out.Status), "path", out.StoredPath, "err", out.Error)
	}
	return out, nil
}

func (e *Extractor) existing(rec common.FetchRecord, textPath, sidecarPath string) (common.ExtractionRecord, bool) {
	data, err := os.ReadFile(e.files.Path(sidecarPath))
	if err != nil {
		return common.ExtractionRecord{}, false
	}
	var prev common.ExtractionRecord
	if err := json.Unmarshal(data, &prev); err != nil || prev.Fingerprint != rec.Fingerprint {
		return common.ExtractionRecord{}, false
	}
	if prev.Status == common.ExtractionOK {
		if _, err := os.Stat(e.files.Path(textPath)); err != nil {
			return common.ExtractionRecord{}, false
		}
	}
	return prev, true
}

// ExtractAll extracts every ok record once per stored file, in ledger order.
func (e *Extractor) ExtractAll(ctx context.Context, records []common.FetchRecord) ([]common.ExtractionRecord, error) {
	var out []common.ExtractionRecord
	done := make(map[string]bool)
	for _, rec := range records {
		if rec.Status != common.StatusOK || done[rec.StoredPath] {
			continue
		}
		done[rec.StoredPath] = true
		res, err := e.Extract(ctx, rec)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

func isPDF(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, pdfMagic)
}

func isText(data []byte, contentType string) bool {
	if media, _, err := mime.ParseMediaType(contentType); err == nil && media == "text/plain" {
		return true
	}
	return strings.HasPrefix(http.DetectContentType(data), "text/plain")
}
