package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-scripts/consultcrawl/pkg/common"
)

const (
	DocumentsDir = "documents"
	TextDir      = "text"
	MetadataDir  = "metadata"
	LedgerFile   = "ledger.jsonl"
	SummaryFile  = "summary.json"
)

// FileWriter owns the output directory layout. Every file it finalises is written to a
// temporary name first and renamed into place, so readers never see partial content.
type FileWriter struct {
	outputDir string
}

// New creates the output directory tree and checks that it is writable.
func New(outputDir string) (*FileWriter, error) {
	for _, dir := range []string{outputDir, filepath.Join(outputDir, DocumentsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	w := &FileWriter{outputDir: outputDir}
	if err := w.probe(); err != nil {
		return nil, err
	}
	return w, nil
}

// Open wraps an existing output directory without creating anything.
func Open(outputDir string) (*FileWriter, error) {
	info, err := os.Stat(outputDir)
	if err != nil {
		return nil, fmt.Errorf("open output directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("output path %s is not a directory", outputDir)
	}
	return &FileWriter{outputDir: outputDir}, nil
}

func (w *FileWriter) probe() error {
	f, err := os.CreateTemp(w.outputDir, ".probe.*")
	if err != nil {
		return fmt.Errorf("output directory not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// Dir returns the root output directory.
func (w *FileWriter) Dir() string {
	return w.outputDir
}

// Path resolves a path relative to the output directory.
func (w *FileWriter) Path(rel string) string {
	return filepath.Join(w.outputDir, filepath.FromSlash(rel))
}

// LedgerPath is where the fetch ledger lives.
func (w *FileWriter) LedgerPath() string {
	return w.Path(LedgerFile)
}

// TempFile opens a temporary file inside dir (relative to the output directory). The
// caller either commits it with Commit or removes it with Discard.
func (w *FileWriter) TempFile(dir string) (*os.File, error) {
	full := w.Path(dir)
	if err := os.MkdirAll(full, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return os.CreateTemp(full, ".partial.*")
}

// Commit syncs and closes tmp, then atomically renames it to rel.
func (w *FileWriter) Commit(tmp *os.File, rel string) error {
	name := tmp.Name()
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("sync %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("close %s: %w", rel, err)
	}
	dest := w.Path(rel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, dest); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("finalise %s: %w", rel, err)
	}
	syncDir(filepath.Dir(dest))
	return nil
}

// Discard closes and removes an uncommitted temp file.
func (w *FileWriter) Discard(tmp *os.File) {
	if tmp == nil {
		return
	}
	_ = tmp.Close()
	_ = os.Remove(tmp.Name())
}

// WriteFile atomically replaces rel with data.
func (w *FileWriter) WriteFile(rel string, data []byte) error {
	tmp, err := w.TempFile(filepath.Dir(filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		w.Discard(tmp)
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return w.Commit(tmp, rel)
}

// WriteJSON atomically writes v as indented JSON.
func (w *FileWriter) WriteJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", rel, err)
	}
	return w.WriteFile(rel, append(data, '\n'))
}

// WriteSummary writes the run summary next to the ledger.
func (w *FileWriter) WriteSummary(summary *common.Summary) error {
	return w.WriteJSON(SummaryFile, summary)
}

// CleanPartials removes temp files left behind by an interrupted run.
func (w *FileWriter) CleanPartials() (int, error) {
	removed := 0
	for _, dir := range []string{DocumentsDir, TextDir, MetadataDir, "."} {
		matches, err := filepath.Glob(filepath.Join(w.Path(dir), ".partial.*"))
		if err != nil {
			return removed, err
		}
		for _, m := range matches {
			if err := os.Remove(m); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SanitizeFilename turns an arbitrary label into a safe file name component.
func SanitizeFilename(name string, max int) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_.")
	if max > 0 && len(name) > max {
		name = strings.TrimRight(name[:max], "_.")
	}
	return name
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
