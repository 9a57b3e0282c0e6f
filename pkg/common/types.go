package common

import (
	"time"
)

// DocumentReference is a candidate document discovered by the frontier walker.
type DocumentReference struct {
	SourcePage string `json:"source_page"`
	URL        string `json:"url"`
	Label      string `json:"label,omitempty"`
	DetailID   string `json:"detail_id,omitempty"`
	Submitter  string `json:"submitter,omitempty"`
	Published  string `json:"published,omitempty"`
}

// FetchStatus is the outcome of one fetch.
type FetchStatus string

const (
	StatusOK        FetchStatus = "ok"
	StatusDuplicate FetchStatus = "duplicate"
	StatusFailed    FetchStatus = "failed"
)

// Attempt describes a single network attempt made while fetching a document.
type Attempt struct {
	Number     int       `json:"number"`
	StartedAt  time.Time `json:"started_at"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// FetchRecord is one line of the ledger.
type FetchRecord struct {
	RunID       string            `json:"run_id"`
	Reference   DocumentReference `json:"reference"`
	Status      FetchStatus       `json:"status"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	StoredPath  string            `json:"stored_path,omitempty"`
	Size        int64             `json:"size,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	DuplicateOf string            `json:"duplicate_of,omitempty"`
	FetchedAt   time.Time         `json:"fetched_at"`
	Error       string            `json:"error,omitempty"`
	Attempts    []Attempt         `json:"attempts,omitempty"`

	// Resumed is set on records served from an earlier run. It is never persisted.
	Resumed bool `json:"-"`
}

// FeedbackPage is a feedback detail page without any document link. The contribution is
// the page text itself.
type FeedbackPage struct {
	URL       string    `json:"url"`
	DetailID  string    `json:"detail_id"`
	Title     string    `json:"title,omitempty"`
	Submitter string    `json:"submitter,omitempty"`
	Published string    `json:"published,omitempty"`
	VisitedAt time.Time `json:"visited_at"`
	TextPath  string    `json:"text_path,omitempty"`
	WordCount int       `json:"word_count,omitempty"`

	// Text is the visible main content as found on the page.
	Text string `json:"-"`
}

// ExtractionStatus is the outcome of text extraction.
type ExtractionStatus string

const (
	ExtractionOK          ExtractionStatus = "ok"
	ExtractionUnsupported ExtractionStatus = "unsupported"
	ExtractionFailed      ExtractionStatus = "failed"
)

// ExtractionRecord describes the text derived from an ok FetchRecord.
type ExtractionRecord struct {
	Fingerprint string           `json:"fingerprint"`
	StoredPath  string           `json:"stored_path"`
	TextPath    string           `json:"text_path,omitempty"`
	Status      ExtractionStatus `json:"status"`
	Format      string           `json:"format,omitempty"`
	WordCount   int              `json:"word_count"`
	Error       string           `json:"error,omitempty"`
	ExtractedAt time.Time        `json:"extracted_at"`
}

// Summary holds the counters reported at the end of a run.
type Summary struct {
	RunID              string        `json:"run_id"`
	StartURL           string        `json:"start_url"`
	StartedAt          time.Time     `json:"started_at"`
	Duration           time.Duration `json:"duration_ns"`
	PagesVisited       int           `json:"pages_visited"`
	PagesFailed        int           `json:"pages_failed"`
	Discovered         int           `json:"discovered"`
	FetchedOK          int           `json:"fetched_ok"`
	Duplicate          int           `json:"duplicate"`
	Failed             int           `json:"failed"`
	Resumed            int           `json:"previously_fetched"`
	ExtractedOK        int           `json:"extracted_ok"`
	ExtractUnsupported int           `json:"extraction_unsupported"`
	ExtractFailed      int           `json:"extraction_failed"`
	TextOnlyPages      int           `json:"text_only_pages"`
	Failures           []FetchRecord `json:"failures,omitempty"`
}

// Count adds a fetch outcome to the summary.
func (s *Summary) Count(rec FetchRecord) {
	if rec.Resumed {
		s.Resumed++
		return
	}
	switch rec.Status {
	case StatusOK:
		s.FetchedOK++
	case StatusDuplicate:
		s.Duplicate++
	case StatusFailed:
		s.Failed++
		s.Failures = append(s.Failures, rec)
	}
}

// CountExtraction adds an extraction outcome to the summary.
func (s *Summary) CountExtraction(rec ExtractionRecord) {
	switch rec.Status {
	case ExtractionOK:
		s.ExtractedOK++
	case ExtractionUnsupported:
		s.ExtractUnsupported++
	case ExtractionFailed:
		s.ExtractFailed++
	}
}
