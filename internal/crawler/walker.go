// Package crawler walks the feedback portal from a start URL and yields the document
// links it finds on listing and detail pages.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/go-scripts/consultcrawl/internal/config"
	"github.com/go-scripts/consultcrawl/internal/queue"
	"github.com/go-scripts/consultcrawl/pkg/common"
)

// ErrStartUnreachable is yielded when the start page cannot be loaded.
var ErrStartUnreachable = errors.New("start URL unreachable")

const (
	KindListing = "listing"
	KindDetail  = "detail"
)

// Stats counts the pages of the last walk.
type Stats struct {
	PagesVisited int
	PagesFailed  int
	Documents    int
	TextOnly     int
	LoopsStopped int
}

// Walker discovers document references. A Walker is not safe for concurrent walks.
type Walker struct {
	cfg    *config.Config
	source PageSource
	logger *log.Logger
	stats  Stats

	// OnPage, when set, is called before every page load.
	OnPage func(kind, url string)
	// OnTextOnly, when set, receives every detail page that links no document.
	OnTextOnly func(common.FeedbackPage)
	now        func() time.Time
}

// New creates a walker that loads pages from source.
func New(cfg *config.Config, source PageSource, logger *log.Logger) *Walker {
	return &Walker{
		cfg:    cfg,
		source: source,
		logger: logger.With("component", "walker"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Stats returns the counters of the most recent walk.
func (w *Walker) Stats() Stats {
	return w.stats
}

// Walk returns a lazy, finite sequence of document references. Pages are loaded only as
// the consumer pulls. A non-nil error is only ever the last element and means the start
// page could not be loaded. Cancelling ctx ends the sequence early without an error.
func (w *Walker) Walk(ctx context.Context) iter.Seq2[common.DocumentReference, error] {
	return func(yield func(common.DocumentReference, error) bool) {
		w.stats = Stats{}

		start, err := queue.Normalize(w.cfg.StartURL)
		if err != nil {
			yield(common.DocumentReference{}, fmt.Errorf("%w: %w", ErrStartUnreachable, err))
			return
		}

		frontier := queue.New()
		frontier.Add(queue.Item{URL: start, Kind: KindListing})
		documents := make(map[string]bool)
		signatures := make(map[string]string)
		loaded := 0

		for {
			if ctx.Err() != nil {
				return
			}
			item, ok := frontier.Next()
			if !ok {
				return
			}
			if loaded >= w.cfg.MaxPages {
				w.logger.Warn("page limit reached", "max_pages", w.cfg.MaxPages, "pending", frontier.Len()+1)
				return
			}
			loaded++

			if w.OnPage != nil {
				w.OnPage(item.Kind, item.URL)
			}
			page, err := w.source.Load(ctx, item.URL)
			if err != nil {
				if item.URL == start {
					yield(common.DocumentReference{}, fmt.Errorf("%w: %s: %w", ErrStartUnreachable, item.URL, err))
					return
				}
				if ctx.Err() != nil {
					return
				}
				w.stats.PagesFailed++
				w.logger.Warn("page skipped", "kind", item.Kind, "url", item.URL, "err", err)
				continue
			}
			w.stats.PagesVisited++

			base, err := url.Parse(page.URL)
			if err != nil || !base.IsAbs() {
				base, _ = url.Parse(item.URL)
			}
			links, err := parsePage(base, page.Body)
			if err != nil {
				w.stats.PagesFailed++
				w.logger.Warn("page unparsable", "url", item.URL, "err", err)
				continue
			}

			fresh := 0
			for _, detail := range links.Details {
				if frontier.Add(queue.Item{URL: detail, Kind: KindDetail, Referrer: item.URL}) {
					fresh++
				}
			}

			for _, doc := range links.Documents {
				norm, err := queue.Normalize(doc.URL)
				if err != nil || documents[norm] {
					continue
				}
				if u, err := url.Parse(norm); err != nil || !config.InDomain(u.Hostname(), w.cfg.PortalDomain) {
					w.logger.Debug("document outside portal domain", "url", norm)
					continue
				}
				documents[norm] = true
				fresh++
				w.stats.Documents++
				if !yield(w.reference(item, links, doc, norm), nil) {
					return
				}
			}

			if item.Kind == KindDetail && len(links.Documents) == 0 {
				w.stats.TextOnly++
				w.logger.Debug("feedback without attachment", "url", item.URL)
				if w.OnTextOnly != nil {
					w.OnTextOnly(w.feedbackPage(item, links))
				}
			}

			if item.Kind != KindListing {
				continue
			}

			sig := signature(links)
			if prev, seen := signatures[sig]; seen && sig != "" {
				w.stats.LoopsStopped++
				w.logger.Debug("pagination loop", "url", item.URL, "same_as", prev)
				continue
			}
			signatures[sig] = item.URL

			next := links.Next
			if len(next) == 0 && fresh > 0 {
				if guess := nextPageURL(item.URL); guess != "" {
					next = []string{guess}
				}
			}
			for _, n := range next {
				frontier.Add(queue.Item{URL: n, Kind: KindListing, Referrer: item.URL})
			}
		}
	}
}

func (w *Walker) reference(item queue.Item, links *pageLinks, doc anchor, norm string) common.DocumentReference {
	ref := common.DocumentReference{
		SourcePage: item.URL,
		URL:        norm,
		Label:      doc.Text,
	}
	if item.Kind == KindDetail {
		ref.DetailID = detailID(item.URL)
		ref.Submitter = links.Submitter
		ref.Published = links.Published
		if ref.Label == "" {
			ref.Label = links.Title
		}
	}
	return ref
}

func (w *Walker) feedbackPage(item queue.Item, links *pageLinks) common.FeedbackPage {
	return common.FeedbackPage{
		URL:       item.URL,
		DetailID:  detailID(item.URL),
		Title:     links.Title,
		Submitter: links.Submitter,
		Published: links.Published,
		VisitedAt: w.now(),
		Text:      links.Text,
	}
}

// signature identifies a listing page by its sorted set of detail and document links.
func signature(links *pageLinks) string {
	all := make([]string, 0, len(links.Details)+len(links.Documents))
	all = append(all, links.Details...)
	for _, d := range links.Documents {
		all = append(all, d.URL)
	}
	sort.Strings(all)
	return strings.Join(all, "\n")
}

// nextPageURL increments the page query parameter. A URL without one is treated as page 0.
func nextPageURL(current string) string {
	u, err := url.Parse(current)
	if err != nil {
		return ""
	}
	q := u.Query()
	n := 0
	if raw := q.Get("page"); raw != "" {
		n, err = strconv.Atoi(raw)
		if err != nil || n < 0 {
			return ""
		}
	}
	q.Set("page", strconv.Itoa(n+1))
	u.RawQuery = q.Encode()
	return u.String()
}
