package queue

import (
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/purell"
)

const normalizeFlags = purell.FlagsSafe | purell.FlagRemoveFragment | purell.FlagSortQuery

// Normalize returns the canonical form of raw used for visited tracking and
// de-duplication: lower-case scheme and host, default port removed, fragment dropped and
// query keys sorted.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	return purell.NormalizeURL(u, normalizeFlags), nil
}

// Item is one frontier entry.
type Item struct {
	URL      string
	Kind     string
	Referrer string
}

// Queue is a thread-safe FIFO frontier. A URL is accepted at most once for the lifetime
// of the queue, whether or not it has been processed yet.
type Queue struct {
	items []Item
	seen  map[string]bool
	mu    sync.Mutex
}

// New creates a new Queue instance
func New() *Queue {
	return &Queue{
		items: make([]Item, 0),
		seen:  make(map[string]bool),
	}
}

// Add enqueues item unless its normalised URL was already seen. The stored URL is the
// normalised one.
func (q *Queue) Add(item Item) bool {
	norm, err := Normalize(item.URL)
	if err != nil {
		return false
	}
	item.URL = norm

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.seen[norm] {
		return false
	}
	q.seen[norm] = true
	q.items = append(q.items, item)
	return true
}

// Next returns the next item to process.
func (q *Queue) Next() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// IsVisited checks if a URL has already been accepted.
func (q *Queue) IsVisited(raw string) bool {
	norm, err := Normalize(raw)
	if err != nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen[norm]
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// VisitedCount returns the number of URLs ever accepted.
func (q *Queue) VisitedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seen)
}
