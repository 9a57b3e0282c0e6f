package progress

import (
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/bubbles/progress"

	"github.com/go-scripts/consultcrawl/pkg/common"
)

// Tracker shows a single status line while a run is in progress: a spinner, the page
// being walked and a bar of fetched against discovered documents.
type Tracker struct {
	enabled bool
	spin    *spinner.Spinner
	bar     progress.Model

	mu         sync.Mutex
	pages      int
	current    string
	discovered int
	fetched    int
	failed     int
}

// New creates a tracker writing to out. A disabled tracker only counts.
func New(out io.Writer, enabled bool) *Tracker {
	return &Tracker{
		enabled: enabled,
		spin:    spinner.New(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(out)),
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
	}
}

// Start begins drawing.
func (t *Tracker) Start() {
	if !t.enabled {
		return
	}
	t.spin.Start()
}

// Stop clears the status line.
func (t *Tracker) Stop() {
	if !t.enabled {
		return
	}
	t.spin.Stop()
}

// Page records that the walker is loading a page.
func (t *Tracker) Page(kind, rawURL string) {
	t.mu.Lock()
	t.pages++
	t.current = kind + " " + shortURL(rawURL)
	t.mu.Unlock()
	t.refresh()
}

// Discovered records a new document reference.
func (t *Tracker) Discovered() {
	t.mu.Lock()
	t.discovered++
	t.mu.Unlock()
	t.refresh()
}

// Fetched records the outcome of one document.
func (t *Tracker) Fetched(rec common.FetchRecord) {
	t.mu.Lock()
	t.fetched++
	if rec.Status == common.StatusFailed {
		t.failed++
	}
	t.mu.Unlock()
	t.refresh()
}

// Status renders the line shown next to the spinner.
func (t *Tracker) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ratio := 0.0
	if t.discovered > 0 {
		ratio = float64(t.fetched) / float64(t.discovered)
	}
	line := fmt.Sprintf(" %s %d/%d documents", t.bar.ViewAs(ratio), t.fetched, t.discovered)
	if t.failed > 0 {
		line += fmt.Sprintf(", %d failed", t.failed)
	}
	line += fmt.Sprintf(" | page %d", t.pages)
	if t.current != "" {
		line += " " + t.current
	}
	return line
}

func (t *Tracker) refresh() {
	if !t.enabled {
		return
	}
	status := t.Status()
	t.spin.Lock()
	t.spin.Suffix = status
	t.spin.Unlock()
}

// shortURL keeps the host and the tail of the path so the line fits a terminal.
func shortURL(rawURL string) string {
	const maxLen = 48
	if len(rawURL) <= maxLen {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "..." + rawURL[len(rawURL)-maxLen:]
	}
	rest := u.Path
	if u.RawQuery != "" {
		rest += "?" + u.RawQuery
	}
	room := maxLen - len(u.Host) - 3
	if room < 8 {
		room = 8
	}
	if len(rest) > room {
		rest = "..." + rest[len(rest)-room:]
	}
	return u.Host + rest
}
