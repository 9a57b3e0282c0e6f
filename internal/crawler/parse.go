package crawler

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	detailPath  = regexp.MustCompile(`/(F\d+)_en$`)
	documentExt = regexp.MustCompile(`(?i)\.(pdf|docx?)$`)
	downloadish = regexp.MustCompile(`(?i)(download|document|attachment|/files/)`)

	submitterPattern = regexp.MustCompile(`(?i)(organisation|name)\s*:\s*(.+)`)
	datePattern      = regexp.MustCompile(`(?i)(submitted|publication|date)\s*:\s*([0-9]{1,2}\s+\w+\s+\d{4}|\d{4}-\d{2}-\d{2})`)
)

// anchor is a resolved link and its visible text.
type anchor struct {
	URL  string
	Text string
}

// pageLinks is everything the walker needs from one page.
type pageLinks struct {
	Documents []anchor
	Details   []string
	Next      []string

	Title     string
	Submitter string
	Published string
	// Text is the main content with one line per block element.
	Text string
}

func parsePage(base *url.URL, body []byte) (*pageLinks, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", base, err)
	}

	out := &pageLinks{}
	seenDocs := make(map[string]bool)
	seenDetails := make(map[string]bool)
	seenNext := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		u := resolve(base, href)
		if u == nil {
			return
		}
		link := u.String()
		text := collapseSpace(a.Text())

		if isNextAnchor(a, text) && u.Host == base.Host {
			if !seenNext[link] {
				seenNext[link] = true
				out.Next = append(out.Next, link)
			}
			return
		}
		switch {
		case isDocumentLink(u):
			if !seenDocs[link] {
				seenDocs[link] = true
				out.Documents = append(out.Documents, anchor{URL: link, Text: text})
			}
		case u.Host == base.Host && detailPath.MatchString(u.Path):
			if !seenDetails[link] {
				seenDetails[link] = true
				out.Details = append(out.Details, link)
			}
		}
	})

	if h := doc.Find("h1").First(); h.Length() > 0 {
		out.Title = collapseSpace(h.Text())
	}
	if out.Title == "" {
		out.Title = collapseSpace(doc.Find("h2").First().Text())
	}

	content := doc.Find(`main, [role="main"]`).First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	blob := blockText(content)
	out.Text = blob
	if m := submitterPattern.FindStringSubmatch(blob); m != nil {
		out.Submitter = strings.TrimSpace(m[2])
	}
	if m := datePattern.FindStringSubmatch(blob); m != nil {
		out.Published = strings.TrimSpace(m[2])
	}
	return out, nil
}

// resolve turns href into an absolute http(s) URL without fragment.
func resolve(base *url.URL, href string) *url.URL {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil
	}
	lower := strings.ToLower(href)
	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return nil
		}
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u
}

// isDocumentLink reports whether u points at a downloadable document: a .pdf, .doc or .docx
// path, or a download style endpoint that mentions pdf.
func isDocumentLink(u *url.URL) bool {
	if documentExt.MatchString(u.Path) {
		return true
	}
	full := u.String()
	return downloadish.MatchString(full) && strings.Contains(strings.ToLower(full), "pdf")
}

func isNextAnchor(a *goquery.Selection, text string) bool {
	if rel, ok := a.Attr("rel"); ok {
		for _, r := range strings.Fields(rel) {
			if strings.EqualFold(r, "next") {
				return true
			}
		}
	}
	if label, ok := a.Attr("aria-label"); ok && strings.EqualFold(strings.TrimSpace(label), "next") {
		return true
	}
	switch strings.ToLower(text) {
	case "next", "›", ">":
		return true
	}
	return false
}

func detailID(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	if m := detailPath.FindStringSubmatch(parsed.Path); m != nil {
		return m[1]
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var blockElements = map[string]bool{
	"p": true, "div": true, "li": true, "dt": true, "dd": true, "tr": true, "td": true,
	"th": true, "br": true, "h1": true, "h2": true, "h3": true, "h4": true, "h5": true,
	"h6": true, "section": true, "article": true, "header": true, "footer": true,
}

// blockText renders the text of sel with a line break after every block element, so the
// "Label: value" patterns never run across fields.
func blockText(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			return
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" || n.Data == "noscript" {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			b.WriteByte('\n')
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return b.String()
}
