package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/go-scripts/consultcrawl/pkg/common"
)

const maxErrorWidth = 60

type stat struct {
	label string
	value string
	style lipgloss.Style
}

// SummaryPanel renders the end of run counters in a bordered box.
func SummaryPanel(s *common.Summary, extracted bool) string {
	stats := []stat{
		{"Pages visited", fmt.Sprintf("%d", s.PagesVisited), valueStyle},
		{"Pages failed", fmt.Sprintf("%d", s.PagesFailed), warnIf(s.PagesFailed)},
		{"Discovered", fmt.Sprintf("%d", s.Discovered), valueStyle},
		{"Fetched ok", fmt.Sprintf("%d", s.FetchedOK), valueStyle},
		{"Duplicate", fmt.Sprintf("%d", s.Duplicate), valueStyle},
		{"Previously fetched", fmt.Sprintf("%d", s.Resumed), valueStyle},
		{"Failed", fmt.Sprintf("%d", s.Failed), failIf(s.Failed)},
		{"Without attachment", fmt.Sprintf("%d", s.TextOnlyPages), valueStyle},
	}
	if extracted {
		stats = append(stats,
			stat{"Extracted ok", fmt.Sprintf("%d", s.ExtractedOK), valueStyle},
			stat{"Unsupported", fmt.Sprintf("%d", s.ExtractUnsupported), warnIf(s.ExtractUnsupported)},
			stat{"Extraction failed", fmt.Sprintf("%d", s.ExtractFailed), failIf(s.ExtractFailed)},
		)
	}
	stats = append(stats, stat{"Elapsed", s.Duration.Round(time.Millisecond).String(), valueStyle})

	var content strings.Builder
	content.WriteString(titleStyle.Render("Collection summary") + "\n\n")
	for i, stat := range stats {
		content.WriteString(fmt.Sprintf("%-20s %s",
			labelStyle.Render(stat.label+":"),
			stat.style.Render(stat.value),
		))
		if i < len(stats)-1 {
			content.WriteString("\n")
		}
	}
	return borderStyle.Render(content.String())
}

// FailureTable lists failed documents. Only the first maxRows are shown.
func FailureTable(failures []common.FetchRecord, maxRows int) string {
	if len(failures) == 0 {
		return ""
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Document", "Source page", "Attempts", "Error"})
	for i, rec := range failures {
		if maxRows > 0 && i >= maxRows {
			t.AppendFooter(table.Row{"", fmt.Sprintf("%d more in the ledger", len(failures)-maxRows)})
			break
		}
		t.AppendRow(table.Row{i + 1, rec.Reference.URL, rec.Reference.SourcePage, len(rec.Attempts), truncate(rec.Error, maxErrorWidth)})
	}
	t.SetStyle(table.StyleRounded)
	t.Style().Format.Footer = text.FormatDefault
	return t.Render()
}

// PrintSummary writes the panel and, when there were failures, the failure table.
func PrintSummary(w io.Writer, s *common.Summary, extracted bool) {
	fmt.Fprintln(w, SummaryPanel(s, extracted))
	if tbl := FailureTable(s.Failures, 20); tbl != "" {
		fmt.Fprintln(w, errorStyle.Render("Failed documents"))
		fmt.Fprintln(w, tbl)
	}
}

func warnIf(n int) lipgloss.Style {
	if n > 0 {
		return warningStyle
	}
	return valueStyle
}

func failIf(n int) lipgloss.Style {
	if n > 0 {
		return errorStyle
	}
	return valueStyle
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
