package writer

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/go-scripts/consultcrawl/pkg/common"
)

const (
	InventoryCSV  = "metadata/inventory.csv"
	InventoryXLSX = "metadata/inventory.xlsx"
	PagesFile     = "metadata/text_only_pages.json"

	// StatusNoAttachment marks inventory rows of feedback pages without a document.
	StatusNoAttachment = "no_attachment"
)

var inventoryHeader = []string{
	"Detail_ID", "Title", "Submitter", "Date", "Source_Page", "Document_URL",
	"Status", "Local_File", "Fingerprint", "Size", "Fetched_At", "Error",
	"Text_Path", "Extraction_Status", "Word_Count",
}

// InventoryRow joins a fetch record with its extraction, if any. A row with Page set
// describes a feedback page without attachment and ignores the other fields.
type InventoryRow struct {
	Fetch      common.FetchRecord
	Extraction *common.ExtractionRecord
	Page       *common.FeedbackPage
}

func (r InventoryRow) cells() []string {
	if p := r.Page; p != nil {
		row := []string{
			p.DetailID, p.Title, p.Submitter, p.Published, p.URL, "",
			StatusNoAttachment, "", "", "", p.VisitedAt.UTC().Format(time.RFC3339),
			"", p.TextPath, "", "",
		}
		if p.TextPath != "" {
			row[13] = string(common.ExtractionOK)
			row[14] = strconv.Itoa(p.WordCount)
		}
		return row
	}
	ref := r.Fetch.Reference
	row := []string{
		ref.DetailID, ref.Label, ref.Submitter, ref.Published, ref.SourcePage, ref.URL,
		string(r.Fetch.Status), r.Fetch.StoredPath, r.Fetch.Fingerprint,
		strconv.FormatInt(r.Fetch.Size, 10), r.Fetch.FetchedAt.UTC().Format(time.RFC3339),
		r.Fetch.Error, "", "", "",
	}
	if r.Extraction != nil {
		row[12] = r.Extraction.TextPath
		row[13] = string(r.Extraction.Status)
		row[14] = strconv.Itoa(r.Extraction.WordCount)
	}
	return row
}

// WriteInventory exports the rows as a semicolon separated CSV and an XLSX workbook for
// the analyst.
func (w *FileWriter) WriteInventory(rows []InventoryRow) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	cw.Comma = ';'
	if err := cw.Write(inventoryHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write(r.cells()); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("encode inventory csv: %w", err)
	}
	if err := w.WriteFile(InventoryCSV, buf.Bytes()); err != nil {
		return err
	}

	xlsx, err := inventoryWorkbook(rows)
	if err != nil {
		return err
	}
	return w.WriteFile(InventoryXLSX, xlsx)
}

func inventoryWorkbook(rows []InventoryRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	sheet := f.GetSheetName(0)
	write := func(rowNum int, values []string) error {
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return err
		}
		vals := make([]interface{}, len(values))
		for i, v := range values {
			vals[i] = v
		}
		return f.SetSheetRow(sheet, cell, &vals)
	}

	if err := write(1, inventoryHeader); err != nil {
		return nil, fmt.Errorf("write inventory header: %w", err)
	}
	for i, r := range rows {
		if err := write(i+2, r.cells()); err != nil {
			return nil, fmt.Errorf("write inventory row %d: %w", i+2, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("encode inventory xlsx: %w", err)
	}
	return buf.Bytes(), nil
}

// WritePages records the feedback pages without attachment found by the last walk, so
// the inventory can be rebuilt without the network.
func (w *FileWriter) WritePages(pages []common.FeedbackPage) error {
	if pages == nil {
		pages = []common.FeedbackPage{}
	}
	return w.WriteJSON(PagesFile, pages)
}

// ReadPages loads the list written by WritePages. A missing file is an empty list.
func (w *FileWriter) ReadPages() ([]common.FeedbackPage, error) {
	data, err := os.ReadFile(w.Path(PagesFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", PagesFile, err)
	}
	var pages []common.FeedbackPage
	if err := json.Unmarshal(data, &pages); err != nil {
		return nil, fmt.Errorf("decode %s: %w", PagesFile, err)
	}
	return pages, nil
}
