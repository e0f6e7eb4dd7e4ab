package nse

import (
	"bytes"
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const (
	csvContainer     = "#csvContentDiv"
	noRecordsMarker  = "No Records"
	noFileMarker     = "No file found"
	csvLineSeparator = ":"
)

var errNoCSVBlock = errors.New("response has no " + csvContainer + " block")

// extractEmbeddedCSV returns the CSV block the historical index pages embed
// in a hidden div, with its ':' row separators turned into newlines.
func extractEmbeddedCSV(page []byte) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, err
	}
	sel := doc.Find(csvContainer).First()
	if sel.Length() == 0 {
		return nil, errNoCSVBlock
	}
	text := strings.ReplaceAll(sel.Text(), csvLineSeparator, "\n")
	return []byte(text), nil
}
