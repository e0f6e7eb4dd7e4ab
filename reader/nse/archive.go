package nse

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var zipMagic = []byte("PK\x03\x04")

func isZip(b []byte) bool {
	return bytes.HasPrefix(b, zipMagic)
}

// unzipNested opens zip archives nested up to maxDepth levels, taking the
// first file entry at each level. Plain payloads are returned unchanged.
func unzipNested(payload []byte, maxDepth int) ([]byte, error) {
	data := payload
	for depth := 0; isZip(data); depth++ {
		if depth >= maxDepth {
			return nil, fmt.Errorf("archive nested deeper than %d levels", maxDepth)
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("open zip level %d: %w", depth+1, err)
		}
		var entry *zip.File
		for _, f := range zr.File {
			if !f.FileInfo().IsDir() {
				entry = f
				break
			}
		}
		if entry == nil {
			return nil, fmt.Errorf("zip level %d has no file entries", depth+1)
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", entry.Name, err)
		}
		data, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name, err)
		}
	}
	return data, nil
}

// decodeCSV splits text into a header and records. Ragged rows are allowed;
// the normalizer pads missing fields.
func decodeCSV(text []byte) ([]string, [][]string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(text, []byte("\ufeff"))))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("decode csv: %w", err)
	}
	for len(rows) > 0 && blankRow(rows[0]) {
		rows = rows[1:]
	}
	if len(rows) == 0 {
		return nil, nil, errors.New("decode csv: no header row")
	}
	return rows[0], rows[1:], nil
}

func blankRow(r []string) bool {
	for _, v := range r {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
