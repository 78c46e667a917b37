package ingest

import (
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

type page struct {
	Number int
	Text   string
}

// extractPages reads the stored file and returns its text page by page.
// Plain text and markdown files are a single page.
func extractPages(path, ext string) ([]page, error) {
	if ext != ".pdf" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: read %s: %w", path, err)
		}
		return []page{{Number: 1, Text: string(raw)}}, nil
	}

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: open pdf: %w", err)
	}
	defer func() { _ = f.Close() }()

	pages := make([]page, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("ingest: extract page %d: %w", i, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, page{Number: i, Text: text})
	}
	return pages, nil
}
