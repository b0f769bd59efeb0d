package pipeline

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxTextPages bounds how many pages are read for text.
const maxTextPages = 20

type pdfInfo struct {
	PageCount int
	Text      string
}

func readPDF(data []byte) (pdfInfo, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return pdfInfo{}, fmt.Errorf("open pdf: %w", err)
	}

	info := pdfInfo{PageCount: r.NumPage()}
	var b strings.Builder
	for i := 1; i <= info.PageCount && i <= maxTextPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	info.Text = strings.TrimSpace(b.String())
	return info, nil
}
