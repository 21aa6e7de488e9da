package model

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"apexrag/types"

	"github.com/ledongthuc/pdf"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// ExtractText turns raw file bytes into normalized text. Dispatch is by
// file extension; only plain text and PDF are accepted.
func ExtractText(data []byte, filename string) (string, error) {
	var text string
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt":
		text = string(data)
	case ".pdf":
		var err error
		text, err = extractPDFText(data)
		if err != nil {
			return "", err
		}
	default:
		return "", types.NewValidationError("unsupported file type: only PDF or TXT accepted")
	}

	if strings.TrimSpace(text) == "" {
		return "", types.NewValidationError("document contains no extractable text")
	}
	return text, nil
}

func extractPDFText(data []byte) (string, error) {
	if err := pdfapi.Validate(bytes.NewReader(data), nil); err != nil {
		return "", types.NewValidationError("corrupt or unreadable PDF: %v", err)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", types.NewValidationError("failed to open PDF: %v", err)
	}

	var b strings.Builder
	pages := reader.NumPage()
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		fonts := make(map[string]*pdf.Font)
		text, err := page.GetPlainText(fonts)
		if err != nil {
			// Pages with no extractable text are tolerated, not fatal.
			fmt.Printf("warning: failed to extract text from page %d: %v\n", i, err)
			continue
		}
		if i > 1 {
			b.WriteString("\n")
		}
		b.WriteString(text)
	}
	return b.String(), nil
}
