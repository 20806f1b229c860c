package app

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// sniffContentType prefers the type detected from the leading bytes and
// falls back to the declared type and then the file extension.
func sniffContentType(head []byte, declared, fileName string) string {
	detected := strings.ToLower(strings.TrimSpace(strings.SplitN(http.DetectContentType(head), ";", 2)[0]))
	if detected != "application/octet-stream" && detected != "text/plain" {
		return detected
	}
	if declared = strings.ToLower(strings.TrimSpace(strings.SplitN(declared, ";", 2)[0])); declared != "" && declared != "application/octet-stream" {
		return declared
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	}
	return detected
}

// countPDFPages parses data and returns its page count. The parser panics on
// some malformed inputs, so panics become errors.
func countPDFPages(data []byte) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pdf: %w", err)
	}
	pages = reader.NumPage()
	if pages < 1 {
		return 0, fmt.Errorf("pdf has no pages")
	}
	return pages, nil
}
