package core

import (
	"context"
	"strings"
)

// Page is a run of text from one page of the source. Number is 0 when the
// format has no page concept.
type Page struct {
	Number int
	Text   string
}

// ExtractedText represents the result of text extraction, potentially with metadata.
type ExtractedText struct {
	Pages    []Page
	Metadata map[string]string
}

// Empty reports whether no page carries any non-whitespace text.
func (e *ExtractedText) Empty() bool {
	for _, p := range e.Pages {
		if strings.TrimSpace(p.Text) != "" {
			return false
		}
	}
	return true
}

// DocumentExtractor defines the interface for extracting text from various document types.
// The contentType hint selects the parsing strategy.
type DocumentExtractor interface {
	ExtractText(ctx context.Context, data []byte, contentType string) (*ExtractedText, error)
}
