package ingestion_engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode/utf8"

	"code.sajari.com/docconv"
	"github.com/dslipak/pdf"

	"github.com/markdave123-py/docbot/internal/core"
)

var _ core.DocumentExtractor = (*DocumentExtractor)(nil)

const (
	mimePDF      = "application/pdf"
	mimeDocx     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimeMSWord   = "application/msword"
	mimeODT      = "application/vnd.oasis.opendocument.text"
	mimeRTF      = "application/rtf"
	mimeTextRTF  = "text/rtf"
	mimeHTML     = "text/html"
	mimePlain    = "text/plain"
	mimeMarkdown = "text/markdown"
	mimeCSV      = "text/csv"
	mimeJSON     = "application/json"
)

var supportedTypes = map[string]bool{
	mimePDF: true, mimeDocx: true, mimeMSWord: true, mimeODT: true, mimeRTF: true, mimeTextRTF: true,
	mimeHTML: true, mimePlain: true, mimeMarkdown: true, mimeCSV: true, mimeJSON: true,
}

// NormalizeContentType lowercases the media type and drops parameters such as charset.
func NormalizeContentType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

// Supports reports whether the extractor can read the content type.
func Supports(contentType string) bool {
	return supportedTypes[NormalizeContentType(contentType)]
}

// DocumentExtractor implements core.DocumentExtractor with dslipak/pdf for
// page-aware PDFs and sajari/docconv for office formats.
type DocumentExtractor struct {
	useReadability bool
}

func NewDocumentExtractor(useReadability bool) *DocumentExtractor {
	return &DocumentExtractor{useReadability: useReadability}
}

// ExtractText picks a strategy from the content type and returns normalized
// text. It gives up when ctx is done even if a parser is still running.
func (e *DocumentExtractor) ExtractText(ctx context.Context, data []byte, contentType string) (*core.ExtractedText, error) {
	ct := NormalizeContentType(contentType)
	if !supportedTypes[ct] {
		return nil, fmt.Errorf("unsupported content type %q", contentType)
	}

	type result struct {
		out *core.ExtractedText
		err error
	}
	resCh := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- result{err: fmt.Errorf("extractor panic: %v", r)}
			}
		}()
		out, err := e.extract(data, ct)
		resCh <- result{out: out, err: err}
	}()

	select {
	case r := <-resCh:
		if r.err != nil {
			return nil, r.err
		}
		r.out.Metadata["contentType"] = ct
		return r.out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("extraction aborted: %w", ctx.Err())
	}
}

func (e *DocumentExtractor) extract(data []byte, ct string) (*core.ExtractedText, error) {
	switch ct {
	case mimePDF:
		pages, err := extractPDFPages(data)
		if err == nil && hasText(pages) {
			return &core.ExtractedText{Pages: pages, Metadata: map[string]string{"extractor": "pdf"}}, nil
		}
		// Some encodings trip the page parser; docconv shells out to pdftotext.
		return e.docconv(data, ct)
	case mimePlain, mimeMarkdown, mimeCSV:
		return single(normalizeText(decodeUTF8(data)), "text"), nil
	case mimeJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, bytes.TrimPrefix(data, utf8BOM), "", "  "); err != nil {
			return nil, fmt.Errorf("invalid json: %w", err)
		}
		return single(normalizeText(buf.String()), "json"), nil
	default:
		return e.docconv(data, ct)
	}
}

func (e *DocumentExtractor) docconv(data []byte, ct string) (*core.ExtractedText, error) {
	res, err := docconv.Convert(bytes.NewReader(data), ct, e.useReadability)
	if err != nil {
		return nil, fmt.Errorf("docconv: extraction failed for content type %q: %w", ct, err)
	}
	out := single(normalizeText(res.Body), "docconv")
	for k, v := range res.Meta {
		out.Metadata[k] = v
	}
	return out, nil
}

func extractPDFPages(data []byte) ([]core.Page, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	var pages []core.Page
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			log.Warn("pdf page extraction failed", "page", i, "error", err)
			continue
		}
		if text := normalizeText(content); text != "" {
			pages = append(pages, core.Page{Number: i, Text: text})
		}
	}
	return pages, nil
}

func single(text, extractor string) *core.ExtractedText {
	out := &core.ExtractedText{Metadata: map[string]string{"extractor": extractor}}
	if text != "" {
		out.Pages = []core.Page{{Text: text}}
	}
	return out
}

func hasText(pages []core.Page) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return true
		}
	}
	return false
}

var (
	utf8BOM        = []byte{0xEF, 0xBB, 0xBF}
	trailingSpace  = regexp.MustCompile(`[ \t]+\n`)
	excessNewlines = regexp.MustCompile(`\n{3,}`)
)

func decodeUTF8(data []byte) string {
	data = bytes.TrimPrefix(data, utf8BOM)
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

// normalizeText unifies line endings, strips NULs and trailing blanks, and
// collapses runs of blank lines.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.ReplaceAll(s, "\x00", "")
	s = trailingSpace.ReplaceAllString(s, "\n")
	s = excessNewlines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
