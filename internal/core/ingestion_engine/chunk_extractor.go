package ingestion_engine

import (
	"strings"

	"github.com/markdave123-py/docbot/internal/core"
)

// fragment is one line of extracted text with its source page.
type fragment struct {
	text   string
	page   int
	tokens int
}

// Chunker groups extracted lines into token-bounded chunks. Consecutive chunks
// share up to OverlapTokens of trailing lines.
type Chunker struct {
	targetTokens  int
	overlapTokens int
}

func NewChunker(targetTokens, overlapTokens int) *Chunker {
	if targetTokens <= 0 {
		targetTokens = 400
	}
	if overlapTokens < 0 || overlapTokens >= targetTokens {
		overlapTokens = 0
	}
	return &Chunker{targetTokens: targetTokens, overlapTokens: overlapTokens}
}

// Split returns chunks with positions 0..N-1. Empty input yields no chunks.
func (c *Chunker) Split(pages []core.Page) []chunk {
	var (
		out    []chunk
		buf    []fragment
		tokSum int
		fresh  int // fragments in buf not carried over from the previous chunk
	)

	// flush emits the current buffer as a chunk and seeds the next one with a
	// tail of at most overlapTokens. The whole buffer is never carried over.
	flush := func() {
		if fresh == 0 {
			return
		}
		texts := make([]string, len(buf))
		for i, f := range buf {
			texts[i] = f.text
		}
		out = append(out, chunk{
			Pos:      len(out),
			Text:     strings.Join(texts, "\n"),
			TokenCnt: tokSum,
			Page:     buf[len(buf)-fresh].page,
		})

		keepFrom := len(buf)
		remain := c.overlapTokens
		for j := len(buf) - 1; j > 0 && buf[j].tokens <= remain; j-- {
			remain -= buf[j].tokens
			keepFrom = j
		}
		buf = append([]fragment(nil), buf[keepFrom:]...)
		tokSum = 0
		for _, f := range buf {
			tokSum += f.tokens
		}
		fresh = 0
	}

	for _, p := range pages {
		for _, frag := range c.fragments(p) {
			buf = append(buf, frag)
			tokSum += frag.tokens
			fresh++
			if tokSum >= c.targetTokens {
				flush()
			}
		}
	}
	flush()
	return out
}

// fragments splits a page into non-empty lines, breaking any line longer than
// the chunk target into word windows.
func (c *Chunker) fragments(p core.Page) []fragment {
	var out []fragment
	for _, line := range strings.Split(p.Text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if approxTokens(line) <= c.targetTokens {
			out = append(out, fragment{text: line, page: p.Number, tokens: approxTokens(line)})
			continue
		}
		for _, piece := range splitLong(line, c.targetTokens) {
			out = append(out, fragment{text: piece, page: p.Number, tokens: approxTokens(piece)})
		}
	}
	return out
}

func splitLong(line string, maxTokens int) []string {
	maxRunes := maxTokens * 4
	var (
		out []string
		cur strings.Builder
	)
	push := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}
	for _, word := range strings.Fields(line) {
		for len([]rune(word)) > maxRunes {
			push()
			r := []rune(word)
			out = append(out, string(r[:maxRunes]))
			word = string(r[maxRunes:])
		}
		if cur.Len() > 0 && len([]rune(cur.String()))+1+len([]rune(word)) > maxRunes {
			push()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(word)
	}
	push()
	return out
}

// approxTokens is a cheap token estimator (~4 chars ≈ 1 token).
func approxTokens(s string) int {
	n := len([]rune(s))
	if n <= 0 {
		return 0
	}
	return (n + 3) / 4
}
