package ingestion_engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docbot/internal/core"
)

// line returns a line of exactly tokens*4 runes.
func line(tokens int, ch string) string {
	return strings.Repeat(ch, tokens*4)
}

func TestChunker_OrdinalsAreContiguous(t *testing.T) {
	var lines []string
	for i := 0; i < 23; i++ {
		lines = append(lines, line(7, string(rune('a'+i%26))))
	}
	parts := NewChunker(20, 5).Split([]core.Page{{Text: strings.Join(lines, "\n")}})

	require.NotEmpty(t, parts)
	for i, p := range parts {
		assert.Equal(t, i, p.Pos)
		assert.NotEmpty(t, p.Text)
	}
}

func TestChunker_NoOverlapSplitsOnTarget(t *testing.T) {
	text := strings.Join([]string{line(10, "a"), line(10, "b"), line(10, "c"), line(10, "d"), line(10, "e")}, "\n")
	parts := NewChunker(10, 0).Split([]core.Page{{Text: text}})

	require.Len(t, parts, 5)
	assert.Equal(t, line(10, "c"), parts[2].Text)
	assert.Equal(t, 10, parts[2].TokenCnt)
}

func TestChunker_CarriesOverlapTail(t *testing.T) {
	text := strings.Join([]string{line(8, "a"), line(2, "b"), line(2, "c"), line(10, "d"), line(3, "e")}, "\n")
	parts := NewChunker(12, 3).Split([]core.Page{{Text: text}})

	require.Len(t, parts, 3)
	assert.Equal(t, line(8, "a")+"\n"+line(2, "b")+"\n"+line(2, "c"), parts[0].Text)
	// Only "c" fits in the overlap budget.
	assert.Equal(t, line(2, "c")+"\n"+line(10, "d"), parts[1].Text)
	assert.Equal(t, 12, parts[1].TokenCnt)
	// "d" alone exceeds the budget so nothing is carried.
	assert.Equal(t, line(3, "e"), parts[2].Text)
}

func TestChunker_OverlapNeverProducesOverlapOnlyChunk(t *testing.T) {
	text := strings.Join([]string{line(5, "a"), line(5, "b"), line(1, "c")}, "\n")
	parts := NewChunker(11, 4).Split([]core.Page{{Text: text}})

	require.Len(t, parts, 1)
	assert.Equal(t, 11, parts[0].TokenCnt)
}

func TestChunker_EmptyInput(t *testing.T) {
	assert.Empty(t, NewChunker(10, 2).Split(nil))
	assert.Empty(t, NewChunker(10, 2).Split([]core.Page{{Text: "  \n\n \t"}}))
}

func TestChunker_SplitsOversizeLines(t *testing.T) {
	words := make([]string, 100)
	for i := range words {
		words[i] = "word"
	}
	parts := NewChunker(10, 0).Split([]core.Page{{Text: strings.Join(words, " ")}})

	require.Greater(t, len(parts), 1)
	for _, p := range parts {
		assert.LessOrEqual(t, p.TokenCnt, 10)
	}
}

func TestChunker_TracksPageNumbers(t *testing.T) {
	pages := []core.Page{
		{Number: 1, Text: line(10, "a")},
		{Number: 2, Text: line(10, "b")},
	}
	parts := NewChunker(10, 0).Split(pages)

	require.Len(t, parts, 2)
	assert.Equal(t, 1, parts[0].Page)
	assert.Equal(t, 2, parts[1].Page)
}

func TestApproxTokens(t *testing.T) {
	assert.Equal(t, 0, approxTokens(""))
	assert.Equal(t, 1, approxTokens("abc"))
	assert.Equal(t, 2, approxTokens("abcde"))
	assert.Equal(t, 1, approxTokens("héé"))
}
