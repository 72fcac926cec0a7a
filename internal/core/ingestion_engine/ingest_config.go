package ingestion_engine

import (
	"time"

	"github.com/markdave123-py/docbot/internal/core"
)

// IngestConfig tunes the pipeline.
//
// TargetTokens:     approximate tokens per chunk (e.g., 400).
// OverlapTokens:    tokens carried from the end of one chunk into the next (e.g., 50).
// BatchSize:        chunks per embedding request.
// EmbedConcurrency: embedding requests in flight for one file.
// EmbedDim:         expected vector length; 0 skips the check.
// ExtractTimeout:   upper bound for text extraction.
// ProcessTimeout:   upper bound for one whole run.
type IngestConfig struct {
	TargetTokens     int
	OverlapTokens    int
	BatchSize        int
	EmbedConcurrency int
	EmbedDim         int
	ExtractTimeout   time.Duration
	ProcessTimeout   time.Duration
}

func (c *IngestConfig) withDefaults() *IngestConfig {
	out := *c
	if out.TargetTokens <= 0 {
		out.TargetTokens = 400
	}
	if out.OverlapTokens < 0 || out.OverlapTokens >= out.TargetTokens {
		out.OverlapTokens = 0
	}
	if out.BatchSize <= 0 {
		out.BatchSize = 16
	}
	if out.EmbedConcurrency <= 0 {
		out.EmbedConcurrency = 1
	}
	if out.ExtractTimeout <= 0 {
		out.ExtractTimeout = 2 * time.Minute
	}
	if out.ProcessTimeout <= 0 {
		out.ProcessTimeout = 5 * time.Minute
	}
	return &out
}

// chunk is the internal representation passed through the pipeline.
//
// Pos:      stable, zero-based position of the chunk inside the file.
// Text:     chunk content (built from one or more fragments).
// TokenCnt: approximate token count.
// Page:     page the chunk's first new fragment came from, 0 if unknown.
type chunk struct {
	Pos      int
	Text     string
	TokenCnt int
	Page     int
}

// DocumentIngestor drives one file through claim, extract, chunk, embed and persist.
//
// db:        persistence for files and chunks.
// obj:       object storage holding the raw bytes.
// embedder:  embedding provider (Gemini/OpenAI).
// extractor: text extraction by content type.
// cfg:       runtime tuning knobs for the pipeline.
type DocumentIngestor struct {
	db        core.DbClient
	obj       core.ObjectClient
	embedder  core.EmbeddingProvider
	extractor core.DocumentExtractor
	cfg       *IngestConfig
	now       func() time.Time
}
