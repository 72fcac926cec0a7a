package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/markdave123-py/docbot/internal/apperr"
	"github.com/markdave123-py/docbot/internal/core"
	"github.com/markdave123-py/docbot/internal/metrics"
	"github.com/markdave123-py/docbot/internal/models"
	"github.com/markdave123-py/docbot/pkg/logger"
)

var log = logger.NewLogger("retrieval")

type Options struct {
	TopK          int
	MinSimilarity float64
}

// Retriever ranks the chunks of a chatbot's attached files against a query.
type Retriever struct {
	db       core.DbClient
	embedder core.EmbeddingProvider
	opts     Options
}

func NewRetriever(db core.DbClient, embedder core.EmbeddingProvider, opts Options) *Retriever {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	return &Retriever{db: db, embedder: embedder, opts: opts}
}

// Retrieve returns at most k hits. An empty result is not an error: the chatbot
// may have no files, or nothing may clear the similarity floor.
func (r *Retriever) Retrieve(ctx context.Context, chatbotID, query string, k int) ([]models.ScoredChunk, error) {
	if k <= 0 {
		k = r.opts.TopK
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	files, err := r.db.ListChatbotFiles(ctx, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("list chatbot files: %w", err)
	}
	if len(files) == 0 {
		return nil, nil
	}

	start := time.Now()
	vec, err := r.embedder.EmbedQuery(ctx, query)
	metrics.CaptureDependencyLatency("embed_query", time.Since(start))
	if err != nil {
		return nil, apperr.Wrap(apperr.Upstream, "query embedding failed", err)
	}
	if want := r.embedder.Dimensions(); want > 0 && len(vec) != want {
		return nil, apperr.Wrap(apperr.Upstream, "query embedding failed",
			fmt.Errorf("got %d dimensions, want %d", len(vec), want))
	}

	start = time.Now()
	hits, err := r.db.SearchChunks(ctx, chatbotID, vec, k, r.opts.MinSimilarity)
	metrics.CaptureDependencyLatency("vector_search", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	SortScored(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	log.Debug("retrieved", "chatbotId", chatbotID, "files", len(files), "hits", len(hits))
	return hits, nil
}
