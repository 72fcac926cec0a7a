package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/markdave123-py/docbot/internal/apperr"
	"github.com/markdave123-py/docbot/internal/core"
	"github.com/markdave123-py/docbot/internal/metrics"
	"github.com/markdave123-py/docbot/internal/models"
	"github.com/markdave123-py/docbot/pkg/logger"
)

var log = logger.NewLogger("ingestion")

// errNoText marks documents that parsed but produced nothing to index.
var errNoText = errors.New("no extractable text")

const (
	stageFetch   = "fetch"
	stageExtract = "extract"
	stageChunk   = "chunk"
	stageEmbed   = "embed"
	stagePersist = "persist"
)

// stageError records which step of the pipeline failed.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func failAt(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

var _ Ingestor = (*DocumentIngestor)(nil)

func NewDocumentIngestor(db core.DbClient, obj core.ObjectClient, emb core.EmbeddingProvider, extractor core.DocumentExtractor, cfg *IngestConfig) *DocumentIngestor {
	if cfg == nil {
		cfg = &IngestConfig{}
	}
	return &DocumentIngestor{
		db: db, obj: obj, embedder: emb, extractor: extractor,
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// ProcessOne claims the file named by job and runs the pipeline. A job that
// cannot claim the file is a no-op and reports the file's current state.
// Once claimed, the file always leaves processing before ProcessOne returns,
// unless a retry has superseded this attempt.
func (i *DocumentIngestor) ProcessOne(ctx context.Context, job Job) (Result, error) {
	// Work continues even if the delivering request goes away.
	ctx = context.WithoutCancel(ctx)
	l := log.With("fileId", job.FileID)

	f, err := i.db.GetFile(ctx, job.FileID)
	if err != nil {
		return Result{FileID: job.FileID}, fmt.Errorf("load file: %w", err)
	}
	if f == nil {
		l.Info("file no longer exists, dropping job")
		return Result{FileID: job.FileID, Skipped: true}, nil
	}
	attempt := job.Attempt
	if attempt == 0 {
		attempt = f.Attempt
	}

	startedAt := i.now()
	claimed, err := i.db.ClaimFile(ctx, f.ID, attempt, startedAt)
	if err != nil {
		return Result{FileID: f.ID, Status: f.Status}, fmt.Errorf("claim file: %w", err)
	}
	if !claimed {
		return i.current(ctx, f.ID, l)
	}

	l = l.With("attempt", attempt)
	l.Info("claimed file", "contentType", f.ContentType, "size", f.Size)
	metrics.IncrementActiveIngestions()
	defer metrics.DecrementActiveIngestions()

	procCtx, cancel := context.WithTimeout(ctx, i.cfg.ProcessTimeout)
	defer cancel()

	count, runErr := i.run(procCtx, f, attempt, startedAt)
	elapsed := i.now().Sub(startedAt)

	switch {
	case runErr == nil:
		metrics.CaptureIngestion("completed", elapsed, count)
		l.Info("file completed", "chunks", count, "elapsed", elapsed)
		return Result{FileID: f.ID, Status: models.StatusCompleted, ChunkCount: count}, nil

	case errors.Is(runErr, core.ErrStaleAttempt):
		metrics.CaptureIngestion("superseded", elapsed, 0)
		l.Warn("attempt superseded, discarding results")
		return i.current(ctx, f.ID, l)
	}

	stage := stageFetch
	var se *stageError
	if errors.As(runErr, &se) {
		stage = se.stage
	}
	finished := i.now()
	meta := models.StatusMeta{Stage: stage, Error: runErr.Error(), StartedAt: &startedAt, FinishedAt: &finished}

	failCtx, failCancel := context.WithTimeout(ctx, 30*time.Second)
	defer failCancel()
	if err := i.db.FailFile(failCtx, f.ID, attempt, meta); err != nil {
		if errors.Is(err, core.ErrStaleAttempt) {
			l.Warn("attempt superseded before failure was recorded", "error", runErr)
			return i.current(ctx, f.ID, l)
		}
		l.Error("could not record failure", "error", err, "cause", runErr)
		return Result{FileID: f.ID, Status: models.StatusProcessing}, fmt.Errorf("record failure: %w", err)
	}

	metrics.CaptureIngestion("failed", elapsed, 0)
	l.Error("file failed", "stage", stage, "error", runErr)
	return Result{FileID: f.ID, Status: models.StatusFailed}, apperr.Wrap(apperr.Upstream, "ingestion failed at "+stage, runErr)
}

func (i *DocumentIngestor) current(ctx context.Context, id string, l *logger.Logger) (Result, error) {
	f, err := i.db.GetFile(ctx, id)
	if err != nil {
		return Result{FileID: id, Skipped: true}, fmt.Errorf("load file: %w", err)
	}
	if f == nil {
		return Result{FileID: id, Skipped: true}, nil
	}
	count, err := i.db.CountChunks(ctx, id)
	if err != nil {
		return Result{FileID: id, Status: f.Status, Skipped: true}, fmt.Errorf("count chunks: %w", err)
	}
	l.Info("job did not claim file", "status", f.Status, "chunks", count)
	return Result{FileID: id, Status: f.Status, ChunkCount: count, Skipped: true}, nil
}

// run executes fetch, extract, chunk, embed and persist. Panics are turned into errors.
func (i *DocumentIngestor) run(ctx context.Context, f *models.File, attempt int, startedAt time.Time) (count int, err error) {
	stage := stageFetch
	defer func() {
		if r := recover(); r != nil {
			err = failAt(stage, fmt.Errorf("panic: %v", r))
		}
	}()

	start := time.Now()
	data, err := i.obj.GetFile(ctx, f.StoragePath)
	metrics.CaptureDependencyLatency("object_get", time.Since(start))
	if err != nil {
		return 0, failAt(stageFetch, err)
	}

	stage = stageExtract
	extractCtx, cancel := context.WithTimeout(ctx, i.cfg.ExtractTimeout)
	extracted, err := i.extractor.ExtractText(extractCtx, data, f.ContentType)
	cancel()
	if err != nil {
		return 0, failAt(stageExtract, err)
	}
	if extracted == nil || extracted.Empty() {
		return 0, failAt(stageExtract, errNoText)
	}

	stage = stageChunk
	parts := NewChunker(i.cfg.TargetTokens, i.cfg.OverlapTokens).Split(extracted.Pages)
	if len(parts) == 0 {
		return 0, failAt(stageChunk, errNoText)
	}

	stage = stageEmbed
	vecs, err := i.embedAll(ctx, parts)
	if err != nil {
		return 0, failAt(stageEmbed, err)
	}

	stage = stagePersist
	now := i.now()
	rows := make([]models.Chunk, len(parts))
	for k, p := range parts {
		rows[k] = models.Chunk{
			ID:         uuid.NewString(),
			FileID:     f.ID,
			ChunkIndex: p.Pos,
			Content:    p.Text,
			Embedding:  vecs[k],
			TokenCount: p.TokenCnt,
			Metadata:   models.ChunkMetadata{PageNumber: p.Page},
			CreatedAt:  now,
		}
	}

	meta := models.StatusMeta{Stage: "done", ChunkCount: len(rows), StartedAt: &startedAt, FinishedAt: &now}
	if err := i.db.CompleteFile(ctx, f.ID, attempt, rows, meta); err != nil {
		if errors.Is(err, core.ErrStaleAttempt) {
			return 0, err
		}
		return 0, failAt(stagePersist, err)
	}
	return len(rows), nil
}

// embedAll embeds chunks in batches with bounded parallelism. Results are
// index-aligned with parts.
func (i *DocumentIngestor) embedAll(ctx context.Context, parts []chunk) ([][]float32, error) {
	out := make([][]float32, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.cfg.EmbedConcurrency)

	for off := 0; off < len(parts); off += i.cfg.BatchSize {
		end := min(off+i.cfg.BatchSize, len(parts))
		g.Go(func() error {
			texts := make([]string, end-off)
			for k := off; k < end; k++ {
				texts[k-off] = parts[k].Text
			}

			start := time.Now()
			vecs, err := i.embedder.EmbedTexts(gctx, texts)
			metrics.CaptureDependencyLatency("embed_batch", time.Since(start))
			if err != nil {
				return fmt.Errorf("embed: %w", err)
			}
			if len(vecs) != len(texts) {
				return fmt.Errorf("embed size mismatch: got %d want %d", len(vecs), len(texts))
			}
			for k, v := range vecs {
				if i.cfg.EmbedDim > 0 && len(v) != i.cfg.EmbedDim {
					return fmt.Errorf("embedding dimension %d, want %d", len(v), i.cfg.EmbedDim)
				}
				out[off+k] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
