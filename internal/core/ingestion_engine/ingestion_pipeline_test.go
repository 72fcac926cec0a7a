package ingestion_engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docbot/internal/apperr"
	"github.com/markdave123-py/docbot/internal/core"
	db "github.com/markdave123-py/docbot/internal/core/database"
	"github.com/markdave123-py/docbot/internal/core/llm"
	objectclient "github.com/markdave123-py/docbot/internal/core/object-client"
	"github.com/markdave123-py/docbot/internal/models"
)

const testDim = 16

// stubExtractor returns fixed pages regardless of input.
type stubExtractor struct {
	pages []core.Page
	err   error
	panic bool
	calls atomic.Int32
}

func (s *stubExtractor) ExtractText(_ context.Context, _ []byte, _ string) (*core.ExtractedText, error) {
	s.calls.Add(1)
	if s.panic {
		panic("corrupt xref table")
	}
	if s.err != nil {
		return nil, s.err
	}
	return &core.ExtractedText{Pages: s.pages, Metadata: map[string]string{}}, nil
}

type failingEmbedder struct {
	*llm.HashEmbedder
	err error
}

func (f failingEmbedder) EmbedTexts(context.Context, []string) ([][]float32, error) {
	return nil, f.err
}

type harness struct {
	db   *db.MemoryClient
	obj  *objectclient.MemoryClient
	ing  *DocumentIngestor
	file *models.File
}

func fiveLines() []core.Page {
	var lines []string
	for _, w := range []string{"alpha", "bravo", "charlie", "delta", "echo"} {
		lines = append(lines, strings.Repeat(w[:1], 36)+" "+w[1:4])
	}
	return []core.Page{{Number: 1, Text: strings.Join(lines, "\n")}}
}

func newHarness(t *testing.T, ext core.DocumentExtractor, emb core.EmbeddingProvider) *harness {
	t.Helper()
	store := db.NewMemoryClient()
	obj := objectclient.NewMemoryClient()

	now := time.Now()
	f := &models.File{
		ID: "file-1", OwnerID: "user-1", FileName: "syllabus.pdf", ContentType: "application/pdf",
		Size: 2_000_000, StoragePath: "user-1/file-1", Status: models.StatusPending, Attempt: 1,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateFile(context.Background(), f))
	obj.Put(f.StoragePath, make([]byte, 2_000_000), f.ContentType)

	ing := NewDocumentIngestor(store, obj, emb, ext, &IngestConfig{
		TargetTokens: 10, OverlapTokens: 0, BatchSize: 2, EmbedConcurrency: 3, EmbedDim: testDim,
	})
	return &harness{db: store, obj: obj, ing: ing, file: f}
}

func (h *harness) reload(t *testing.T) *models.File {
	t.Helper()
	f, err := h.db.GetFile(context.Background(), h.file.ID)
	require.NoError(t, err)
	require.NotNil(t, f)
	return f
}

func TestProcessOne_CompletesFile(t *testing.T) {
	h := newHarness(t, &stubExtractor{pages: fiveLines()}, llm.NewHashEmbedder(testDim))

	res, err := h.ing.ProcessOne(context.Background(), Job{FileID: "file-1", Attempt: 1})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 5, res.ChunkCount)

	f := h.reload(t)
	assert.Equal(t, models.StatusCompleted, f.Status)
	assert.Equal(t, 5, f.StatusMeta.ChunkCount)
	assert.NotNil(t, f.StatusMeta.FinishedAt)

	chunks, err := h.db.GetChunksByFile(context.Background(), "file-1")
	require.NoError(t, err)
	require.Len(t, chunks, f.StatusMeta.ChunkCount)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.ChunkIndex)
		assert.Len(t, ch.Embedding, testDim)
		assert.Equal(t, 1, ch.Metadata.PageNumber)
	}
}

func TestProcessOne_RedeliveryIsNoop(t *testing.T) {
	ext := &stubExtractor{pages: fiveLines()}
	h := newHarness(t, ext, llm.NewHashEmbedder(testDim))
	ctx := context.Background()

	_, err := h.ing.ProcessOne(ctx, Job{FileID: "file-1", Attempt: 1})
	require.NoError(t, err)

	res, err := h.ing.ProcessOne(ctx, Job{FileID: "file-1", Attempt: 1})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 5, res.ChunkCount)
	assert.EqualValues(t, 1, ext.calls.Load(), "second delivery must not re-extract")

	n, _ := h.db.CountChunks(ctx, "file-1")
	assert.Equal(t, 5, n)
}

func TestProcessOne_RetryReplacesChunks(t *testing.T) {
	h := newHarness(t, &stubExtractor{pages: fiveLines()}, llm.NewHashEmbedder(testDim))
	ctx := context.Background()

	_, err := h.ing.ProcessOne(ctx, Job{FileID: "file-1"})
	require.NoError(t, err)

	f, err := h.db.ResetForRetry(ctx, "file-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, f.Status)

	res, err := h.ing.ProcessOne(ctx, Job{FileID: "file-1", Attempt: f.Attempt})
	require.NoError(t, err)
	assert.Equal(t, 5, res.ChunkCount)

	chunks, _ := h.db.GetChunksByFile(ctx, "file-1")
	assert.Len(t, chunks, 5, "old chunks must be replaced, not appended")
}

func TestProcessOne_StaleAttemptDoesNotClaim(t *testing.T) {
	h := newHarness(t, &stubExtractor{pages: fiveLines()}, llm.NewHashEmbedder(testDim))
	ctx := context.Background()

	_, err := h.db.ResetForRetry(ctx, "file-1", time.Now())
	require.NoError(t, err)

	res, err := h.ing.ProcessOne(ctx, Job{FileID: "file-1", Attempt: 1})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, models.StatusPending, h.reload(t).Status)
}

func TestProcessOne_NoTextFails(t *testing.T) {
	h := newHarness(t, &stubExtractor{pages: []core.Page{{Text: "   "}}}, llm.NewHashEmbedder(testDim))

	res, err := h.ing.ProcessOne(context.Background(), Job{FileID: "file-1"})
	require.Error(t, err)
	assert.Equal(t, apperr.Upstream, apperr.KindOf(err))
	assert.Equal(t, models.StatusFailed, res.Status)

	f := h.reload(t)
	assert.Equal(t, models.StatusFailed, f.Status)
	assert.Equal(t, stageExtract, f.StatusMeta.Stage)
	assert.Contains(t, f.StatusMeta.Error, "no extractable text")
}

func TestProcessOne_EmbedderErrorIsRecorded(t *testing.T) {
	emb := failingEmbedder{HashEmbedder: llm.NewHashEmbedder(testDim), err: errors.New("quota exceeded")}
	h := newHarness(t, &stubExtractor{pages: fiveLines()}, emb)

	_, err := h.ing.ProcessOne(context.Background(), Job{FileID: "file-1"})
	require.Error(t, err)

	f := h.reload(t)
	assert.Equal(t, models.StatusFailed, f.Status)
	assert.Equal(t, stageEmbed, f.StatusMeta.Stage)
	assert.Contains(t, f.StatusMeta.Error, "quota exceeded")
	n, _ := h.db.CountChunks(context.Background(), "file-1")
	assert.Zero(t, n)
}

func TestProcessOne_DimensionMismatchFails(t *testing.T) {
	h := newHarness(t, &stubExtractor{pages: fiveLines()}, llm.NewHashEmbedder(testDim+1))

	_, err := h.ing.ProcessOne(context.Background(), Job{FileID: "file-1"})
	require.Error(t, err)
	f := h.reload(t)
	assert.Equal(t, models.StatusFailed, f.Status)
	assert.Contains(t, f.StatusMeta.Error, "dimension")
}

func TestProcessOne_PanicIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t, &stubExtractor{panic: true}, llm.NewHashEmbedder(testDim))

	_, err := h.ing.ProcessOne(context.Background(), Job{FileID: "file-1"})
	require.Error(t, err)
	f := h.reload(t)
	assert.Equal(t, models.StatusFailed, f.Status)
	assert.Equal(t, stageExtract, f.StatusMeta.Stage)
	assert.Contains(t, f.StatusMeta.Error, "corrupt xref table")
}

func TestProcessOne_MissingObjectFailsAtFetch(t *testing.T) {
	h := newHarness(t, &stubExtractor{pages: fiveLines()}, llm.NewHashEmbedder(testDim))
	require.NoError(t, h.obj.DeleteFile(context.Background(), h.file.StoragePath))

	_, err := h.ing.ProcessOne(context.Background(), Job{FileID: "file-1"})
	require.Error(t, err)
	f := h.reload(t)
	assert.Equal(t, models.StatusFailed, f.Status)
	assert.Equal(t, stageFetch, f.StatusMeta.Stage)
}

func TestProcessOne_DeletedFileIsSkipped(t *testing.T) {
	h := newHarness(t, &stubExtractor{pages: fiveLines()}, llm.NewHashEmbedder(testDim))
	require.NoError(t, h.db.DeleteFile(context.Background(), "file-1"))

	res, err := h.ing.ProcessOne(context.Background(), Job{FileID: "file-1"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestProcessOne_CancelledCallerStillFinishes(t *testing.T) {
	h := newHarness(t, &stubExtractor{pages: fiveLines()}, llm.NewHashEmbedder(testDim))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.ing.ProcessOne(ctx, Job{FileID: "file-1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, res.Status)
}

func TestDecodeJob(t *testing.T) {
	j, err := DecodeJob([]byte(`{"fileId":" f-9 ","attempt":3}`))
	require.NoError(t, err)
	assert.Equal(t, Job{FileID: "f-9", Attempt: 3}, j)

	_, err = DecodeJob([]byte(`{"attempt":1}`))
	assert.Error(t, err)
	_, err = DecodeJob([]byte(`not json`))
	assert.Error(t, err)
}
