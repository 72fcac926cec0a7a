package services

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docbot/internal/apperr"
	db "github.com/markdave123-py/docbot/internal/core/database"
	"github.com/markdave123-py/docbot/internal/core/ingestion_engine"
	"github.com/markdave123-py/docbot/internal/core/llm"
	objectclient "github.com/markdave123-py/docbot/internal/core/object-client"
	"github.com/markdave123-py/docbot/internal/core/ratelimit"
	"github.com/markdave123-py/docbot/internal/models"
)

const (
	owner       = "user-1"
	callbackURL = "http://localhost:8080/api/ingest/callback"
)

type fileFixture struct {
	db   *db.MemoryClient
	obj  *objectclient.MemoryClient
	disp *recordingDispatcher
	svc  *FileService
}

func newFileFixture(t *testing.T, limiter ratelimit.Limiter) *fileFixture {
	t.Helper()
	store := db.NewMemoryClient()
	obj := objectclient.NewMemoryClient()
	disp := &recordingDispatcher{}
	svc := NewFileService(store, obj, disp, limiter, FileServiceConfig{
		MaxFileSize: 50 << 20, SizeTolerance: 0.01, UploadURLTTL: time.Minute, CallbackURL: callbackURL,
	})
	return &fileFixture{db: store, obj: obj, disp: disp, svc: svc}
}

// upload performs the client half of the handshake: ticket, then direct PUT.
func (f *fileFixture) upload(t *testing.T, name, ct string, declared, actual int) FinalizeInput {
	t.Helper()
	ticket, err := f.svc.CreateUploadURL(context.Background(), owner, name, ct, int64(declared))
	require.NoError(t, err)
	if actual > 0 {
		f.obj.Put(ticket.StoragePath, make([]byte, actual), ct)
	}
	return FinalizeInput{FileID: ticket.FileID, FileName: name, ContentType: ct, Size: int64(declared), StoragePath: ticket.StoragePath}
}

func TestCreateUploadURL(t *testing.T) {
	f := newFileFixture(t, nil)
	ticket, err := f.svc.CreateUploadURL(context.Background(), owner, "notes.md", "text/markdown", 1200)
	require.NoError(t, err)
	assert.Equal(t, owner+"/"+ticket.FileID, ticket.StoragePath)
	assert.NotEmpty(t, ticket.UploadURL)

	_, err = f.svc.CreateUploadURL(context.Background(), owner, "movie.mp4", "video/mp4", 1200)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	_, err = f.svc.CreateUploadURL(context.Background(), owner, "big.pdf", "application/pdf", 51<<20)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	_, err = f.svc.CreateUploadURL(context.Background(), owner, "  ", "application/pdf", 10)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestFinalizeUpload_SyllabusIngestsToCompletion(t *testing.T) {
	f := newFileFixture(t, nil)
	ctx := context.Background()
	in := f.upload(t, "syllabus.pdf", "application/pdf", 2_000_000, 2_000_000)

	file, err := f.svc.FinalizeUpload(ctx, owner, in)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, file.Status)
	require.Equal(t, 1, f.disp.count())
	assert.Equal(t, callbackURL, f.disp.urls[0])

	files, err := f.svc.List(ctx, owner)
	require.NoError(t, err)
	require.Len(t, files, 1)

	job, err := ingestion_engine.DecodeJob(f.disp.payloads[0])
	require.NoError(t, err)
	assert.Equal(t, ingestion_engine.Job{FileID: file.ID, Attempt: 1}, job)

	text := strings.Repeat("Week one covers the course policies and grading scheme.\n", 40)
	ing := ingestion_engine.NewDocumentIngestor(f.db, f.obj, llm.NewHashEmbedder(32), pagesExtractor{text: text},
		&ingestion_engine.IngestConfig{TargetTokens: 60, OverlapTokens: 10, EmbedDim: 32})
	res, err := ing.ProcessOne(ctx, job)
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, owner, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Greater(t, got.StatusMeta.ChunkCount, 0)
	assert.Equal(t, res.ChunkCount, got.StatusMeta.ChunkCount)
}

func TestFinalizeUpload_MissingObject(t *testing.T) {
	f := newFileFixture(t, nil)
	in := f.upload(t, "syllabus.pdf", "application/pdf", 2_000_000, 0)

	_, err := f.svc.FinalizeUpload(context.Background(), owner, in)
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeStorageNotFound, apperr.CodeOf(err))

	files, _ := f.svc.List(context.Background(), owner)
	assert.Empty(t, files)
	assert.Zero(t, f.disp.count())
}

func TestFinalizeUpload_SizeTolerance(t *testing.T) {
	f := newFileFixture(t, nil)

	in := f.upload(t, "close.pdf", "application/pdf", 2_000_000, 1_990_000)
	_, err := f.svc.FinalizeUpload(context.Background(), owner, in)
	require.NoError(t, err)

	in = f.upload(t, "far.pdf", "application/pdf", 2_000_000, 1_000_000)
	_, err = f.svc.FinalizeUpload(context.Background(), owner, in)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeSizeMismatch, apperr.CodeOf(err))
	assert.False(t, f.obj.Has(in.StoragePath), "orphaned object must be removed")
	assert.Equal(t, 1, f.disp.count())
}

func TestFinalizeUpload_DuplicateName(t *testing.T) {
	f := newFileFixture(t, nil)
	ctx := context.Background()

	first := f.upload(t, "syllabus.pdf", "application/pdf", 1000, 1000)
	_, err := f.svc.FinalizeUpload(ctx, owner, first)
	require.NoError(t, err)

	second := f.upload(t, "syllabus.pdf", "application/pdf", 1000, 1000)
	_, err = f.svc.FinalizeUpload(ctx, owner, second)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeDuplicateName, apperr.CodeOf(err))
	assert.False(t, f.obj.Has(second.StoragePath))
	assert.True(t, f.obj.Has(first.StoragePath))
	assert.Equal(t, 1, f.disp.count())
}

func TestFinalizeUpload_LocatorMismatch(t *testing.T) {
	f := newFileFixture(t, nil)
	in := f.upload(t, "syllabus.pdf", "application/pdf", 1000, 1000)
	in.StoragePath = "someone-else/" + in.FileID

	_, err := f.svc.FinalizeUpload(context.Background(), owner, in)
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Equal(t, apperr.CodeLocatorMismatch, apperr.CodeOf(err))

	// Another user cannot finalize this upload under their own id either.
	_, err = f.svc.FinalizeUpload(context.Background(), "user-2", FinalizeInput{
		FileID: in.FileID, FileName: in.FileName, ContentType: in.ContentType, Size: in.Size,
		StoragePath: owner + "/" + in.FileID,
	})
	assert.Equal(t, apperr.CodeLocatorMismatch, apperr.CodeOf(err))
}

func TestFinalizeUpload_Twice(t *testing.T) {
	f := newFileFixture(t, nil)
	in := f.upload(t, "syllabus.pdf", "application/pdf", 1000, 1000)
	_, err := f.svc.FinalizeUpload(context.Background(), owner, in)
	require.NoError(t, err)

	_, err = f.svc.FinalizeUpload(context.Background(), owner, in)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.True(t, f.obj.Has(in.StoragePath))
	assert.Equal(t, 1, f.disp.count())
}

func TestFinalizeUpload_ConcurrentFinalizeKeepsObject(t *testing.T) {
	f := newFileFixture(t, nil)
	ctx := context.Background()
	in := f.upload(t, "syllabus.pdf", "application/pdf", 1000, 1000)
	_, err := f.svc.FinalizeUpload(ctx, owner, in)
	require.NoError(t, err)

	cases := map[string]FinalizeInput{
		"same name":      in,
		"different name": {FileID: in.FileID, FileName: "renamed.pdf", ContentType: in.ContentType, Size: in.Size, StoragePath: in.StoragePath},
	}
	for name, again := range cases {
		t.Run(name, func(t *testing.T) {
			racer := NewFileService(&laggingDB{DbClient: f.db, misses: 1}, f.obj, f.disp, nil, f.svc.cfg)

			_, err := racer.FinalizeUpload(ctx, owner, again)
			assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
			assert.Empty(t, apperr.CodeOf(err))
			assert.True(t, f.obj.Has(in.StoragePath))

			stored, err := f.db.GetFile(ctx, in.FileID)
			require.NoError(t, err)
			assert.Equal(t, models.StatusPending, stored.Status)
			assert.Equal(t, "syllabus.pdf", stored.FileName)
			assert.Equal(t, 1, f.disp.count())
		})
	}
}

func TestFinalizeUpload_EnqueueFailureRollsBack(t *testing.T) {
	f := newFileFixture(t, nil)
	f.disp.err = errors.New("broker down")
	in := f.upload(t, "syllabus.pdf", "application/pdf", 1000, 1000)

	_, err := f.svc.FinalizeUpload(context.Background(), owner, in)
	require.Error(t, err)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))

	files, _ := f.svc.List(context.Background(), owner)
	assert.Empty(t, files)
	assert.False(t, f.obj.Has(in.StoragePath))
}

func TestUploadDirect(t *testing.T) {
	f := newFileFixture(t, nil)
	body := "line one\nline two\n"

	file, err := f.svc.UploadDirect(context.Background(), owner, "notes.txt", "text/plain; charset=utf-8", int64(len(body)), strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, "text/plain", file.ContentType)
	assert.Equal(t, owner+"/"+file.ID, file.StoragePath)
	assert.True(t, f.obj.Has(file.StoragePath))
	assert.Equal(t, 1, f.disp.count())
}

func TestRetry(t *testing.T) {
	f := newFileFixture(t, nil)
	ctx := context.Background()
	file, err := f.svc.FinalizeUpload(ctx, owner, f.upload(t, "a.pdf", "application/pdf", 100, 100))
	require.NoError(t, err)

	retried, err := f.svc.Retry(ctx, owner, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Equal(t, 2, retried.Attempt)
	require.Equal(t, 2, f.disp.count())

	job, err := ingestion_engine.DecodeJob(f.disp.payloads[1])
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempt)

	_, err = f.svc.Retry(ctx, "user-2", file.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestRetry_DispatchFailureMarksFailed(t *testing.T) {
	f := newFileFixture(t, nil)
	ctx := context.Background()
	file, err := f.svc.FinalizeUpload(ctx, owner, f.upload(t, "a.pdf", "application/pdf", 100, 100))
	require.NoError(t, err)

	f.disp.err = errors.New("broker down")
	_, err = f.svc.Retry(ctx, owner, file.ID)
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))

	stored, err := f.svc.Get(ctx, owner, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, stored.Status)
	assert.Equal(t, 2, stored.Attempt)
	assert.Equal(t, "dispatch", stored.StatusMeta.Stage)

	f.disp.err = nil
	retried, err := f.svc.Retry(ctx, owner, file.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Equal(t, 3, retried.Attempt)
}

func TestDelete(t *testing.T) {
	f := newFileFixture(t, nil)
	ctx := context.Background()
	file, err := f.svc.FinalizeUpload(ctx, owner, f.upload(t, "a.pdf", "application/pdf", 100, 100))
	require.NoError(t, err)

	bots := NewChatbotService(f.db, "gemini-1.5-flash")
	bot, err := bots.Create(ctx, owner, CreateChatbotInput{Name: "Course helper"})
	require.NoError(t, err)
	require.NoError(t, bots.AttachFile(ctx, owner, bot.ID, file.ID))

	assert.Equal(t, apperr.NotFound, apperr.KindOf(f.svc.Delete(ctx, "user-2", file.ID)))

	require.NoError(t, f.svc.Delete(ctx, owner, file.ID))
	assert.False(t, f.obj.Has(file.StoragePath))
	_, err = f.svc.Get(ctx, owner, file.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	attached, err := bots.ListFiles(ctx, owner, bot.ID)
	require.NoError(t, err)
	assert.Empty(t, attached)
}

func TestDelete_StorageFailureDoesNotBlock(t *testing.T) {
	f := newFileFixture(t, nil)
	ctx := context.Background()
	file, err := f.svc.FinalizeUpload(ctx, owner, f.upload(t, "a.pdf", "application/pdf", 100, 100))
	require.NoError(t, err)
	require.NoError(t, f.obj.DeleteFile(ctx, file.StoragePath))

	require.NoError(t, f.svc.Delete(ctx, owner, file.ID))
	_, err = f.svc.Get(ctx, owner, file.ID)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestOpenDownload_RateLimited(t *testing.T) {
	f := newFileFixture(t, ratelimit.NewMemoryLimiter(2, time.Minute))
	ctx := context.Background()
	file, err := f.svc.FinalizeUpload(ctx, owner, f.upload(t, "a.pdf", "application/pdf", 100, 100))
	require.NoError(t, err)

	for range 2 {
		dl, err := f.svc.OpenDownload(ctx, owner, file.ID)
		require.NoError(t, err)
		data, err := io.ReadAll(dl.Body)
		require.NoError(t, err)
		assert.Len(t, data, 100)
		assert.Equal(t, `inline; filename=a.pdf`, dl.Disposition)
		require.NoError(t, dl.Body.Close())
	}

	_, err = f.svc.OpenDownload(ctx, owner, file.ID)
	require.Error(t, err)
	assert.Equal(t, apperr.RateLimited, apperr.KindOf(err))
	assert.Greater(t, apperr.RetryAfterOf(err), time.Duration(0))
}

func TestDisposition(t *testing.T) {
	assert.Equal(t, "inline; filename=a.pdf", disposition(&models.File{FileName: "a.pdf", ContentType: "application/pdf"}))
	assert.Equal(t, `attachment; filename="my report.docx"`, disposition(&models.File{
		FileName: "my report.docx", ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	}))
}
