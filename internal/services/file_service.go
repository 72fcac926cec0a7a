package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"mime"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/markdave123-py/docbot/internal/apperr"
	"github.com/markdave123-py/docbot/internal/core"
	"github.com/markdave123-py/docbot/internal/core/ingestion_engine"
	"github.com/markdave123-py/docbot/internal/core/queue"
	"github.com/markdave123-py/docbot/internal/core/ratelimit"
	"github.com/markdave123-py/docbot/internal/models"
	"github.com/markdave123-py/docbot/pkg/logger"
)

const maxFileNameLen = 255

type FileServiceConfig struct {
	MaxFileSize   int64
	SizeTolerance float64
	UploadURLTTL  time.Duration
	CallbackURL   string
}

type FileService struct {
	db         core.DbClient
	storage    core.ObjectClient
	dispatcher queue.Dispatcher
	limiter    ratelimit.Limiter
	cfg        FileServiceConfig
	now        func() time.Time
}

func NewFileService(db core.DbClient, storage core.ObjectClient, dispatcher queue.Dispatcher, limiter ratelimit.Limiter, cfg FileServiceConfig) *FileService {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 50 << 20
	}
	if cfg.SizeTolerance <= 0 {
		cfg.SizeTolerance = 0.01
	}
	if cfg.UploadURLTTL <= 0 {
		cfg.UploadURLTTL = 15 * time.Minute
	}
	return &FileService{db: db, storage: storage, dispatcher: dispatcher, limiter: limiter, cfg: cfg, now: time.Now}
}

// ObjectKey is the only valid storage path for a file.
func ObjectKey(ownerID, fileID string) string {
	return ownerID + "/" + fileID
}

type UploadTicket struct {
	UploadURL   string    `json:"uploadUrl"`
	FileID      string    `json:"fileId"`
	StoragePath string    `json:"storagePath"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type FinalizeInput struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	ContentType string `json:"fileType"`
	Size        int64  `json:"fileSize"`
	StoragePath string `json:"storagePath"`
}

// Download is an open object stream. The caller closes Body.
type Download struct {
	File        *models.File
	Body        io.ReadCloser
	Disposition string
}

func (s *FileService) validate(name, contentType string, size int64) (string, string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", "", apperr.Validationf("file name is required")
	case utf8.RuneCountInString(name) > maxFileNameLen:
		return "", "", apperr.Validationf("file name is longer than %d characters", maxFileNameLen)
	case strings.ContainsAny(name, "/\\\x00"):
		return "", "", apperr.Validationf("file name must not contain path separators")
	}
	ct := ingestion_engine.NormalizeContentType(contentType)
	if !ingestion_engine.Supports(ct) {
		return "", "", apperr.Validationf("unsupported file type %q", contentType)
	}
	if size <= 0 {
		return "", "", apperr.Validationf("file size must be positive")
	}
	if size > s.cfg.MaxFileSize {
		return "", "", apperr.Validationf("file exceeds the %d byte limit", s.cfg.MaxFileSize)
	}
	return name, ct, nil
}

// CreateUploadURL mints a file id and a presigned PUT for it. Nothing is
// recorded until FinalizeUpload.
func (s *FileService) CreateUploadURL(ctx context.Context, ownerID, name, contentType string, size int64) (*UploadTicket, error) {
	_, ct, err := s.validate(name, contentType, size)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	key := ObjectKey(ownerID, id)

	url, err := s.storage.PresignUpload(ctx, key, ct, size, s.cfg.UploadURLTTL)
	if err != nil {
		return nil, fmt.Errorf("presign upload: %w", err)
	}
	return &UploadTicket{UploadURL: url, FileID: id, StoragePath: key, ExpiresAt: s.now().Add(s.cfg.UploadURLTTL)}, nil
}

// FinalizeUpload verifies the uploaded object, records the file as pending and
// dispatches ingestion. On any failure after the object was checked, the
// object is removed and no record remains.
func (s *FileService) FinalizeUpload(ctx context.Context, ownerID string, in FinalizeInput) (*models.File, error) {
	name, ct, err := s.validate(in.FileName, in.ContentType, in.Size)
	if err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(in.FileID); err != nil {
		return nil, apperr.Validationf("invalid file id")
	}
	key := ObjectKey(ownerID, in.FileID)
	if in.StoragePath != key {
		return nil, apperr.Validationf("storage path does not match file").WithCode(apperr.CodeLocatorMismatch)
	}
	l := log.With("ownerId", ownerID, "fileId", in.FileID)

	existing, err := s.db.GetFile(ctx, in.FileID)
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}
	if existing != nil {
		// The object belongs to that record; leave it alone.
		return nil, alreadyFinalized(in.FileID)
	}

	info, err := s.storage.StatObject(ctx, key)
	if errors.Is(err, core.ErrObjectNotFound) {
		return nil, apperr.NotFoundf("uploaded object not found in storage").WithCode(apperr.CodeStorageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat object: %w", err)
	}

	if !withinTolerance(info.Size, in.Size, s.cfg.SizeTolerance) {
		s.removeObject(ctx, key, l)
		return nil, apperr.Conflictf("stored size %d does not match declared size %d", info.Size, in.Size).
			WithCode(apperr.CodeSizeMismatch)
	}

	dup, err := s.db.GetFileByName(ctx, ownerID, name)
	if err != nil {
		s.removeObject(ctx, key, l)
		return nil, fmt.Errorf("check duplicate name: %w", err)
	}
	if dup != nil {
		if dup.ID == in.FileID {
			// A concurrent finalize of the same upload won.
			return nil, alreadyFinalized(in.FileID)
		}
		s.removeObject(ctx, key, l)
		return nil, duplicateName(name)
	}

	now := s.now()
	f := &models.File{
		ID:          in.FileID,
		OwnerID:     ownerID,
		FileName:    name,
		ContentType: ct,
		Size:        in.Size,
		StoragePath: key,
		Status:      models.StatusPending,
		Attempt:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.CreateFile(ctx, f); err != nil {
		if errors.Is(err, core.ErrFileExists) || s.recordExists(ctx, f.ID) {
			return nil, alreadyFinalized(in.FileID)
		}
		s.removeObject(ctx, key, l)
		if errors.Is(err, core.ErrDuplicateName) {
			return nil, duplicateName(name)
		}
		return nil, fmt.Errorf("create file: %w", err)
	}

	if err := s.enqueue(ctx, f); err != nil {
		cleanup := context.WithoutCancel(ctx)
		if derr := s.db.DeleteFile(cleanup, f.ID); derr != nil {
			l.Error("rollback of file record failed", "error", derr)
		}
		s.removeObject(ctx, key, l)
		return nil, apperr.Wrap(apperr.Internal, "could not schedule ingestion", err)
	}

	l.Info("file finalized", "name", name, "size", in.Size)
	return f, nil
}

// UploadDirect streams a body through the API into storage and then runs the
// same finalization as the presigned flow.
func (s *FileService) UploadDirect(ctx context.Context, ownerID, name, contentType string, size int64, body io.Reader) (*models.File, error) {
	name, ct, err := s.validate(name, contentType, size)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	key := ObjectKey(ownerID, id)

	if err := s.storage.UploadFile(ctx, key, io.LimitReader(body, s.cfg.MaxFileSize+1), ct); err != nil {
		return nil, fmt.Errorf("upload object: %w", err)
	}
	return s.FinalizeUpload(ctx, ownerID, FinalizeInput{
		FileID: id, FileName: name, ContentType: ct, Size: size, StoragePath: key,
	})
}

func (s *FileService) Get(ctx context.Context, ownerID, id string) (*models.File, error) {
	f, err := s.db.GetFile(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load file: %w", err)
	}
	// Another owner's file is reported exactly like a missing one.
	if f == nil || f.OwnerID != ownerID {
		return nil, apperr.NotFoundf("file not found")
	}
	return f, nil
}

func (s *FileService) List(ctx context.Context, ownerID string) ([]models.File, error) {
	files, err := s.db.ListFilesByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// Retry returns the file to pending under a new attempt and dispatches it.
// A run still in flight for the old attempt can no longer write results.
func (s *FileService) Retry(ctx context.Context, ownerID, id string) (*models.File, error) {
	f, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !f.Status.CanTransitionTo(models.StatusPending) {
		return nil, apperr.Conflictf("file in status %s cannot be retried", f.Status)
	}

	f, err = s.db.ResetForRetry(ctx, id, s.now())
	if err != nil {
		return nil, fmt.Errorf("reset file: %w", err)
	}
	if f == nil {
		return nil, apperr.NotFoundf("file not found")
	}
	if err := s.enqueue(ctx, f); err != nil {
		// Nothing will claim this attempt; fail it so the file can be retried again.
		finished := s.now()
		meta := models.StatusMeta{Stage: "dispatch", Error: "could not schedule ingestion", FinishedAt: &finished}
		if ferr := s.db.FailFile(context.WithoutCancel(ctx), id, f.Attempt, meta); ferr != nil {
			log.Error("recording dispatch failure failed", "fileId", id, "attempt", f.Attempt, "error", ferr)
		}
		return nil, apperr.Wrap(apperr.Internal, "could not schedule ingestion", err)
	}
	log.Info("file queued for retry", "fileId", id, "attempt", f.Attempt)
	return f, nil
}

// Delete removes the stored object, then chunks, associations and the
// record. A storage failure is logged and does not block the rest.
func (s *FileService) Delete(ctx context.Context, ownerID, id string) error {
	f, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	l := log.With("fileId", id)
	s.removeObject(ctx, f.StoragePath, l)
	if err := s.db.DeleteFile(ctx, id); err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	l.Info("file deleted")
	return nil
}

// OpenDownload checks the per-owner download budget before touching storage.
func (s *FileService) OpenDownload(ctx context.Context, ownerID, id string) (*Download, error) {
	if s.limiter != nil {
		d, err := s.limiter.Allow(ctx, ownerID)
		switch {
		case err != nil:
			log.Warn("rate limiter unavailable, allowing download", "error", err)
		case !d.Allowed:
			return nil, apperr.Limited(d.RetryAfter)
		}
	}

	f, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	body, err := s.storage.GetObjectReader(ctx, f.StoragePath)
	if errors.Is(err, core.ErrObjectNotFound) {
		return nil, apperr.NotFoundf("file content not found").WithCode(apperr.CodeStorageNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return &Download{File: f, Body: body, Disposition: disposition(f)}, nil
}

func (s *FileService) enqueue(ctx context.Context, f *models.File) error {
	payload, err := ingestion_engine.Job{FileID: f.ID, Attempt: f.Attempt}.Encode()
	if err != nil {
		return err
	}
	ack, err := s.dispatcher.Enqueue(ctx, s.cfg.CallbackURL, payload)
	if err != nil {
		return err
	}
	log.Debug("ingestion dispatched", "fileId", f.ID, "attempt", f.Attempt, "ack", ack.ID)
	return nil
}

func (s *FileService) removeObject(ctx context.Context, key string, l *logger.Logger) {
	if err := s.storage.DeleteFile(context.WithoutCancel(ctx), key); err != nil && !errors.Is(err, core.ErrObjectNotFound) {
		l.Warn("could not delete stored object", "key", key, "error", err)
	}
}

func alreadyFinalized(id string) error {
	return apperr.Conflictf("file %s is already finalized", id)
}

// recordExists reports whether a record with id is present. A lookup error
// counts as present so the object is never removed on uncertainty.
func (s *FileService) recordExists(ctx context.Context, id string) bool {
	f, err := s.db.GetFile(context.WithoutCancel(ctx), id)
	return err != nil || f != nil
}

func duplicateName(name string) error {
	return apperr.Conflictf("a file named %q already exists", name).WithCode(apperr.CodeDuplicateName)
}

func withinTolerance(actual, declared int64, tolerance float64) bool {
	diff := math.Abs(float64(actual - declared))
	return diff <= float64(declared)*tolerance
}

// Types a browser can render are served inline, the rest as attachments.
var inlineTypes = map[string]bool{
	"application/pdf":  true,
	"text/plain":       true,
	"text/markdown":    true,
	"text/csv":         true,
	"application/json": true,
}

func disposition(f *models.File) string {
	kind := "attachment"
	if inlineTypes[f.ContentType] {
		kind = "inline"
	}
	if v := mime.FormatMediaType(kind, map[string]string{"filename": f.FileName}); v != "" {
		return v
	}
	return kind
}
