package core

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/markdave123-py/docbot/internal/models"
)

var (
	// ErrDuplicateName is returned when an owner already has a file with the same name.
	ErrDuplicateName = errors.New("file name already exists for owner")
	// ErrFileExists is returned when a record with the same file id exists.
	ErrFileExists = errors.New("file id already exists")
	// ErrStaleAttempt means the file moved on (retry, delete) while a run was in flight.
	ErrStaleAttempt = errors.New("ingestion attempt superseded")
	// ErrObjectNotFound is returned by the object client when the key does not exist.
	ErrObjectNotFound = errors.New("object not found")
)

// DbClient defines all persistence operations the services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
// Lookups return (nil, nil) when the row does not exist.
type DbClient interface {
	CreateFile(ctx context.Context, f *models.File) error
	GetFile(ctx context.Context, id string) (*models.File, error)
	GetFileByName(ctx context.Context, ownerID, name string) (*models.File, error)
	ListFilesByOwner(ctx context.Context, ownerID string) ([]models.File, error)
	// DeleteFile removes the file's chunks, its chatbot associations and the record.
	DeleteFile(ctx context.Context, id string) error

	// ClaimFile moves a pending file at the given attempt to processing.
	// It reports false when another delivery already owns or finished the file.
	ClaimFile(ctx context.Context, id string, attempt int, startedAt time.Time) (bool, error)
	// CompleteFile atomically replaces the file's chunk set and marks it completed.
	CompleteFile(ctx context.Context, id string, attempt int, chunks []models.Chunk, meta models.StatusMeta) error
	// FailFile marks a pending or processing file at the given attempt as failed.
	// Any other state or attempt yields ErrStaleAttempt.
	FailFile(ctx context.Context, id string, attempt int, meta models.StatusMeta) error
	// ResetForRetry returns the file to pending under a new attempt and clears its metadata.
	ResetForRetry(ctx context.Context, id string, retriedAt time.Time) (*models.File, error)

	CountChunks(ctx context.Context, fileID string) (int, error)
	GetChunksByFile(ctx context.Context, fileID string) ([]models.Chunk, error)
	// SearchChunks ranks chunks of files attached to chatbotID by cosine similarity.
	SearchChunks(ctx context.Context, chatbotID string, query []float32, k int, minSimilarity float64) ([]models.ScoredChunk, error)

	CreateChatbot(ctx context.Context, bot *models.Chatbot) error
	GetChatbot(ctx context.Context, id string) (*models.Chatbot, error)
	GetChatbotByShareToken(ctx context.Context, token string) (*models.Chatbot, error)
	AttachFile(ctx context.Context, chatbotID, fileID string) error
	DetachFile(ctx context.Context, chatbotID, fileID string) error
	ListChatbotFiles(ctx context.Context, chatbotID string) ([]models.File, error)

	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	AddMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns the newest limit messages in chronological order; limit <= 0 means all.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	Close() error
}

// ObjectInfo is what the store reports about an uploaded object.
type ObjectInfo struct {
	Size        int64
	ContentType string
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	PresignUpload(ctx context.Context, key, contentType string, size int64, ttl time.Duration) (string, error)
	StatObject(ctx context.Context, key string) (*ObjectInfo, error)
	UploadFile(ctx context.Context, key string, data io.Reader, contentType string) error
	GetFile(ctx context.Context, key string) ([]byte, error)
	GetObjectReader(ctx context.Context, key string) (io.ReadCloser, error)
	DeleteFile(ctx context.Context, key string) error
}
