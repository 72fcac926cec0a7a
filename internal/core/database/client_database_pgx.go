package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/docbot/internal/config"
	"github.com/markdave123-py/docbot/internal/core"
	"github.com/markdave123-py/docbot/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

var _ core.DbClient = (*DatabaseClient)(nil)

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (*DatabaseClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := cfg.DatabaseURL
	if cfg.SslCertPath != "" {
		if _, err := os.Stat(cfg.SslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", cfg.SslCertPath, err)
		}
		u, err := url.Parse(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", cfg.SslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, cfg.EmbedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const fileColumns = `id, owner_id, file_name, content_type, size, storage_path, status, status_meta, attempt, created_at, updated_at`

func scanFile(row rowScanner) (*models.File, error) {
	var f models.File
	err := row.Scan(&f.ID, &f.OwnerID, &f.FileName, &f.ContentType, &f.Size, &f.StoragePath,
		&f.Status, &f.StatusMeta, &f.Attempt, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// uniqueViolation returns the violated constraint name for a 23505 error.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// Files

func (c *DatabaseClient) CreateFile(ctx context.Context, f *models.File) error {
	if f == nil {
		return errors.New("nil file")
	}
	const q = `
		INSERT INTO files (` + fileColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := c.db.ExecContext(ctx, q,
		f.ID, f.OwnerID, f.FileName, f.ContentType, f.Size, f.StoragePath,
		f.Status, f.StatusMeta, f.Attempt, f.CreatedAt, f.UpdatedAt)
	if constraint, ok := uniqueViolation(err); ok {
		switch constraint {
		case "files_pkey":
			return core.ErrFileExists
		case "files_owner_name_key":
			return core.ErrDuplicateName
		}
	}
	return err
}

func (c *DatabaseClient) GetFile(ctx context.Context, id string) (*models.File, error) {
	f, err := scanFile(c.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (c *DatabaseClient) GetFileByName(ctx context.Context, ownerID, name string) (*models.File, error) {
	f, err := scanFile(c.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = $1 AND file_name = $2`, ownerID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (c *DatabaseClient) ListFilesByOwner(ctx context.Context, ownerID string) ([]models.File, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) DeleteFile(ctx context.Context, id string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM chunks WHERE file_id = $1`,
		`DELETE FROM chatbot_files WHERE file_id = $1`,
		`DELETE FROM files WHERE id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("delete file %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// Ingestion state. The conditional updates take their allowed source states
// from models.ProcessingStatus.CanTransitionTo.

func (c *DatabaseClient) ClaimFile(ctx context.Context, id string, attempt int, startedAt time.Time) (bool, error) {
	const q = `
		UPDATE files
		SET status = 'processing', status_meta = $3, updated_at = now()
		WHERE id = $1 AND attempt = $2 AND status = ANY($4)
	`
	meta := models.StatusMeta{Stage: "claimed", StartedAt: &startedAt}
	res, err := c.db.ExecContext(ctx, q, id, attempt, meta, models.TransitionSources(models.StatusProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *DatabaseClient) CompleteFile(ctx context.Context, id string, attempt int, chunks []models.Chunk, meta models.StatusMeta) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status     models.ProcessingStatus
		curAttempt int
	)
	err = tx.QueryRowContext(ctx, `SELECT status, attempt FROM files WHERE id = $1 FOR UPDATE`, id).Scan(&status, &curAttempt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrStaleAttempt
	}
	if err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	if curAttempt != attempt || !status.CanTransitionTo(models.StatusCompleted) {
		return core.ErrStaleAttempt
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = $1`, id); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, file_id, chunk_index, content, embedding, token_count, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		if _, err := stmt.ExecContext(ctx,
			ch.ID, id, ch.ChunkIndex, ch.Content, pgvector.NewVector(ch.Embedding), ch.TokenCount, ch.Metadata, ch.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert chunk %d: %w", ch.ChunkIndex, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE files SET status = 'completed', status_meta = $2, updated_at = now() WHERE id = $1`, id, meta,
	); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return tx.Commit()
}

func (c *DatabaseClient) FailFile(ctx context.Context, id string, attempt int, meta models.StatusMeta) error {
	const q = `
		UPDATE files
		SET status = 'failed', status_meta = $3, updated_at = now()
		WHERE id = $1 AND attempt = $2 AND status = ANY($4)
	`
	res, err := c.db.ExecContext(ctx, q, id, attempt, meta, models.TransitionSources(models.StatusFailed))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrStaleAttempt
	}
	return nil
}

func (c *DatabaseClient) ResetForRetry(ctx context.Context, id string, retriedAt time.Time) (*models.File, error) {
	meta := models.StatusMeta{RetriedAt: &retriedAt}
	f, err := scanFile(c.db.QueryRowContext(ctx, `
		UPDATE files
		SET status = 'pending', attempt = attempt + 1, status_meta = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+fileColumns, id, meta))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

// Chunks

func (c *DatabaseClient) CountChunks(ctx context.Context, fileID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM chunks WHERE file_id = $1`, fileID).Scan(&n)
	return n, err
}

func (c *DatabaseClient) GetChunksByFile(ctx context.Context, fileID string) ([]models.Chunk, error) {
	const q = `
		SELECT id, file_id, chunk_index, content, embedding, token_count, metadata, created_at
		FROM chunks
		WHERE file_id = $1
		ORDER BY chunk_index ASC
	`
	rows, err := c.db.QueryContext(ctx, q, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Chunk
	for rows.Next() {
		var (
			ch  models.Chunk
			emb pgvector.Vector
		)
		if err := rows.Scan(&ch.ID, &ch.FileID, &ch.ChunkIndex, &ch.Content, &emb, &ch.TokenCount, &ch.Metadata, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.Embedding = emb.Slice()
		out = append(out, ch)
	}
	return out, rows.Err()
}

// SearchChunks finds the top-k chunks across the chatbot's files. Ordering by
// distance, then file id and chunk index, keeps equal scores deterministic.
func (c *DatabaseClient) SearchChunks(ctx context.Context, chatbotID string, query []float32, k int, minSimilarity float64) ([]models.ScoredChunk, error) {
	const q = `
		SELECT c.id, c.file_id, c.chunk_index, c.content, c.token_count, c.metadata, c.created_at,
		       f.file_name, 1 - (c.embedding <=> $2) AS similarity
		FROM chunks c
		JOIN chatbot_files cf ON cf.file_id = c.file_id
		JOIN files f ON f.id = c.file_id
		WHERE cf.chatbot_id = $1
		  AND ($3::float8 <= 0 OR 1 - (c.embedding <=> $2) >= $3::float8)
		ORDER BY c.embedding <=> $2, c.file_id ASC, c.chunk_index ASC
		LIMIT $4
	`
	rows, err := c.db.QueryContext(ctx, q, chatbotID, pgvector.NewVector(query), minSimilarity, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		if err := rows.Scan(&sc.ID, &sc.FileID, &sc.ChunkIndex, &sc.Content, &sc.TokenCount, &sc.Metadata, &sc.CreatedAt,
			&sc.FileName, &sc.Similarity); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Chatbots

const chatbotColumns = `id, owner_id, name, system_prompt, model, temperature, max_tokens, share_token, created_at`

func scanChatbot(row rowScanner) (*models.Chatbot, error) {
	var b models.Chatbot
	if err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &b.SystemPrompt, &b.Model, &b.Temperature, &b.MaxTokens, &b.ShareToken, &b.CreatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (c *DatabaseClient) CreateChatbot(ctx context.Context, b *models.Chatbot) error {
	if b == nil {
		return errors.New("nil chatbot")
	}
	_, err := c.db.ExecContext(ctx, `INSERT INTO chatbots (`+chatbotColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.OwnerID, b.Name, b.SystemPrompt, b.Model, b.Temperature, b.MaxTokens, b.ShareToken, b.CreatedAt)
	return err
}

func (c *DatabaseClient) GetChatbot(ctx context.Context, id string) (*models.Chatbot, error) {
	b, err := scanChatbot(c.db.QueryRowContext(ctx, `SELECT `+chatbotColumns+` FROM chatbots WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (c *DatabaseClient) GetChatbotByShareToken(ctx context.Context, token string) (*models.Chatbot, error) {
	b, err := scanChatbot(c.db.QueryRowContext(ctx, `SELECT `+chatbotColumns+` FROM chatbots WHERE share_token = $1`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (c *DatabaseClient) AttachFile(ctx context.Context, chatbotID, fileID string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO chatbot_files (chatbot_id, file_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, chatbotID, fileID)
	return err
}

func (c *DatabaseClient) DetachFile(ctx context.Context, chatbotID, fileID string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM chatbot_files WHERE chatbot_id = $1 AND file_id = $2`, chatbotID, fileID)
	return err
}

func (c *DatabaseClient) ListChatbotFiles(ctx context.Context, chatbotID string) ([]models.File, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT f.id, f.owner_id, f.file_name, f.content_type, f.size, f.storage_path, f.status, f.status_meta, f.attempt, f.created_at, f.updated_at
		FROM files f
		JOIN chatbot_files cf ON cf.file_id = f.id
		WHERE cf.chatbot_id = $1
		ORDER BY f.file_name ASC
	`, chatbotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// Conversations

func (c *DatabaseClient) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	_, err := c.db.ExecContext(ctx, `INSERT INTO conversations (id, chatbot_id, created_at) VALUES ($1, $2, $3)`,
		conv.ID, conv.ChatbotID, conv.CreatedAt)
	return err
}

func (c *DatabaseClient) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	err := c.db.QueryRowContext(ctx, `SELECT id, chatbot_id, created_at FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.ChatbotID, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (c *DatabaseClient) AddMessage(ctx context.Context, m *models.Message) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, sources, cancelled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, m.ID, m.ConversationID, string(m.Role), m.Content, m.Sources, m.Cancelled, m.CreatedAt)
	return err
}

func (c *DatabaseClient) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	lim := sql.NullInt64{Int64: int64(limit), Valid: limit > 0}
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, sources, cancelled, created_at FROM (
			SELECT * FROM messages
			WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`, conversationID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m    models.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Sources, &m.Cancelled, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}
