package models

import (
	"time"
)

// File is an uploaded document owned by a user.
type File struct {
	ID          string           `db:"id" json:"id"`
	OwnerID     string           `db:"owner_id" json:"ownerId"`
	FileName    string           `db:"file_name" json:"fileName"`
	ContentType string           `db:"content_type" json:"contentType"`
	Size        int64            `db:"size" json:"size"`
	StoragePath string           `db:"storage_path" json:"storagePath"`
	Status      ProcessingStatus `db:"status" json:"status"`
	StatusMeta  StatusMeta       `db:"status_meta" json:"statusMeta"`
	Attempt     int              `db:"attempt" json:"attempt"`
	CreatedAt   time.Time        `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updatedAt"`
}

// StatusMeta is the free-form processing summary stored next to the status.
type StatusMeta struct {
	Stage      string     `json:"stage,omitempty"`
	Error      string     `json:"error,omitempty"`
	ChunkCount int        `json:"chunkCount"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	RetriedAt  *time.Time `json:"retriedAt,omitempty"`
}

// Chunk represents one text chunk from a file.
type Chunk struct {
	ID         string        `db:"id" json:"id"`
	FileID     string        `db:"file_id" json:"fileId"`
	ChunkIndex int           `db:"chunk_index" json:"chunkIndex"`
	Content    string        `db:"content" json:"content"`
	Embedding  []float32     `db:"embedding" json:"-"` // pgvector column
	TokenCount int           `db:"token_count" json:"tokenCount"`
	Metadata   ChunkMetadata `db:"metadata" json:"metadata"`
	CreatedAt  time.Time     `db:"created_at" json:"createdAt"`
}

type ChunkMetadata struct {
	PageNumber int `json:"pageNumber,omitempty"`
}

// ScoredChunk is a search hit with its cosine similarity to the query.
type ScoredChunk struct {
	Chunk
	FileName   string  `json:"fileName"`
	Similarity float64 `json:"similarity"`
}

// Chatbot is the persona whose conversations are grounded in its attached files.
type Chatbot struct {
	ID           string    `db:"id" json:"id"`
	OwnerID      string    `db:"owner_id" json:"ownerId"`
	Name         string    `db:"name" json:"name"`
	SystemPrompt string    `db:"system_prompt" json:"systemPrompt"`
	Model        string    `db:"model" json:"model"`
	Temperature  float32   `db:"temperature" json:"temperature"`
	MaxTokens    int       `db:"max_tokens" json:"maxTokens"`
	ShareToken   string    `db:"share_token" json:"shareToken"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Conversation groups the messages of one chat session.
type Conversation struct {
	ID        string    `db:"id" json:"id"`
	ChatbotID string    `db:"chatbot_id" json:"chatbotId"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message represents an individual chat message (user or assistant).
type Message struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversationId"`
	Role           Role      `db:"role" json:"role"`
	Content        string    `db:"content" json:"content"`
	Sources        Citations `db:"sources" json:"sources"`
	Cancelled      bool      `db:"cancelled" json:"cancelled"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// Citation points an answer at a chunk that was placed in its prompt.
type Citation struct {
	FileID     string  `json:"fileId"`
	FileName   string  `json:"fileName"`
	ChunkIndex int     `json:"chunkIndex"`
	Similarity float64 `json:"similarity"`
}

type Citations []Citation
