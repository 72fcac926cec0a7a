package core

import "context"

type EmbeddingProvider interface {
	// EmbedTexts embeds document chunks; the result is index-aligned with texts.
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a search query with the same model as EmbedTexts.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

type ChatTurn struct {
	Role    string // "user" or "assistant"
	Content string
}

type GenerateRequest struct {
	Model        string
	SystemPrompt string
	History      []ChatTurn
	Prompt       string
	Temperature  float32
	MaxTokens    int
}

// TokenStream yields generated text pieces. Next returns io.EOF once the model is done.
type TokenStream interface {
	Next() (string, error)
	Close() error
}

type LLMProvider interface {
	Stream(ctx context.Context, req GenerateRequest) (TokenStream, error)
}
