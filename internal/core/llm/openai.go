package llm

import (
	"context"
	"fmt"
	"io"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/markdave123-py/docbot/internal/core"
)

// OpenAIProvider serves both embeddings and chat from an OpenAI compatible API.
type OpenAIProvider struct {
	client     openai.Client
	embedModel string
	chatModel  string
	dim        int
}

var (
	_ core.EmbeddingProvider = (*OpenAIProvider)(nil)
	_ core.LLMProvider       = (*OpenAIProvider)(nil)
)

func NewOpenAIProvider(apiKey, baseURL, embedModel, chatModel string, dim int) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if embedModel == "" {
		embedModel = "text-embedding-3-small"
	}
	if chatModel == "" {
		chatModel = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		client:     openai.NewClient(opts...),
		embedModel: embedModel,
		chatModel:  chatModel,
		dim:        dim,
	}, nil
}

func (p *OpenAIProvider) Dimensions() int { return p.dim }

func (p *OpenAIProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.embedModel),
	}
	if p.dim > 0 {
		params.Dimensions = openai.Int(int64(p.dim))
	}
	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || int(d.Index) >= len(out) {
			return nil, fmt.Errorf("openai embed: index %d out of range", d.Index)
		}
		vec := make([]float32, len(d.Embedding))
		for i, v := range d.Embedding {
			vec[i] = float32(v)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedTexts(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || vecs[0] == nil {
		return nil, fmt.Errorf("openai embed query: empty embedding")
	}
	return vecs[0], nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req core.GenerateRequest) (core.TokenStream, error) {
	model := req.Model
	if model == "" {
		model = p.chatModel
	}

	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.SystemMessage(req.SystemPrompt))
	}
	for _, turn := range req.History {
		if turn.Role == "assistant" {
			msgs = append(msgs, openai.AssistantMessage(turn.Content))
		} else {
			msgs = append(msgs, openai.UserMessage(turn.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    msgs,
		Temperature: openai.Float(float64(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	return &openAIStream{s: p.client.Chat.Completions.NewStreaming(ctx, params)}, nil
}

type openAIStream struct {
	s *ssestream.Stream[openai.ChatCompletionChunk]
}

func (o *openAIStream) Next() (string, error) {
	for o.s.Next() {
		chunk := o.s.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
	if err := o.s.Err(); err != nil {
		return "", fmt.Errorf("openai stream: %w", err)
	}
	return "", io.EOF
}

func (o *openAIStream) Close() error {
	return o.s.Close()
}
