package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/markdave123-py/docbot/internal/apperr"
	"github.com/markdave123-py/docbot/internal/core"
	"github.com/markdave123-py/docbot/internal/metrics"
	"github.com/markdave123-py/docbot/internal/models"
	"github.com/markdave123-py/docbot/pkg/logger"
)

const groundingInstructions = "Answer using only the numbered context passages below. " +
	"Cite passages by their number, like [2]. If the context does not contain the answer, say you cannot find it in the documents."

// Retriever is the part of retrieval.Retriever the chat service needs.
type Retriever interface {
	Retrieve(ctx context.Context, chatbotID, query string, k int) ([]models.ScoredChunk, error)
}

type ChatServiceConfig struct {
	TopK            int
	HistoryTurns    int
	MaxMessageChars int
}

type ChatService struct {
	db        core.DbClient
	retriever Retriever
	llm       core.LLMProvider
	cfg       ChatServiceConfig
	now       func() time.Time
}

func NewChatService(db core.DbClient, retriever Retriever, llm core.LLMProvider, cfg ChatServiceConfig) *ChatService {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.HistoryTurns < 0 {
		cfg.HistoryTurns = 0
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 4000
	}
	return &ChatService{db: db, retriever: retriever, llm: llm, cfg: cfg, now: time.Now}
}

// SendInput names the chatbot either by share token (public) or by id, in
// which case OwnerID must match.
type SendInput struct {
	ChatbotID  string
	OwnerID    string
	ShareToken string
	SessionID  string
	Message    string
}

type EventType string

const (
	EventSources EventType = "sources"
	EventToken   EventType = "token"
	EventDone    EventType = "done"
	EventError   EventType = "error"
)

type StreamEvent struct {
	Type      EventType         `json:"type"`
	Token     string            `json:"token,omitempty"`
	Sources   []models.Citation `json:"sources,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Result    *SendResult       `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

type SendResult struct {
	Response  string           `json:"response"`
	Sources   models.Citations `json:"sources"`
	SessionID string           `json:"sessionId"`
	MessageID string           `json:"messageId"`
	Cancelled bool             `json:"cancelled"`
}

// Send answers one user message. Tokens are passed to emit as they arrive; a
// token counts as part of the answer only once emit accepted it. If ctx is
// cancelled or emit fails, the answer so far is stored as a cancelled message
// and returned with Cancelled set.
func (s *ChatService) Send(ctx context.Context, in SendInput, emit func(StreamEvent) error) (*SendResult, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return nil, apperr.Validationf("message is required")
	}
	if utf8.RuneCountInString(msg) > s.cfg.MaxMessageChars {
		return nil, apperr.Validationf("message is longer than %d characters", s.cfg.MaxMessageChars)
	}

	bot, err := s.resolveChatbot(ctx, in)
	if err != nil {
		return nil, err
	}
	conv, err := s.resolveConversation(ctx, bot.ID, in.SessionID)
	if err != nil {
		return nil, err
	}
	l := log.With("chatbotId", bot.ID, "sessionId", conv.ID)

	var history []models.Message
	if s.cfg.HistoryTurns > 0 {
		history, err = s.db.ListMessages(ctx, conv.ID, s.cfg.HistoryTurns*2)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
	}
	if err := s.db.AddMessage(ctx, &models.Message{
		ID: uuid.NewString(), ConversationID: conv.ID, Role: models.RoleUser, Content: msg, CreatedAt: s.now(),
	}); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	hits, err := s.retriever.Retrieve(ctx, bot.ID, msg, s.cfg.TopK)
	if err != nil {
		metrics.CountChatStream("error")
		return nil, err
	}
	sources := citations(hits)

	res := &SendResult{SessionID: conv.ID, Sources: sources}
	if err := emit(StreamEvent{Type: EventSources, Sources: sources, SessionID: conv.ID}); err != nil {
		return s.finish(ctx, conv.ID, res, "", true, l)
	}

	stream, err := s.llm.Stream(ctx, core.GenerateRequest{
		Model:        bot.Model,
		SystemPrompt: systemPrompt(bot.SystemPrompt),
		History:      turns(history),
		Prompt:       buildPrompt(hits, msg),
		Temperature:  bot.Temperature,
		MaxTokens:    bot.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return s.finish(ctx, conv.ID, res, "", true, l)
		}
		metrics.CountChatStream("error")
		return nil, apperr.Wrap(apperr.Upstream, "language model unavailable", err)
	}
	defer stream.Close()

	var answer strings.Builder
	for {
		if ctx.Err() != nil {
			return s.finish(ctx, conv.ID, res, answer.String(), true, l)
		}
		tok, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return s.finish(ctx, conv.ID, res, answer.String(), true, l)
			}
			l.Error("model stream failed", "error", err, "partialChars", answer.Len())
			if answer.Len() > 0 {
				if _, perr := s.finish(ctx, conv.ID, res, answer.String(), true, l); perr != nil {
					l.Error("could not save partial answer", "error", perr)
				}
			}
			metrics.CountChatStream("error")
			return nil, apperr.Wrap(apperr.Upstream, "language model stream failed", err)
		}
		if tok == "" {
			continue
		}
		if err := emit(StreamEvent{Type: EventToken, Token: tok}); err != nil {
			return s.finish(ctx, conv.ID, res, answer.String(), true, l)
		}
		answer.WriteString(tok)
	}

	res, err = s.finish(ctx, conv.ID, res, answer.String(), false, l)
	if err != nil {
		return nil, err
	}
	_ = emit(StreamEvent{Type: EventDone, SessionID: conv.ID, Result: res})
	return res, nil
}

// finish stores the assistant message. It runs on a context that ignores
// cancellation so a dropped client still gets its partial answer saved.
func (s *ChatService) finish(ctx context.Context, convID string, res *SendResult, content string, cancelled bool, l *logger.Logger) (*SendResult, error) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	m := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           models.RoleAssistant,
		Content:        content,
		Sources:        res.Sources,
		Cancelled:      cancelled,
		CreatedAt:      s.now(),
	}
	if err := s.db.AddMessage(saveCtx, m); err != nil {
		return nil, fmt.Errorf("save assistant message: %w", err)
	}

	res.Response = content
	res.MessageID = m.ID
	res.Cancelled = cancelled
	if cancelled {
		metrics.CountChatStream("cancelled")
		l.Info("answer cancelled", "chars", len(content))
	} else {
		metrics.CountChatStream("completed")
	}
	return res, nil
}

func (s *ChatService) resolveChatbot(ctx context.Context, in SendInput) (*models.Chatbot, error) {
	var (
		bot *models.Chatbot
		err error
	)
	if in.ShareToken != "" {
		bot, err = s.db.GetChatbotByShareToken(ctx, in.ShareToken)
	} else {
		bot, err = s.db.GetChatbot(ctx, in.ChatbotID)
		if bot != nil && bot.OwnerID != in.OwnerID {
			bot = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load chatbot: %w", err)
	}
	if bot == nil {
		return nil, apperr.NotFoundf("chatbot not found")
	}
	return bot, nil
}

// resolveConversation reuses sessionID when it names a conversation of this
// chatbot and starts a new one otherwise.
func (s *ChatService) resolveConversation(ctx context.Context, chatbotID, sessionID string) (*models.Conversation, error) {
	if sessionID != "" {
		conv, err := s.db.GetConversation(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		if conv != nil && conv.ChatbotID == chatbotID {
			return conv, nil
		}
	}
	conv := &models.Conversation{ID: uuid.NewString(), ChatbotID: chatbotID, CreatedAt: s.now()}
	if err := s.db.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func citations(hits []models.ScoredChunk) models.Citations {
	out := make(models.Citations, 0, len(hits))
	for _, h := range hits {
		out = append(out, models.Citation{
			FileID:     h.FileID,
			FileName:   h.FileName,
			ChunkIndex: h.ChunkIndex,
			Similarity: h.Similarity,
		})
	}
	return out
}

func systemPrompt(custom string) string {
	if custom == "" {
		return groundingInstructions
	}
	return custom + "\n\n" + groundingInstructions
}

func turns(history []models.Message) []core.ChatTurn {
	out := make([]core.ChatTurn, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		out = append(out, core.ChatTurn{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func buildPrompt(hits []models.ScoredChunk, question string) string {
	var sb strings.Builder
	if len(hits) == 0 {
		sb.WriteString("Context: no passages from the documents matched this question.\n\n")
	} else {
		sb.WriteString("Context:\n")
		for i, h := range hits {
			fmt.Fprintf(&sb, "[%d] %s, part %d\n%s\n---\n", i+1, h.FileName, h.ChunkIndex, h.Content)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	return sb.String()
}
