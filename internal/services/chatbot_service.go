package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markdave123-py/docbot/internal/apperr"
	"github.com/markdave123-py/docbot/internal/core"
	"github.com/markdave123-py/docbot/internal/models"
)

const (
	maxChatbotName   = 100
	defaultMaxTokens = 1024
)

type CreateChatbotInput struct {
	Name         string  `json:"name"`
	SystemPrompt string  `json:"systemPrompt"`
	Model        string  `json:"model"`
	Temperature  float32 `json:"temperature"`
	MaxTokens    int     `json:"maxTokens"`
}

type ChatbotService struct {
	db           core.DbClient
	defaultModel string
	now          func() time.Time
}

func NewChatbotService(db core.DbClient, defaultModel string) *ChatbotService {
	return &ChatbotService{db: db, defaultModel: defaultModel, now: time.Now}
}

func (s *ChatbotService) Create(ctx context.Context, ownerID string, in CreateChatbotInput) (*models.Chatbot, error) {
	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		return nil, apperr.Validationf("chatbot name is required")
	case len([]rune(name)) > maxChatbotName:
		return nil, apperr.Validationf("chatbot name is longer than %d characters", maxChatbotName)
	case in.Temperature < 0 || in.Temperature > 2:
		return nil, apperr.Validationf("temperature must be between 0 and 2")
	case in.MaxTokens < 0 || in.MaxTokens > 8192:
		return nil, apperr.Validationf("maxTokens must be between 0 and 8192")
	}
	if in.MaxTokens == 0 {
		in.MaxTokens = defaultMaxTokens
	}
	if strings.TrimSpace(in.Model) == "" {
		in.Model = s.defaultModel
	}

	b := &models.Chatbot{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Name:         name,
		SystemPrompt: strings.TrimSpace(in.SystemPrompt),
		Model:        in.Model,
		Temperature:  in.Temperature,
		MaxTokens:    in.MaxTokens,
		ShareToken:   strings.ReplaceAll(uuid.NewString(), "-", ""),
		CreatedAt:    s.now(),
	}
	if err := s.db.CreateChatbot(ctx, b); err != nil {
		return nil, fmt.Errorf("create chatbot: %w", err)
	}
	log.Info("chatbot created", "chatbotId", b.ID, "ownerId", ownerID)
	return b, nil
}

// Get returns the chatbot only to its owner.
func (s *ChatbotService) Get(ctx context.Context, ownerID, id string) (*models.Chatbot, error) {
	b, err := s.db.GetChatbot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load chatbot: %w", err)
	}
	if b == nil || b.OwnerID != ownerID {
		return nil, apperr.NotFoundf("chatbot not found")
	}
	return b, nil
}

func (s *ChatbotService) AttachFile(ctx context.Context, ownerID, chatbotID, fileID string) error {
	if _, err := s.Get(ctx, ownerID, chatbotID); err != nil {
		return err
	}
	f, err := s.db.GetFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("load file: %w", err)
	}
	if f == nil || f.OwnerID != ownerID {
		return apperr.NotFoundf("file not found")
	}
	if err := s.db.AttachFile(ctx, chatbotID, fileID); err != nil {
		return fmt.Errorf("attach file: %w", err)
	}
	return nil
}

func (s *ChatbotService) DetachFile(ctx context.Context, ownerID, chatbotID, fileID string) error {
	if _, err := s.Get(ctx, ownerID, chatbotID); err != nil {
		return err
	}
	if err := s.db.DetachFile(ctx, chatbotID, fileID); err != nil {
		return fmt.Errorf("detach file: %w", err)
	}
	return nil
}

func (s *ChatbotService) ListFiles(ctx context.Context, ownerID, chatbotID string) ([]models.File, error) {
	if _, err := s.Get(ctx, ownerID, chatbotID); err != nil {
		return nil, err
	}
	files, err := s.db.ListChatbotFiles(ctx, chatbotID)
	if err != nil {
		return nil, fmt.Errorf("list chatbot files: %w", err)
	}
	return files, nil
}

// History returns every message of a conversation, cancelled turns included.
func (s *ChatbotService) History(ctx context.Context, ownerID, chatbotID, sessionID string) ([]models.Message, error) {
	if _, err := s.Get(ctx, ownerID, chatbotID); err != nil {
		return nil, err
	}
	conv, err := s.db.GetConversation(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil || conv.ChatbotID != chatbotID {
		return nil, apperr.NotFoundf("conversation not found")
	}
	msgs, err := s.db.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}
