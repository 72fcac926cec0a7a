package db

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/docbot/internal/core"
	"github.com/markdave123-py/docbot/internal/core/retrieval"
	"github.com/markdave123-py/docbot/internal/models"
)

// MemoryClient is a process-local DbClient used by DB_DRIVER=memory and tests.
// One mutex serialises every operation, which gives the same linearizable
// claim and swap behaviour as the row locks in Postgres.
type MemoryClient struct {
	mu            sync.Mutex
	files         map[string]models.File
	chunks        map[string][]models.Chunk
	chatbots      map[string]models.Chatbot
	attachments   map[string]map[string]time.Time
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
}

var _ core.DbClient = (*MemoryClient)(nil)

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		files:         make(map[string]models.File),
		chunks:        make(map[string][]models.Chunk),
		chatbots:      make(map[string]models.Chatbot),
		attachments:   make(map[string]map[string]time.Time),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

func (m *MemoryClient) Close() error { return nil }

func (m *MemoryClient) CreateFile(_ context.Context, f *models.File) error {
	if f == nil {
		return errors.New("nil file")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.files[f.ID]; ok {
		return core.ErrFileExists
	}
	for _, existing := range m.files {
		if existing.OwnerID == f.OwnerID && existing.FileName == f.FileName {
			return core.ErrDuplicateName
		}
	}
	m.files[f.ID] = *f
	return nil
}

func (m *MemoryClient) GetFile(_ context.Context, id string) (*models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (m *MemoryClient) GetFileByName(_ context.Context, ownerID, name string) (*models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.files {
		if f.OwnerID == ownerID && f.FileName == name {
			return &f, nil
		}
	}
	return nil, nil
}

func (m *MemoryClient) ListFilesByOwner(_ context.Context, ownerID string) ([]models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.File
	for _, f := range m.files {
		if f.OwnerID == ownerID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryClient) DeleteFile(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, id)
	for _, files := range m.attachments {
		delete(files, id)
	}
	delete(m.files, id)
	return nil
}

func (m *MemoryClient) ClaimFile(_ context.Context, id string, attempt int, startedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.Attempt != attempt || !f.Status.CanTransitionTo(models.StatusProcessing) {
		return false, nil
	}
	f.Status = models.StatusProcessing
	f.StatusMeta = models.StatusMeta{Stage: "claimed", StartedAt: &startedAt}
	f.UpdatedAt = time.Now()
	m.files[id] = f
	return true, nil
}

func (m *MemoryClient) CompleteFile(_ context.Context, id string, attempt int, chunks []models.Chunk, meta models.StatusMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.Attempt != attempt || !f.Status.CanTransitionTo(models.StatusCompleted) {
		return core.ErrStaleAttempt
	}
	seen := make(map[int]bool, len(chunks))
	stored := make([]models.Chunk, len(chunks))
	for i, ch := range chunks {
		if seen[ch.ChunkIndex] {
			return errors.New("duplicate chunk index")
		}
		seen[ch.ChunkIndex] = true
		ch.FileID = id
		ch.Embedding = append([]float32(nil), ch.Embedding...)
		stored[i] = ch
	}
	m.chunks[id] = stored
	f.Status = models.StatusCompleted
	f.StatusMeta = meta
	f.UpdatedAt = time.Now()
	m.files[id] = f
	return nil
}

func (m *MemoryClient) FailFile(_ context.Context, id string, attempt int, meta models.StatusMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || f.Attempt != attempt || !f.Status.CanTransitionTo(models.StatusFailed) {
		return core.ErrStaleAttempt
	}
	f.Status = models.StatusFailed
	f.StatusMeta = meta
	f.UpdatedAt = time.Now()
	m.files[id] = f
	return nil
}

func (m *MemoryClient) ResetForRetry(_ context.Context, id string, retriedAt time.Time) (*models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok || !f.Status.CanTransitionTo(models.StatusPending) {
		return nil, nil
	}
	f.Status = models.StatusPending
	f.Attempt++
	f.StatusMeta = models.StatusMeta{RetriedAt: &retriedAt}
	f.UpdatedAt = time.Now()
	m.files[id] = f
	return &f, nil
}

func (m *MemoryClient) CountChunks(_ context.Context, fileID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.chunks[fileID]), nil
}

func (m *MemoryClient) GetChunksByFile(_ context.Context, fileID string) ([]models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.Chunk(nil), m.chunks[fileID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkIndex < out[j].ChunkIndex })
	return out, nil
}

func (m *MemoryClient) SearchChunks(_ context.Context, chatbotID string, query []float32, k int, minSimilarity float64) ([]models.ScoredChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hits []models.ScoredChunk
	for fileID := range m.attachments[chatbotID] {
		f, ok := m.files[fileID]
		if !ok {
			continue
		}
		for _, ch := range m.chunks[fileID] {
			sim := retrieval.Cosine(query, ch.Embedding)
			if minSimilarity > 0 && sim < minSimilarity {
				continue
			}
			hits = append(hits, models.ScoredChunk{Chunk: ch, FileName: f.FileName, Similarity: sim})
		}
	}
	retrieval.SortScored(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (m *MemoryClient) CreateChatbot(_ context.Context, b *models.Chatbot) error {
	if b == nil {
		return errors.New("nil chatbot")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.chatbots {
		if existing.ShareToken == b.ShareToken {
			return errors.New("share token already exists")
		}
	}
	m.chatbots[b.ID] = *b
	return nil
}

func (m *MemoryClient) GetChatbot(_ context.Context, id string) (*models.Chatbot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.chatbots[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *MemoryClient) GetChatbotByShareToken(_ context.Context, token string) (*models.Chatbot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.chatbots {
		if b.ShareToken == token {
			return &b, nil
		}
	}
	return nil, nil
}

func (m *MemoryClient) AttachFile(_ context.Context, chatbotID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chatbots[chatbotID]; !ok {
		return errors.New("chatbot does not exist")
	}
	if _, ok := m.files[fileID]; !ok {
		return errors.New("file does not exist")
	}
	if m.attachments[chatbotID] == nil {
		m.attachments[chatbotID] = make(map[string]time.Time)
	}
	if _, ok := m.attachments[chatbotID][fileID]; !ok {
		m.attachments[chatbotID][fileID] = time.Now()
	}
	return nil
}

func (m *MemoryClient) DetachFile(_ context.Context, chatbotID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attachments[chatbotID], fileID)
	return nil
}

func (m *MemoryClient) ListChatbotFiles(_ context.Context, chatbotID string) ([]models.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.File
	for fileID := range m.attachments[chatbotID] {
		if f, ok := m.files[fileID]; ok {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileName < out[j].FileName })
	return out, nil
}

func (m *MemoryClient) CreateConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.chatbots[conv.ChatbotID]; !ok {
		return errors.New("chatbot does not exist")
	}
	m.conversations[conv.ID] = *conv
	return nil
}

func (m *MemoryClient) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, nil
	}
	return &conv, nil
}

func (m *MemoryClient) AddMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return errors.New("conversation does not exist")
	}
	cp := *msg
	cp.Sources = append(models.Citations(nil), msg.Sources...)
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], cp)
	return nil
}

func (m *MemoryClient) ListMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[conversationID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return append([]models.Message(nil), all...), nil
}
