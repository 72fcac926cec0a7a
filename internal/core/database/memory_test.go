package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/docbot/internal/core"
	"github.com/markdave123-py/docbot/internal/models"
)

func newFile(id, owner, name string) *models.File {
	now := time.Now()
	return &models.File{
		ID: id, OwnerID: owner, FileName: name, ContentType: "text/plain", Size: 10,
		StoragePath: owner + "/" + id, Status: models.StatusPending, Attempt: 1,
		CreatedAt: now, UpdatedAt: now,
	}
}

func chunksFor(fileID string, vecs ...[]float32) []models.Chunk {
	out := make([]models.Chunk, len(vecs))
	for i, v := range vecs {
		out[i] = models.Chunk{ID: fileID + "-" + string(rune('a'+i)), FileID: fileID, ChunkIndex: i, Content: "c", Embedding: v}
	}
	return out
}

func TestMemoryClient_DuplicateName(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	require.NoError(t, m.CreateFile(ctx, newFile("f1", "u1", "a.pdf")))
	assert.ErrorIs(t, m.CreateFile(ctx, newFile("f2", "u1", "a.pdf")), core.ErrDuplicateName)
	assert.NoError(t, m.CreateFile(ctx, newFile("f3", "u2", "a.pdf")))
}

func TestMemoryClient_DuplicateID(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	require.NoError(t, m.CreateFile(ctx, newFile("f1", "u1", "a.pdf")))
	assert.ErrorIs(t, m.CreateFile(ctx, newFile("f1", "u1", "b.pdf")), core.ErrFileExists)
}

func TestMemoryClient_TransitionsFollowStateMachine(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	require.NoError(t, m.CreateFile(ctx, newFile("f1", "u1", "a.txt")))

	// An unclaimed file cannot complete.
	err := m.CompleteFile(ctx, "f1", 1, chunksFor("f1", []float32{1, 0}), models.StatusMeta{ChunkCount: 1})
	assert.ErrorIs(t, err, core.ErrStaleAttempt)

	// It can fail when its job was never dispatched.
	require.NoError(t, m.FailFile(ctx, "f1", 1, models.StatusMeta{Stage: "dispatch"}))
	f, _ := m.GetFile(ctx, "f1")
	assert.Equal(t, models.StatusFailed, f.Status)

	ok, err := m.ClaimFile(ctx, "f1", 1, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "failed file is not claimable until retried")
	assert.ErrorIs(t, m.FailFile(ctx, "f1", 1, models.StatusMeta{}), core.ErrStaleAttempt)

	_, err = m.ResetForRetry(ctx, "f1", time.Now())
	require.NoError(t, err)
	ok, _ = m.ClaimFile(ctx, "f1", 2, time.Now())
	require.True(t, ok)
	require.NoError(t, m.CompleteFile(ctx, "f1", 2, chunksFor("f1", []float32{1, 0}), models.StatusMeta{ChunkCount: 1}))
	assert.ErrorIs(t, m.FailFile(ctx, "f1", 2, models.StatusMeta{}), core.ErrStaleAttempt)
}

func TestMemoryClient_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	require.NoError(t, m.CreateFile(ctx, newFile("f1", "u1", "a.txt")))

	ok, err := m.ClaimFile(ctx, "f1", 1, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.ClaimFile(ctx, "f1", 1, time.Now())
	require.NoError(t, err)
	assert.False(t, ok, "second delivery must not claim")

	ok, err = m.ClaimFile(ctx, "missing", 1, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryClient_CompleteRejectsSupersededAttempt(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	require.NoError(t, m.CreateFile(ctx, newFile("f1", "u1", "a.txt")))
	ok, _ := m.ClaimFile(ctx, "f1", 1, time.Now())
	require.True(t, ok)

	_, err := m.ResetForRetry(ctx, "f1", time.Now())
	require.NoError(t, err)

	err = m.CompleteFile(ctx, "f1", 1, chunksFor("f1", []float32{1, 0}), models.StatusMeta{ChunkCount: 1})
	assert.ErrorIs(t, err, core.ErrStaleAttempt)

	n, _ := m.CountChunks(ctx, "f1")
	assert.Zero(t, n)

	f, _ := m.GetFile(ctx, "f1")
	assert.Equal(t, models.StatusPending, f.Status)
	assert.Equal(t, 2, f.Attempt)
}

func TestMemoryClient_CompleteReplacesChunks(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	require.NoError(t, m.CreateFile(ctx, newFile("f1", "u1", "a.txt")))

	ok, _ := m.ClaimFile(ctx, "f1", 1, time.Now())
	require.True(t, ok)
	require.NoError(t, m.CompleteFile(ctx, "f1", 1, chunksFor("f1", []float32{1, 0}, []float32{0, 1}, []float32{1, 1}), models.StatusMeta{ChunkCount: 3}))

	_, err := m.ResetForRetry(ctx, "f1", time.Now())
	require.NoError(t, err)
	n, _ := m.CountChunks(ctx, "f1")
	assert.Equal(t, 3, n, "old chunks stay visible until the new set is committed")

	ok, _ = m.ClaimFile(ctx, "f1", 2, time.Now())
	require.True(t, ok)
	require.NoError(t, m.CompleteFile(ctx, "f1", 2, chunksFor("f1", []float32{1, 0}), models.StatusMeta{ChunkCount: 1}))

	n, _ = m.CountChunks(ctx, "f1")
	assert.Equal(t, 1, n)
}

func TestMemoryClient_SearchIsScopedToChatbot(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	for _, f := range []*models.File{newFile("fa", "u1", "a.txt"), newFile("fb", "u1", "b.txt")} {
		require.NoError(t, m.CreateFile(ctx, f))
		ok, _ := m.ClaimFile(ctx, f.ID, 1, time.Now())
		require.True(t, ok)
		require.NoError(t, m.CompleteFile(ctx, f.ID, 1, chunksFor(f.ID, []float32{1, 0}, []float32{0.5, 0.5}), models.StatusMeta{ChunkCount: 2}))
	}
	require.NoError(t, m.CreateChatbot(ctx, &models.Chatbot{ID: "bot1", OwnerID: "u1", ShareToken: "t1"}))
	require.NoError(t, m.CreateChatbot(ctx, &models.Chatbot{ID: "bot2", OwnerID: "u1", ShareToken: "t2"}))
	require.NoError(t, m.AttachFile(ctx, "bot1", "fb"))
	require.NoError(t, m.AttachFile(ctx, "bot2", "fa"))

	hits, err := m.SearchChunks(ctx, "bot1", []float32{1, 0}, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, "fb", h.FileID)
		assert.Equal(t, "b.txt", h.FileName)
	}
	assert.Equal(t, 0, hits[0].ChunkIndex)
	assert.InDelta(t, 1.0, hits[0].Similarity, 1e-9)

	floored, err := m.SearchChunks(ctx, "bot1", []float32{1, 0}, 10, 0.9)
	require.NoError(t, err)
	assert.Len(t, floored, 1)
}

func TestMemoryClient_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	require.NoError(t, m.CreateFile(ctx, newFile("f1", "u1", "a.txt")))
	require.NoError(t, m.CreateChatbot(ctx, &models.Chatbot{ID: "bot1", OwnerID: "u1", ShareToken: "t1"}))
	require.NoError(t, m.AttachFile(ctx, "bot1", "f1"))
	ok, _ := m.ClaimFile(ctx, "f1", 1, time.Now())
	require.True(t, ok)
	require.NoError(t, m.CompleteFile(ctx, "f1", 1, chunksFor("f1", []float32{1, 0}), models.StatusMeta{ChunkCount: 1}))

	require.NoError(t, m.DeleteFile(ctx, "f1"))

	f, _ := m.GetFile(ctx, "f1")
	assert.Nil(t, f)
	files, _ := m.ListChatbotFiles(ctx, "bot1")
	assert.Empty(t, files)
	n, _ := m.CountChunks(ctx, "f1")
	assert.Zero(t, n)
}

func TestMemoryClient_ListMessagesKeepsNewest(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	require.NoError(t, m.CreateChatbot(ctx, &models.Chatbot{ID: "bot1", ShareToken: "t"}))
	require.NoError(t, m.CreateConversation(ctx, &models.Conversation{ID: "c1", ChatbotID: "bot1"}))
	for _, content := range []string{"one", "two", "three"} {
		require.NoError(t, m.AddMessage(ctx, &models.Message{ID: content, ConversationID: "c1", Role: models.RoleUser, Content: content}))
	}

	msgs, err := m.ListMessages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)
}
