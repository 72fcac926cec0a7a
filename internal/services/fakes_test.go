package services

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/markdave123-py/docbot/internal/core"
	"github.com/markdave123-py/docbot/internal/core/queue"
	"github.com/markdave123-py/docbot/internal/models"
)

type recordingDispatcher struct {
	mu       sync.Mutex
	urls     []string
	payloads [][]byte
	err      error
}

func (d *recordingDispatcher) Enqueue(_ context.Context, url string, payload []byte) (queue.Ack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return queue.Ack{}, d.err
	}
	d.urls = append(d.urls, url)
	d.payloads = append(d.payloads, append([]byte(nil), payload...))
	return queue.Ack{ID: "ack", Dispatcher: "test"}, nil
}

func (d *recordingDispatcher) Verify(string, []byte, string) bool { return true }
func (d *recordingDispatcher) Close() error                       { return nil }

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.payloads)
}

// laggingDB hides existing records from the first misses GetFile calls, the
// way a concurrent request sees the table before the other insert commits.
type laggingDB struct {
	core.DbClient
	mu     sync.Mutex
	misses int
}

func (d *laggingDB) GetFile(ctx context.Context, id string) (*models.File, error) {
	d.mu.Lock()
	if d.misses > 0 {
		d.misses--
		d.mu.Unlock()
		return nil, nil
	}
	d.mu.Unlock()
	return d.DbClient.GetFile(ctx, id)
}

// pagesExtractor returns the same text for every document.
type pagesExtractor struct{ text string }

func (p pagesExtractor) ExtractText(context.Context, []byte, string) (*core.ExtractedText, error) {
	return &core.ExtractedText{Pages: []core.Page{{Number: 1, Text: p.text}}}, nil
}

// scriptedLLM streams fixed tokens. When block is set it waits on it after
// emitting blockAfter tokens.
type scriptedLLM struct {
	tokens     []string
	err        error
	streamErr  error
	blockAfter int
	block      chan struct{}

	mu   sync.Mutex
	reqs []core.GenerateRequest
}

func (s *scriptedLLM) Stream(ctx context.Context, req core.GenerateRequest) (core.TokenStream, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &scriptedStream{llm: s, ctx: ctx}, nil
}

func (s *scriptedLLM) lastRequest() core.GenerateRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reqs[len(s.reqs)-1]
}

type scriptedStream struct {
	llm *scriptedLLM
	ctx context.Context
	pos int
}

func (st *scriptedStream) Next() (string, error) {
	if st.llm.block != nil && st.pos == st.llm.blockAfter {
		select {
		case <-st.llm.block:
		case <-st.ctx.Done():
			return "", st.ctx.Err()
		}
	}
	if st.pos >= len(st.llm.tokens) {
		if st.llm.streamErr != nil {
			return "", st.llm.streamErr
		}
		return "", io.EOF
	}
	tok := st.llm.tokens[st.pos]
	st.pos++
	return tok, nil
}

func (st *scriptedStream) Close() error { return nil }

var errEmitClosed = errors.New("client went away")
