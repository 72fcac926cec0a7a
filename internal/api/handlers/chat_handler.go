package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/docbot/internal/apperr"
	"github.com/markdave123-py/docbot/internal/services"
)

type ChatHandler struct {
	chat *services.ChatService
}

func NewChatHandler(chat *services.ChatService) *ChatHandler {
	return &ChatHandler{chat: chat}
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// Send answers as the chatbot's owner.
func (h *ChatHandler) Send(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}
	h.serve(w, r, services.SendInput{ChatbotID: chi.URLParam(r, "id"), OwnerID: uid})
}

// PublicSend answers through a share link; no login is needed.
func (h *ChatHandler) PublicSend(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, services.SendInput{ShareToken: chi.URLParam(r, "shareToken")})
}

func (h *ChatHandler) serve(w http.ResponseWriter, r *http.Request, in services.SendInput) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	in.Message = req.Message
	in.SessionID = req.SessionID

	if wantsJSON(r) {
		res, err := h.chat.Send(r.Context(), in, func(services.StreamEvent) error { return nil })
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, r, errors.New("streaming unsupported by response writer"))
		return
	}
	_, err := h.chat.Send(r.Context(), in, func(ev services.StreamEvent) error {
		if err := r.Context().Err(); err != nil {
			return err
		}
		return sse.send(string(ev.Type), ev)
	})
	if err == nil {
		return
	}
	if !sse.started {
		writeError(w, r, err)
		return
	}
	if apperr.KindOf(err) == apperr.Internal {
		log.Error("chat stream failed", "error", err)
	}
	_ = sse.send(string(services.EventError), services.StreamEvent{Type: services.EventError, Error: apperr.PublicMessage(err)})
}

// wantsJSON selects the buffered reply when the client asks for JSON and not
// for an event stream.
func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream")
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) send(event string, data any) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
