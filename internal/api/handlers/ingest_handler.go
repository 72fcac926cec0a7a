package handlers

import (
	"io"
	"net/http"

	"github.com/markdave123-py/docbot/internal/apperr"
	"github.com/markdave123-py/docbot/internal/core/ingestion_engine"
	"github.com/markdave123-py/docbot/internal/core/queue"
)

const maxJobBody = 64 << 10

// Verifier checks a job signature over the raw body and callback URL.
type Verifier interface {
	Verify(signature string, rawBody []byte, exactURL string) bool
}

// IngestHandler receives queue deliveries. The signature is checked against
// the raw bytes before the payload is parsed.
type IngestHandler struct {
	verifier      Verifier
	ingestor      ingestion_engine.Ingestor
	publicBaseURL string
}

func NewIngestHandler(verifier Verifier, ingestor ingestion_engine.Ingestor, publicBaseURL string) *IngestHandler {
	return &IngestHandler{verifier: verifier, ingestor: ingestor, publicBaseURL: publicBaseURL}
}

type callbackResponse struct {
	Success    bool   `json:"success"`
	FileID     string `json:"fileId,omitempty"`
	ChunkCount int    `json:"chunkCount"`
	Status     string `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (h *IngestHandler) Callback(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJobBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, callbackResponse{Error: "unreadable body"})
		return
	}

	exactURL := h.publicBaseURL + r.URL.RequestURI()
	if !h.verifier.Verify(r.Header.Get(queue.SignatureHeader), raw, exactURL) {
		log.Warn("rejected unsigned ingestion callback", "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, callbackResponse{Error: "invalid signature"})
		return
	}

	job, err := ingestion_engine.DecodeJob(raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, callbackResponse{Error: err.Error()})
		return
	}

	res, err := h.ingestor.ProcessOne(r.Context(), job)
	if err != nil {
		msg := apperr.PublicMessage(err)
		writeJSON(w, http.StatusInternalServerError, callbackResponse{
			FileID: job.FileID, Status: string(res.Status), Error: msg,
		})
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{
		Success: true, FileID: res.FileID, ChunkCount: res.ChunkCount, Status: string(res.Status),
	})
}
