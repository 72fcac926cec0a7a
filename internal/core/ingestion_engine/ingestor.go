package ingestion_engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/markdave123-py/docbot/internal/models"
)

// Job is the payload carried by the queue to the ingestion callback.
// Attempt pins the run to one retry generation; 0 means the file's current one.
type Job struct {
	FileID  string `json:"fileId"`
	Attempt int    `json:"attempt,omitempty"`
}

func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

func DecodeJob(raw []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	j.FileID = strings.TrimSpace(j.FileID)
	if j.FileID == "" {
		return Job{}, fmt.Errorf("decode job: fileId is required")
	}
	if j.Attempt < 0 {
		return Job{}, fmt.Errorf("decode job: attempt must not be negative")
	}
	return j, nil
}

// Result describes what one ProcessOne call did. Skipped is set when the job
// did not own the file (duplicate delivery, superseded attempt, deleted file).
type Result struct {
	FileID     string                  `json:"fileId"`
	Status     models.ProcessingStatus `json:"status"`
	ChunkCount int                     `json:"chunkCount"`
	Skipped    bool                    `json:"skipped"`
}

type Ingestor interface {
	ProcessOne(ctx context.Context, job Job) (Result, error)
}
