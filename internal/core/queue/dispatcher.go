package queue

import (
	"context"
	"time"
)

// Ack confirms that a job was handed off. It says nothing about processing.
type Ack struct {
	ID         string
	Dispatcher string
	At         time.Time
}

// Dispatcher hands ingestion jobs to an at-least-once executor and
// authenticates the callbacks it produces.
type Dispatcher interface {
	Enqueue(ctx context.Context, url string, payload []byte) (Ack, error)
	Verify(signature string, rawBody []byte, exactURL string) bool
	Close() error
}

const (
	headerCallbackURL = "x-callback-url"
	headerAttempt     = "x-delivery-attempt"
)
