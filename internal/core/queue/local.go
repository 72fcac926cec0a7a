package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/markdave123-py/docbot/internal/metrics"
)

var (
	// ErrBacklogFull is returned by LocalDispatcher.Enqueue when every worker
	// is busy and the backlog has no room left.
	ErrBacklogFull = errors.New("local job backlog is full")
	// ErrDispatcherClosed is returned for jobs enqueued after Close.
	ErrDispatcherClosed = errors.New("dispatcher is closed")
)

// Handler runs one job payload.
type Handler func(ctx context.Context, payload []byte) error

type localJob struct {
	id   string
	ctx  context.Context
	body []byte
}

// LocalDispatcher runs jobs in-process on a bounded worker pool. It is the
// dispatcher for single-process deployments without a broker. Enqueue only
// places the job on a bounded backlog; a feeder goroutine hands jobs to the
// pool, so the caller never waits for a free worker.
type LocalDispatcher struct {
	pool    *ants.Pool
	handler Handler
	signer  *Signer

	jobs    chan localJob
	drained chan struct{}

	mu     sync.RWMutex
	closed bool
}

var _ Dispatcher = (*LocalDispatcher)(nil)

// NewLocalDispatcher starts a pool of workers fed from a backlog of the given
// capacity. Non-positive values fall back to 4 workers and 64 jobs per worker.
func NewLocalDispatcher(workers, backlog int, signer *Signer, handler Handler) (*LocalDispatcher, error) {
	if workers <= 0 {
		workers = 4
	}
	if backlog <= 0 {
		backlog = workers * 64
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	d := &LocalDispatcher{
		pool:    pool,
		handler: handler,
		signer:  signer,
		jobs:    make(chan localJob, backlog),
		drained: make(chan struct{}),
	}
	go d.feed()
	return d, nil
}

// feed is the only goroutine allowed to block on the pool.
func (d *LocalDispatcher) feed() {
	defer close(d.drained)
	for j := range d.jobs {
		if err := d.pool.Submit(func() { d.run(j) }); err != nil {
			log.Error("local job dropped", "jobId", j.id, "error", err)
		}
	}
}

func (d *LocalDispatcher) run(j localJob) {
	if err := d.handler(j.ctx, j.body); err != nil {
		log.Error("local job failed", "jobId", j.id, "error", err)
	}
}

func (d *LocalDispatcher) Enqueue(ctx context.Context, url string, payload []byte) (Ack, error) {
	j := localJob{
		id:   uuid.NewString(),
		body: append([]byte(nil), payload...),
		// Detached from the request: the job must outlive it.
		ctx: context.WithoutCancel(ctx),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.CountDispatch("local", "error")
		return Ack{}, ErrDispatcherClosed
	}
	select {
	case d.jobs <- j:
	default:
		metrics.CountDispatch("local", "overloaded")
		return Ack{}, fmt.Errorf("submit job: %w", ErrBacklogFull)
	}
	metrics.CountDispatch("local", "ok")
	log.Debug("job submitted", "jobId", j.id, "url", url, "backlog", len(d.jobs))
	return Ack{ID: j.id, Dispatcher: "local", At: time.Now()}, nil
}

func (d *LocalDispatcher) Verify(signature string, rawBody []byte, exactURL string) bool {
	return d.signer.Verify(signature, rawBody, exactURL)
}

// Close stops accepting jobs and waits up to 30s for the backlog to reach the
// pool, then up to 30s more for running jobs to finish.
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()

	select {
	case <-d.drained:
	case <-time.After(30 * time.Second):
		log.Warn("local backlog not drained before shutdown", "pending", len(d.jobs))
	}
	return d.pool.ReleaseTimeout(30 * time.Second)
}
