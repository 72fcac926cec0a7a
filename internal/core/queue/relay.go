package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/markdave123-py/docbot/internal/metrics"
)

type RelayConfig struct {
	Queue       string
	DeadLetter  string
	MaxAttempts int
	Prefetch    int
	Backoff     time.Duration
	// HTTPTimeout bounds one callback. It must exceed the ingestion timeout
	// or slow files are retried while still running.
	HTTPTimeout time.Duration
}

// Relay consumes the ingestion queue and delivers each job to its callback
// URL as a signed POST.
type Relay struct {
	conn   *amqp.Connection
	signer *Signer
	client *http.Client
	cfg    RelayConfig
}

// publisher is the part of *amqp.Channel used to requeue a job.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRetry
	outcomeReject
)

func NewRelay(conn *amqp.Connection, signer *Signer, cfg RelayConfig) *Relay {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 4
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 2 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 6 * time.Minute
	}
	return &Relay{
		conn:   conn,
		signer: signer,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		cfg:    cfg,
	}
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (r *Relay) Run(ctx context.Context) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open relay channel failed: %w", err)
	}
	defer ch.Close()

	if err := declareTopology(ch, r.cfg.Queue, r.cfg.DeadLetter); err != nil {
		return err
	}
	if err := ch.Qos(r.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set relay qos failed: %w", err)
	}
	deliveries, err := ch.Consume(r.cfg.Queue, "docbot-relay", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue failed: %w", err)
	}
	log.Info("relay consuming", "queue", r.cfg.Queue, "prefetch", r.cfg.Prefetch)

	var (
		wg     sync.WaitGroup
		closed = make(chan struct{}, r.cfg.Prefetch)
	)
	for range r.cfg.Prefetch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						closed <- struct{}{}
						return
					}
					r.handle(ctx, ch, d)
				}
			}
		}()
	}
	wg.Wait()

	if ctx.Err() == nil && len(closed) > 0 {
		return errors.New("relay delivery channel closed")
	}
	return nil
}

func (r *Relay) handle(ctx context.Context, pub publisher, d amqp.Delivery) {
	callbackURL, _ := d.Headers[headerCallbackURL].(string)
	attempt := headerInt(d.Headers[headerAttempt])
	l := log.With("messageId", d.MessageId, "attempt", attempt)

	if callbackURL == "" {
		l.Error("job without callback url, dead-lettering")
		metrics.CountRelayDelivery("rejected")
		_ = d.Nack(false, false)
		return
	}

	out, err := r.deliver(ctx, callbackURL, d.Body)
	switch out {
	case outcomeDelivered:
		metrics.CountRelayDelivery("delivered")
		_ = d.Ack(false)
		return
	case outcomeReject:
		l.Error("callback rejected job, dead-lettering", "error", err)
		metrics.CountRelayDelivery("rejected")
		_ = d.Nack(false, false)
		return
	}

	if attempt >= r.cfg.MaxAttempts {
		l.Error("delivery attempts exhausted, dead-lettering", "error", err)
		metrics.CountRelayDelivery("exhausted")
		_ = d.Nack(false, false)
		return
	}

	wait := r.backoff(attempt)
	l.Warn("callback failed, retrying", "error", err, "in", wait)
	select {
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	case <-time.After(wait):
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerAttempt] = int32(attempt + 1)

	err = pub.PublishWithContext(ctx, "", r.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		l.Error("requeue failed", "error", err)
		_ = d.Nack(false, true)
		return
	}
	metrics.CountRelayDelivery("retried")
	_ = d.Ack(false)
}

// deliver POSTs one signed job. 2xx is delivered; 408, 429, 5xx and transport
// errors are retried; any other status is rejected.
func (r *Relay) deliver(ctx context.Context, callbackURL string, body []byte) (outcome, error) {
	sig, err := r.signer.Sign(callbackURL, body)
	if err != nil {
		return outcomeReject, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return outcomeReject, fmt.Errorf("build callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	start := time.Now()
	resp, err := r.client.Do(req)
	metrics.CaptureDependencyLatency("ingest_callback", time.Since(start))
	if err != nil {
		return outcomeRetry, fmt.Errorf("callback request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeDelivered, nil
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return outcomeRetry, fmt.Errorf("callback returned %d", resp.StatusCode)
	default:
		return outcomeReject, fmt.Errorf("callback returned %d", resp.StatusCode)
	}
}

// backoff doubles per attempt and is capped at five minutes.
func (r *Relay) backoff(attempt int) time.Duration {
	d := r.cfg.Backoff
	for i := 1; i < attempt && d < 5*time.Minute; i++ {
		d *= 2
	}
	return min(d, 5*time.Minute)
}

func headerInt(v any) int {
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case int:
		return n
	case int16:
		return int(n)
	case int8:
		return int(n)
	case uint8:
		return int(n)
	}
	return 1
}
