package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/markdave123-py/docbot/internal/metrics"
	"github.com/markdave123-py/docbot/pkg/logger"
)

var log = logger.NewLogger("queue")

// Dial connects to the broker and checks it answers on a channel.
func Dial(ctx context.Context, url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq failed: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		ch, err := conn.Channel()
		if err == nil {
			_ = ch.Close()
		}
		done <- err
	}()

	select {
	case <-checkCtx.Done():
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq health check timeout: %w", checkCtx.Err())
	case err := <-done:
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
		}
		return conn, nil
	}
}

// declareTopology declares the work queue and its dead-letter queue. Rejected
// deliveries on the work queue are routed to the dead-letter queue.
func declareTopology(ch *amqp.Channel, queue, deadLetter string) error {
	if _, err := ch.QueueDeclare(deadLetter, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue failed: %w", err)
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": deadLetter,
	})
	if err != nil {
		return fmt.Errorf("declare queue failed: %w", err)
	}
	return nil
}

// RabbitDispatcher publishes jobs as persistent messages and returns once the
// broker has confirmed them.
type RabbitDispatcher struct {
	conn   *amqp.Connection
	signer *Signer
	queue  string

	mu sync.Mutex
	ch *amqp.Channel
}

var _ Dispatcher = (*RabbitDispatcher)(nil)

func NewRabbitDispatcher(conn *amqp.Connection, signer *Signer, queue, deadLetter string) (*RabbitDispatcher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open rabbitmq channel failed: %w", err)
	}
	if err := declareTopology(ch, queue, deadLetter); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms failed: %w", err)
	}
	return &RabbitDispatcher{conn: conn, signer: signer, queue: queue, ch: ch}, nil
}

func (d *RabbitDispatcher) channel() (*amqp.Channel, error) {
	if d.ch != nil && !d.ch.IsClosed() {
		return d.ch, nil
	}
	ch, err := d.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("reopen rabbitmq channel failed: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms failed: %w", err)
	}
	d.ch = ch
	return ch, nil
}

func (d *RabbitDispatcher) Enqueue(ctx context.Context, url string, payload []byte) (Ack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, err := d.channel()
	if err != nil {
		metrics.CountDispatch("rabbitmq", "error")
		return Ack{}, err
	}

	id := uuid.NewString()
	now := time.Now()
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", d.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    now,
		Headers: amqp.Table{
			headerCallbackURL: url,
			headerAttempt:     int32(1),
		},
		Body: payload,
	})
	if err != nil {
		metrics.CountDispatch("rabbitmq", "error")
		return Ack{}, fmt.Errorf("publish job failed: %w", err)
	}

	ok, err := conf.WaitContext(ctx)
	if err != nil {
		metrics.CountDispatch("rabbitmq", "error")
		return Ack{}, fmt.Errorf("wait for publish confirm: %w", err)
	}
	if !ok {
		metrics.CountDispatch("rabbitmq", "nacked")
		return Ack{}, errors.New("broker rejected job")
	}

	metrics.CountDispatch("rabbitmq", "ok")
	log.Debug("job enqueued", "messageId", id, "queue", d.queue)
	return Ack{ID: id, Dispatcher: "rabbitmq", At: now}, nil
}

func (d *RabbitDispatcher) Verify(signature string, rawBody []byte, exactURL string) bool {
	return d.signer.Verify(signature, rawBody, exactURL)
}

// Close closes the publishing channel. The connection belongs to the caller.
func (d *RabbitDispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch == nil || d.ch.IsClosed() {
		return nil
	}
	return d.ch.Close()
}
