package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/therealutkarshpriyadarshi/vehicledetect/internal/config"
	"github.com/therealutkarshpriyadarshi/vehicledetect/pkg/models"
)

const (
	ExchangeName           = "vehicledetect"
	DeadLetterExchangeName = "vehicledetect_dlq"
	maxPriority            = 10
)

// ErrRetry marks a handler failure worth redelivering, such as the workspace
// being busy. Any other handler error dead-letters the message.
var ErrRetry = errors.New("retry later")

// Queue provides message queue operations
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	name    string
}

// New creates a new queue client and declares its topology
func New(cfg config.QueueConfig) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	q := &Queue{conn: conn, channel: channel, name: cfg.Name}
	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) deadLetterName() string {
	return q.name + "_dlq"
}

func (q *Queue) declare() error {
	for _, exchange := range []string{ExchangeName, DeadLetterExchangeName} {
		if err := q.channel.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	if _, err := q.channel.QueueDeclare(q.deadLetterName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}
	if err := q.channel.QueueBind(q.deadLetterName(), q.name, DeadLetterExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange": DeadLetterExchangeName,
		"x-max-priority":         maxPriority,
	}
	if _, err := q.channel.QueueDeclare(q.name, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := q.channel.QueueBind(q.name, q.name, ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishRun publishes a run request to the queue
func (q *Queue) PublishRun(ctx context.Context, req *models.RunRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal run request: %w", err)
	}

	err = q.channel.PublishWithContext(ctx,
		ExchangeName,
		q.name,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			MessageId:    req.RunID,
			Body:         body,
			Timestamp:    time.Now(),
			Priority:     priority(req.Priority),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish run request: %w", err)
	}
	return nil
}

// Handler processes one run request
type Handler func(ctx context.Context, req *models.RunRequest) error

// ConsumeRuns delivers run requests to handler one at a time until ctx ends
// or the channel closes
func (q *Queue) ConsumeRuns(ctx context.Context, handler Handler) error {
	if err := q.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			ack, requeue := dispatch(ctx, msg.Body, handler)
			if ack {
				msg.Ack(false)
			} else {
				msg.Nack(false, requeue)
			}
		}
	}
}

// dispatch decodes and handles a message body and decides its fate
func dispatch(ctx context.Context, body []byte, handler Handler) (ack, requeue bool) {
	req, err := decodeRequest(body)
	if err != nil {
		return false, false
	}

	err = handler(ctx, req)
	switch {
	case err == nil:
		return true, false
	case errors.Is(err, ErrRetry):
		return false, true
	default:
		return false, false
	}
}

func decodeRequest(body []byte) (*models.RunRequest, error) {
	var req models.RunRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run request: %w", err)
	}
	if req.RunID == "" || req.VideoPath == "" {
		return nil, fmt.Errorf("run request needs run_id and video_path")
	}
	return &req, nil
}

func priority(p int) uint8 {
	switch {
	case p < 0:
		return 0
	case p > maxPriority:
		return maxPriority
	default:
		return uint8(p)
	}
}

// Depth returns the number of messages waiting in the queue
func (q *Queue) Depth() (int, error) {
	info, err := q.channel.QueueInspect(q.name)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return info.Messages, nil
}

// DeadLetterDepth returns the number of dead-lettered run requests
func (q *Queue) DeadLetterDepth() (int, error) {
	info, err := q.channel.QueueInspect(q.deadLetterName())
	if err != nil {
		return 0, fmt.Errorf("failed to inspect dead letter queue: %w", err)
	}
	return info.Messages, nil
}
