package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitMQ publishes events to durable queues. Topics listed at construction
// get their own queue; everything else goes to the default queue.
type RabbitMQ struct {
	mu          sync.Mutex
	conn        *amqp091.Connection
	channel     *amqp091.Channel
	queue       string
	prefix      string
	topicQueues map[string]bool
}

// DialRabbitMQ connects and opens a channel.
func DialRabbitMQ(url, queue, prefix string, topicQueues []string) (*RabbitMQ, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}

	r := &RabbitMQ{
		conn:        conn,
		channel:     channel,
		queue:       queue,
		prefix:      prefix,
		topicQueues: make(map[string]bool),
	}
	for _, topic := range topicQueues {
		topic = strings.TrimSpace(topic)
		if !IsValidTopic(topic) {
			log.Warn().Str("topic", topic).Msg("Ignoring unknown topic in RabbitMQ topic queues")
			continue
		}
		r.topicQueues[topic] = true
	}

	log.Info().
		Str("queue", queue).
		Str("prefix", prefix).
		Interface("topicQueues", topicQueues).
		Msg("RabbitMQ connection established")
	return r, nil
}

func (r *RabbitMQ) Name() string { return "rabbitmq" }

// queueName returns "<prefix>_<queue>" or, for dedicated topics,
// "<prefix>_<topic>" with ':' replaced.
func (r *RabbitMQ) queueName(topic string) string {
	if r.topicQueues[topic] {
		return r.prefix + "_" + strings.ReplaceAll(strings.ToLower(topic), ":", "_")
	}
	return r.prefix + "_" + r.queue
}

func (r *RabbitMQ) Deliver(ctx context.Context, evt *Event) error {
	body, err := evt.Envelope()
	if err != nil {
		return err
	}
	queueName := r.queueName(evt.Topic)

	// amqp channels are not safe for concurrent use
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("could not declare queue %s: %w", queueName, err)
	}
	err = r.channel.PublishWithContext(ctx, "", queueName, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    evt.ID,
		Timestamp:    evt.CreatedAt,
		Type:         evt.Topic,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("could not publish to %s: %w", queueName, err)
	}
	log.Debug().Str("eventID", evt.ID).Str("queue", queueName).Msg("Published event to RabbitMQ")
	return nil
}

// Close releases the channel and connection.
func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		_ = r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
