package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"notification-pipeline/pkg/config"
	"notification-pipeline/pkg/models"
)

// EventNotificationCreated is the event name on the realtime topic
const EventNotificationCreated = "notification.created"

// RealtimeEvent is the message pushed to realtime subscribers
type RealtimeEvent struct {
	Event        string               `json:"event"`
	Notification *models.Notification `json:"notification"`
	PublishedAt  time.Time            `json:"published_at"`
}

// Producer writes JSON messages keyed by user so one user's messages stay in
// partition order.
type Producer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

// NewProducer creates a synchronous producer
func NewProducer(cfg config.KafkaConfig, logger *logrus.Logger) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = cfg.ProducerRetries

	sp, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return NewProducerFrom(sp, logger), nil
}

// NewProducerFrom wraps an existing sarama producer
func NewProducerFrom(sp sarama.SyncProducer, logger *logrus.Logger) *Producer {
	return &Producer{producer: sp, logger: logger}
}

// Send marshals value and writes it to topic under key
func (p *Producer) Send(topic, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     topic,
		"key":       key,
		"partition": partition,
		"offset":    offset,
	}).Debug("Message sent")
	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.producer.Close()
}

// RequestQueue hands notification requests to the notifier process
type RequestQueue struct {
	producer *Producer
	topic    string
}

// NewRequestQueue creates a queue on topic
func NewRequestQueue(p *Producer, topic string) *RequestQueue {
	return &RequestQueue{producer: p, topic: topic}
}

// Enqueue writes req to the request topic
func (q *RequestQueue) Enqueue(ctx context.Context, req *models.NotificationRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return q.producer.Send(q.topic, req.UserID, req)
}

// RealtimePublisher pushes created notifications to the realtime topic. It
// satisfies provider.Provider.
type RealtimePublisher struct {
	producer *Producer
	topic    string
	brokers  []string
	now      func() time.Time
}

// NewRealtimePublisher creates a publisher on topic. brokers are used for
// health checks.
func NewRealtimePublisher(p *Producer, topic string, brokers []string) *RealtimePublisher {
	return &RealtimePublisher{producer: p, topic: topic, brokers: brokers, now: time.Now}
}

// Name identifies the publisher
func (r *RealtimePublisher) Name() string {
	return "kafka"
}

// Publish writes a notification.created event keyed by the recipient
func (r *RealtimePublisher) Publish(ctx context.Context, n *models.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.producer.Send(r.topic, n.UserID, RealtimeEvent{
		Event:        EventNotificationCreated,
		Notification: n,
		PublishedAt:  r.now().UTC(),
	})
}

// HealthCheck verifies the brokers are reachable
func (r *RealtimePublisher) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return HealthCheck(r.brokers)
}
