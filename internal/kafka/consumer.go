// Package kafka carries notification requests into the pipeline and pushes
// persisted notifications out to realtime subscribers.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"notification-pipeline/pkg/config"
	"notification-pipeline/pkg/models"
)

// Consumer reads notification requests from a consumer group
type Consumer struct {
	consumerGroup sarama.ConsumerGroup
	topics        []string
	handler       *ConsumerGroupHandler
	logger        *logrus.Logger
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// ConsumerGroupHandler implements sarama.ConsumerGroupHandler
type ConsumerGroupHandler struct {
	requests chan<- *models.NotificationRequest
	errs     chan<- error
	logger   *logrus.Logger
}

// NewConsumerGroupHandler creates a handler that decodes each message into
// requests. Undecodable messages are reported on errs and skipped.
func NewConsumerGroupHandler(requests chan<- *models.NotificationRequest, errs chan<- error, logger *logrus.Logger) *ConsumerGroupHandler {
	return &ConsumerGroupHandler{requests: requests, errs: errs, logger: logger}
}

// NewConsumer creates a consumer on cfg.RequestTopic
func NewConsumer(cfg config.KafkaConfig, requests chan<- *models.NotificationRequest, errs chan<- error, logger *logrus.Logger) (*Consumer, error) {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_6_0_0
	sc.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	if cfg.OffsetOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	sc.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &Consumer{
		consumerGroup: group,
		topics:        []string{cfg.RequestTopic},
		handler:       NewConsumerGroupHandler(requests, errs, logger),
		logger:        logger,
	}, nil
}

// Start consumes until Stop is called or ctx is cancelled
func (c *Consumer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
				if !c.handler.report(ctx, fmt.Errorf("consumer error: %w", err)) {
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.consumerGroup.Errors() {
			if !c.handler.report(ctx, fmt.Errorf("consumer group error: %w", err)) {
				return
			}
		}
	}()

	c.logger.WithField("topics", c.topics).Info("Kafka consumer started")
}

// Stop cancels consumption and closes the group
func (c *Consumer) Stop() error {
	c.logger.Info("Stopping Kafka consumer...")
	if c.cancel != nil {
		c.cancel()
	}
	err := c.consumerGroup.Close()
	c.wg.Wait()
	return err
}

// Setup is run at the beginning of a new session, before ConsumeClaim
func (h *ConsumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited
func (h *ConsumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim decodes messages until the claim closes or the session ends.
// A message is marked once it has been handed to the requests channel.
func (h *ConsumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}

			var req models.NotificationRequest
			if err := json.Unmarshal(message.Value, &req); err != nil {
				h.logger.WithFields(logrus.Fields{
					"partition": message.Partition,
					"offset":    message.Offset,
				}).WithError(err).Warn("Skipping undecodable notification request")
				session.MarkMessage(message, "")
				if !h.report(ctx, fmt.Errorf("failed to unmarshal message: %w", err)) {
					return nil
				}
				continue
			}

			select {
			case h.requests <- &req:
				session.MarkMessage(message, "")
			case <-ctx.Done():
				return nil
			}

		case <-ctx.Done():
			return nil
		}
	}
}

// report forwards err unless ctx ends first
func (h *ConsumerGroupHandler) report(ctx context.Context, err error) bool {
	if h.errs == nil {
		h.logger.WithError(err).Error("Kafka consumer error")
		return ctx.Err() == nil
	}
	select {
	case h.errs <- err:
		return true
	case <-ctx.Done():
		return false
	}
}

// HealthCheck verifies the brokers answer a metadata request
func HealthCheck(brokers []string) error {
	sc := sarama.NewConfig()
	sc.Version = sarama.V2_6_0_0

	client, err := sarama.NewClient(brokers, sc)
	if err != nil {
		return fmt.Errorf("failed to create kafka client: %w", err)
	}
	defer client.Close()

	if _, err := client.Topics(); err != nil {
		return fmt.Errorf("failed to fetch topics: %w", err)
	}
	return nil
}
