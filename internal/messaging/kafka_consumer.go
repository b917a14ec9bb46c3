package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/sirupsen/logrus"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/config"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

const pollTimeoutMs = 100

// kafkaClient is the part of *kafka.Consumer the consumer uses
type kafkaClient interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	StoreOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Commit() ([]kafka.TopicPartition, error)
	Close() error
}

// KafkaConsumer consumes card transaction events from a Kafka topic.
//
// Messages are processed one at a time in partition order. An offset is
// stored only after its message was classified or rejected, and stored
// offsets are committed every CommitEvery messages and on shutdown.
// Retryable failures are retried in place until they succeed or the
// consumer stops, so a message is never skipped.
type KafkaConsumer struct {
	client     kafkaClient
	config     config.KafkaConfig
	pipeline   Pipeline
	rejects    RejectionPublisher
	logger     logrus.FieldLogger
	newBackOff func() backoff.BackOff
}

// NewKafkaConsumer creates a consumer in the configured group
func NewKafkaConsumer(cfg config.KafkaConfig, pipeline Pipeline, rejects RejectionPublisher, logger logrus.FieldLogger) (*KafkaConsumer, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":        cfg.Brokers,
		"group.id":                 cfg.GroupID,
		"auto.offset.reset":        "earliest",
		"enable.auto.commit":       false,
		"enable.auto.offset.store": false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"brokers":      cfg.Brokers,
		"group_id":     cfg.GroupID,
		"topic":        cfg.Topic,
		"commit_every": cfg.CommitEvery,
	}).Info("Kafka consumer initialized")

	return newKafkaConsumer(consumer, cfg, pipeline, rejects, logger), nil
}

func newKafkaConsumer(client kafkaClient, cfg config.KafkaConfig, pipeline Pipeline, rejects RejectionPublisher, logger logrus.FieldLogger) *KafkaConsumer {
	if cfg.CommitEvery < 1 {
		cfg.CommitEvery = 1
	}
	return &KafkaConsumer{
		client:   client,
		config:   cfg,
		pipeline: pipeline,
		rejects:  rejects,
		logger:   logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0 // until the consumer stops
			return b
		},
	}
}

// Start subscribes to the topic and polls until ctx is cancelled
func (c *KafkaConsumer) Start(ctx context.Context) error {
	if err := c.client.SubscribeTopics([]string{c.config.Topic}, nil); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.config.Topic, err)
	}
	c.logger.WithField("topic", c.config.Topic).Info("Kafka consumer started")

	processed := 0
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context cancelled, stopping Kafka consumer")
			c.commit()
			return nil
		default:
		}

		switch e := c.client.Poll(pollTimeoutMs).(type) {
		case nil:
			continue

		case *kafka.Message:
			if err := c.handleMessage(ctx, e); err != nil {
				c.logger.WithError(err).Info("stopping Kafka consumer")
				c.commit()
				return nil
			}
			processed++
			if processed%c.config.CommitEvery == 0 {
				c.commit()
			}

		case kafka.Error:
			if e.IsFatal() {
				c.commit()
				return fmt.Errorf("fatal Kafka error: %w", e)
			}
			c.logger.WithError(e).Warn("Kafka error")

		default:
			c.logger.WithField("event", e.String()).Debug("ignored Kafka event")
		}
	}
}

// handleMessage processes a message and stores its offset.
// It only returns an error when ctx is cancelled before the message settled.
func (c *KafkaConsumer) handleMessage(ctx context.Context, msg *kafka.Message) error {
	key := deliveryKey(msg.TopicPartition)
	log := c.logger.WithField("delivery_key", key)

	tx, err := c.pipeline.Parse(msg.Value)
	if err != nil {
		log.WithError(err).Warn("rejecting malformed transaction")
		if err := c.reject(ctx, msg.Value, key, err); err != nil {
			return err
		}
		c.storeOffset(msg.TopicPartition)
		return nil
	}

	err = backoff.Retry(func() error {
		_, err := c.pipeline.ProcessTransaction(ctx, tx, key)
		if err == nil {
			return nil
		}
		if domain.IsRejected(err) {
			return backoff.Permanent(err)
		}
		log.WithError(err).Warn("processing failed, retrying")
		return err
	}, backoff.WithContext(c.newBackOff(), ctx))

	switch {
	case err == nil:
	case domain.IsRejected(err):
		if err := c.reject(ctx, msg.Value, key, err); err != nil {
			return err
		}
	default:
		return err
	}

	c.storeOffset(msg.TopicPartition)
	return nil
}

// reject publishes the payload to the dead-letter route, retrying until it
// succeeds or ctx is cancelled
func (c *KafkaConsumer) reject(ctx context.Context, payload []byte, key string, reason error) error {
	if c.rejects == nil {
		return nil
	}
	return backoff.Retry(func() error {
		err := c.rejects.PublishRejected(ctx, payload, key, reason)
		if err != nil {
			c.logger.WithError(err).WithField("delivery_key", key).Warn("failed to publish rejected transaction")
		}
		return err
	}, backoff.WithContext(c.newBackOff(), ctx))
}

// storeOffset marks the message as done; the committed offset is the next one to read
func (c *KafkaConsumer) storeOffset(tp kafka.TopicPartition) {
	next := tp
	next.Offset++
	if _, err := c.client.StoreOffsets([]kafka.TopicPartition{next}); err != nil {
		c.logger.WithError(err).WithField("delivery_key", deliveryKey(tp)).Warn("failed to store offset")
	}
}

func (c *KafkaConsumer) commit() {
	if _, err := c.client.Commit(); err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrNoOffset {
			return
		}
		c.logger.WithError(err).Warn("failed to commit offsets")
	}
}

// Close closes the Kafka consumer
func (c *KafkaConsumer) Close() error {
	return c.client.Close()
}

// deliveryKey identifies a message by its position, which is stable across redeliveries
func deliveryKey(tp kafka.TopicPartition) string {
	topic := ""
	if tp.Topic != nil {
		topic = *tp.Topic
	}
	return fmt.Sprintf("%s/%d/%d", topic, tp.Partition, int64(tp.Offset))
}
