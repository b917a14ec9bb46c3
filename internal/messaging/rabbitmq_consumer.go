package messaging

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/config"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

// RabbitMQConsumer consumes card transaction events from RabbitMQ
type RabbitMQConsumer struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	config     config.RabbitMQConfig
	pipeline   Pipeline
	dispatcher *Dispatcher
	rejects    RejectionPublisher
	logger     logrus.FieldLogger
}

// NewRabbitMQConsumer connects to RabbitMQ and declares the transaction queue.
// rejects may be nil, in which case rejected payloads are only logged.
func NewRabbitMQConsumer(cfg config.RabbitMQConfig, pipeline Pipeline, dispatcher *Dispatcher, rejects RejectionPublisher, logger logrus.FieldLogger) (*RabbitMQConsumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(channel, cfg); err != nil {
		channel.Close()
		conn.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"exchange":    cfg.Exchange,
		"queue":       cfg.Queue,
		"routing_key": cfg.RoutingKey,
		"prefetch":    cfg.Prefetch,
	}).Info("RabbitMQ consumer initialized")

	c := newRabbitMQConsumer(cfg, pipeline, dispatcher, rejects, logger)
	c.conn = conn
	c.channel = channel
	return c, nil
}

func newRabbitMQConsumer(cfg config.RabbitMQConfig, pipeline Pipeline, dispatcher *Dispatcher, rejects RejectionPublisher, logger logrus.FieldLogger) *RabbitMQConsumer {
	return &RabbitMQConsumer{
		config:     cfg,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		rejects:    rejects,
		logger:     logger,
	}
}

func declareTopology(channel *amqp.Channel, cfg config.RabbitMQConfig) error {
	// Topic exchange for routing
	err := channel.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := channel.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = channel.QueueBind(
		queue.Name,     // queue name
		cfg.RoutingKey, // routing key
		cfg.Exchange,   // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	// Bounds the number of unacknowledged deliveries held by the workers
	if err := channel.Qos(cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	return nil
}

// Start begins consuming messages from the queue
func (c *RabbitMQConsumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.config.Queue, // queue
		"",             // consumer tag (auto-generated)
		false,          // auto-ack (we'll ack manually)
		false,          // exclusive
		false,          // no-local
		false,          // no-wait
		nil,            // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.WithField("queue", c.config.Queue).Info("RabbitMQ consumer started")
	return c.consume(ctx, msgs)
}

func (c *RabbitMQConsumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context cancelled, stopping RabbitMQ consumer")
			return nil

		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("message channel closed")
			}
			if err := c.handleMessage(ctx, msg); err != nil {
				// Unacknowledged deliveries are redelivered once the channel closes
				c.logger.WithError(err).Info("stopping RabbitMQ consumer")
				return nil
			}
		}
	}
}

// handleMessage parses a delivery and hands it to the dispatcher.
// The delivery is settled by the worker once processing finishes.
func (c *RabbitMQConsumer) handleMessage(ctx context.Context, msg amqp.Delivery) error {
	log := c.logger.WithField("message_id", msg.MessageId)

	tx, err := c.pipeline.Parse(msg.Body)
	if err != nil {
		log.WithError(err).Warn("rejecting malformed transaction")
		c.reject(ctx, msg, err)
		return nil
	}

	return c.dispatcher.Submit(ctx, Job{
		Tx:  tx,
		Key: msg.MessageId,
		Done: func(outcome domain.Outcome, err error) {
			c.settle(ctx, msg, outcome, err)
		},
	})
}

func (c *RabbitMQConsumer) settle(ctx context.Context, msg amqp.Delivery, outcome domain.Outcome, err error) {
	log := c.logger.WithFields(logrus.Fields{
		"message_id": msg.MessageId,
		"outcome":    outcome.Kind,
	})

	switch {
	case err == nil:
		if ackErr := msg.Ack(false); ackErr != nil {
			log.WithError(ackErr).Error("failed to ack message")
		}
	case domain.IsRejected(err):
		c.reject(ctx, msg, err)
	default:
		log.WithError(err).Warn("processing failed, requeueing message")
		if nackErr := msg.Nack(false, true); nackErr != nil {
			log.WithError(nackErr).Error("failed to nack message")
		}
	}
}

// reject publishes the payload to the dead-letter route and drops the delivery.
// If the dead letter cannot be published the delivery is requeued instead.
func (c *RabbitMQConsumer) reject(ctx context.Context, msg amqp.Delivery, reason error) {
	requeue := false
	if c.rejects != nil {
		if err := c.rejects.PublishRejected(ctx, msg.Body, msg.MessageId, reason); err != nil {
			c.logger.WithError(err).WithField("message_id", msg.MessageId).Error("failed to publish rejected transaction")
			requeue = true
		}
	}
	if err := msg.Nack(false, requeue); err != nil {
		c.logger.WithError(err).WithField("message_id", msg.MessageId).Error("failed to nack message")
	}
}

// Close closes the RabbitMQ connection and channel
func (c *RabbitMQConsumer) Close() error {
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.WithError(err).Warn("error closing channel")
		}
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
