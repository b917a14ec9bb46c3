package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/config"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/models"
)

// amqpPublisher is the part of *amqp.Channel used for publishing
type amqpPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitMQPublisher publishes classification results and rejected payloads
// to the results exchange
type RabbitMQPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	pub     amqpPublisher
	config  config.RabbitMQConfig
	logger  logrus.FieldLogger
	now     func() time.Time
	mu      sync.Mutex
}

// NewRabbitMQPublisher connects to RabbitMQ and declares the results exchange
func NewRabbitMQPublisher(cfg config.RabbitMQConfig, logger logrus.FieldLogger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(
		cfg.ResultsExchange, // name
		"topic",             // type
		true,                // durable
		false,               // auto-deleted
		false,               // internal
		false,               // no-wait
		nil,                 // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare results exchange: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"exchange":        cfg.ResultsExchange,
		"routing_key":     cfg.ResultsRoutingKey,
		"dead_letter_key": cfg.DeadLetterRoutingKey,
	}).Info("RabbitMQ publisher initialized")

	p := newRabbitMQPublisher(channel, cfg, logger)
	p.conn = conn
	p.channel = channel
	return p, nil
}

func newRabbitMQPublisher(pub amqpPublisher, cfg config.RabbitMQConfig, logger logrus.FieldLogger) *RabbitMQPublisher {
	return &RabbitMQPublisher{
		pub:    pub,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// PublishClassified implements domain.EventPublisher
func (p *RabbitMQPublisher) PublishClassified(ctx context.Context, entry *domain.ClassifiedTransaction, c domain.Classification) error {
	event := models.NewClassifiedEvent(entry, c, p.now())
	return p.publish(ctx, p.config.ResultsRoutingKey, event.EventID, event)
}

// PublishRejected publishes a payload together with the reason it was rejected
func (p *RabbitMQPublisher) PublishRejected(ctx context.Context, payload []byte, deliveryKey string, reason error) error {
	event := models.NewRejectedEvent(payload, deliveryKey, reason, p.now())
	return p.publish(ctx, p.config.DeadLetterRoutingKey, event.EventID, event)
}

func (p *RabbitMQPublisher) publish(ctx context.Context, routingKey, messageID string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.pub.PublishWithContext(ctx,
		p.config.ResultsExchange, // exchange
		routingKey,               // routing key
		false,                    // mandatory
		false,                    // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    messageID,
			Timestamp:    p.now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}
	return nil
}

// Close closes the RabbitMQ connection and channel
func (p *RabbitMQPublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.WithError(err).Warn("error closing publisher channel")
		}
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
