package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

func txBody(cardID, postcode string) []byte {
	return []byte(fmt.Sprintf(`{"card_id":%q,"member_id":"m-1","amount":"10","postcode":%q,"pos_id":"p-1","transaction_dt":"01-01-2020 10:00:00"}`,
		cardID, postcode))
}

// FakePipeline parses for real and records processed delivery keys
type FakePipeline struct {
	mu        sync.Mutex
	process   func(tx domain.Transaction, key string) (domain.Outcome, error)
	processed []string
}

func (p *FakePipeline) Parse(body []byte) (domain.Transaction, error) {
	return domain.ParseTransaction(body, time.UTC)
}

func (p *FakePipeline) ProcessTransaction(ctx context.Context, tx domain.Transaction, key string) (domain.Outcome, error) {
	p.mu.Lock()
	p.processed = append(p.processed, key)
	process := p.process
	p.mu.Unlock()

	if process != nil {
		return process(tx, key)
	}
	return domain.Outcome{Kind: domain.OutcomeGenuine}, nil
}

func (p *FakePipeline) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.processed...)
}

type rejection struct {
	payload string
	key     string
	reason  error
}

// RecordingRejects records dead-lettered payloads
type RecordingRejects struct {
	mu       sync.Mutex
	rejected []rejection
	err      error
}

func (r *RecordingRejects) PublishRejected(ctx context.Context, payload []byte, key string, reason error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rejected = append(r.rejected, rejection{payload: string(payload), key: key, reason: reason})
	return nil
}

func (r *RecordingRejects) all() []rejection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rejection(nil), r.rejected...)
}

type settlement struct {
	tag     uint64
	ack     bool
	requeue bool
}

// FakeAcknowledger reports settled deliveries on a channel
type FakeAcknowledger struct {
	settled chan settlement
}

func newFakeAcknowledger() *FakeAcknowledger {
	return &FakeAcknowledger{settled: make(chan settlement, 16)}
}

func (a *FakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.settled <- settlement{tag: tag, ack: true}
	return nil
}

func (a *FakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.settled <- settlement{tag: tag, requeue: requeue}
	return nil
}

func (a *FakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

var _ amqp.Acknowledger = (*FakeAcknowledger)(nil)

// FakeKafkaClient serves a fixed list of events and calls onDrained once it runs out
type FakeKafkaClient struct {
	mu         sync.Mutex
	events     []kafka.Event
	onDrained  func()
	stored     []kafka.TopicPartition
	commits    int
	commitErr  error
	subscribed []string
	closed     bool
}

func (c *FakeKafkaClient) SubscribeTopics(topics []string, _ kafka.RebalanceCb) error {
	c.subscribed = topics
	return nil
}

func (c *FakeKafkaClient) Poll(timeoutMs int) kafka.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		if c.onDrained != nil {
			c.onDrained()
		}
		return nil
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev
}

func (c *FakeKafkaClient) StoreOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = append(c.stored, offsets...)
	return offsets, nil
}

func (c *FakeKafkaClient) Commit() ([]kafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	return nil, c.commitErr
}

func (c *FakeKafkaClient) Close() error {
	c.closed = true
	return nil
}

func kafkaMessage(topic string, offset int64, value []byte) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 0, Offset: kafka.Offset(offset)},
		Value:          value,
	}
}

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// FakeChannel records published messages
type FakeChannel struct {
	published []published
	err       error
}

func (c *FakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.err != nil {
		return c.err
	}
	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}
