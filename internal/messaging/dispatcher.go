package messaging

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
	"golang.org/x/sync/errgroup"
)

// Processor classifies and persists a parsed transaction
type Processor interface {
	ProcessTransaction(ctx context.Context, tx domain.Transaction, deliveryKey string) (domain.Outcome, error)
}

// Pipeline is the part of domain.Pipeline used by the consumers
type Pipeline interface {
	Processor
	Parse(body []byte) (domain.Transaction, error)
}

// RejectionPublisher routes payloads that can never be classified to a dead-letter destination
type RejectionPublisher interface {
	PublishRejected(ctx context.Context, payload []byte, deliveryKey string, reason error) error
}

// Job is one transaction waiting for a worker
type Job struct {
	Tx   domain.Transaction
	Key  string
	Done func(domain.Outcome, error) // Called by the worker after processing
}

// Dispatcher fans transactions out to a fixed set of workers.
// All transactions of a card go to the same worker, so they are processed
// in submission order while different cards run in parallel.
type Dispatcher struct {
	processor Processor
	queues    []chan Job
	logger    logrus.FieldLogger
}

// NewDispatcher creates a Dispatcher with the given number of workers
func NewDispatcher(processor Processor, workers int, logger logrus.FieldLogger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	queues := make([]chan Job, workers)
	for i := range queues {
		queues[i] = make(chan Job, 1)
	}
	return &Dispatcher{
		processor: processor,
		queues:    queues,
		logger:    logger,
	}
}

// Workers returns the number of workers
func (d *Dispatcher) Workers() int {
	return len(d.queues)
}

// Submit hands a job to the worker owning its card.
// It blocks while that worker is busy.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	select {
	case d.queues[d.worker(job.Tx.CardID)] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the workers and blocks until ctx is cancelled.
// Jobs still queued at that point are dropped without calling Done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, queue := range d.queues {
		g.Go(func() error {
			return d.work(ctx, i, queue)
		})
	}

	d.logger.WithField("workers", len(d.queues)).Info("dispatcher started")
	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) work(ctx context.Context, id int, queue <-chan Job) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job := <-queue:
			outcome, err := d.processor.ProcessTransaction(ctx, job.Tx, job.Key)
			if job.Done != nil {
				job.Done(outcome, err)
			}
			d.logger.WithFields(logrus.Fields{
				"worker":  id,
				"card_id": job.Tx.CardID,
				"outcome": outcome.Kind,
			}).Debug("job done")
		}
	}
}

func (d *Dispatcher) worker(cardID string) int {
	return int(xxhash.Sum64String(cardID) % uint64(len(d.queues)))
}
