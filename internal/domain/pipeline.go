package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ledgerNamespace derives deterministic ledger IDs from transport delivery keys
var ledgerNamespace = uuid.MustParse("5b0b3c1e-8f0a-4c3e-9d53-2f3c7a9e6d10")

// StateWriteMode selects how card state is advanced after a GENUINE transaction.
type StateWriteMode string

const (
	// StateWriteOverwrite writes the new state unconditionally (last writer wins)
	StateWriteOverwrite StateWriteMode = "overwrite"

	// StateWriteCompareAndSwap writes only if the state read before
	// classification is still current
	StateWriteCompareAndSwap StateWriteMode = "compare-and-swap"
)

// OutcomeKind tells an observer what happened to a transaction.
type OutcomeKind string

const (
	OutcomeGenuine       OutcomeKind = "GENUINE"
	OutcomeFraud         OutcomeKind = "FRAUD"
	OutcomeRejected      OutcomeKind = "REJECTED"
	OutcomeRetryPending  OutcomeKind = "RETRY_PENDING"
	OutcomeStateConflict OutcomeKind = "STATE_CONFLICT"
)

// Outcome is the result of processing one transaction.
// Record is set whenever the transaction reached the ledger.
type Outcome struct {
	Kind           OutcomeKind
	Record         *ClassifiedTransaction
	Classification Classification
}

// Delivery is a raw transaction event as handed over by a transport.
// Key identifies the delivery (e.g. topic/partition/offset) and is empty
// when the transport has no stable identity for the message.
type Delivery struct {
	Body []byte
	Key  string
}

// EventPublisher publishes classification results to downstream systems.
type EventPublisher interface {
	PublishClassified(ctx context.Context, entry *ClassifiedTransaction, c Classification) error
}

// RetryPolicy configures exponential backoff for ledger and state writes.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

func (r RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxInterval = r.MaxInterval
	b.MaxElapsedTime = r.MaxElapsedTime
	b.Reset()
	return b
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	StoreTimeout   time.Duration  // Timeout of each store call
	Retry          RetryPolicy    // Backoff for ledger and state writes
	StateWriteMode StateWriteMode // Defaults to StateWriteOverwrite
	Location       *time.Location // Time zone of transaction_dt, defaults to UTC
	Publisher      EventPublisher // Optional
	Now            func() time.Time
}

// Pipeline runs a transaction through classification and persistence.
type Pipeline struct {
	cards      CardRepository
	ledger     Ledger
	classifier *Classifier
	logger     logrus.FieldLogger
	opts       PipelineOptions
}

// NewPipeline creates a Pipeline. Zero options are replaced with defaults.
func NewPipeline(cards CardRepository, ledger Ledger, classifier *Classifier, logger logrus.FieldLogger, opts PipelineOptions) *Pipeline {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Retry.InitialInterval <= 0 {
		opts.Retry.InitialInterval = 100 * time.Millisecond
	}
	if opts.Retry.MaxInterval <= 0 {
		opts.Retry.MaxInterval = 5 * time.Second
	}
	if opts.Retry.MaxElapsedTime <= 0 {
		opts.Retry.MaxElapsedTime = 30 * time.Second
	}
	if opts.StateWriteMode == "" {
		opts.StateWriteMode = StateWriteOverwrite
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Pipeline{
		cards:      cards,
		ledger:     ledger,
		classifier: classifier,
		logger:     logger,
		opts:       opts,
	}
}

// Parse decodes a raw event using the pipeline's time zone.
func (p *Pipeline) Parse(body []byte) (Transaction, error) {
	return ParseTransaction(body, p.opts.Location)
}

// Process parses a raw event and runs it through the pipeline.
// Malformed events are rejected before anything is persisted.
func (p *Pipeline) Process(ctx context.Context, d Delivery) (Outcome, error) {
	tx, err := p.Parse(d.Body)
	if err != nil {
		p.logger.WithError(err).WithField("outcome", OutcomeRejected).Warn("transaction rejected")
		return Outcome{Kind: OutcomeRejected}, err
	}
	return p.ProcessTransaction(ctx, tx, d.Key)
}

// ProcessTransaction classifies a parsed transaction, appends it to the ledger
// and, for GENUINE transactions only, advances the card state.
//
// Steps:
// 1. Read profile and state (missing records fall back to defaults)
// 2. Classify
// 3. Append to ledger, retried; this always happens before the state write
// 4. If GENUINE, write the new state, retried
func (p *Pipeline) ProcessTransaction(ctx context.Context, tx Transaction, deliveryKey string) (Outcome, error) {
	log := p.logger.WithField("card_id", tx.CardID)

	profile, err := p.loadProfile(ctx, tx.CardID)
	if err != nil {
		log.WithError(err).Warn("profile lookup failed")
		return Outcome{Kind: OutcomeRetryPending}, err
	}

	prior, err := p.loadState(ctx, tx.CardID)
	if err != nil {
		log.WithError(err).Warn("state lookup failed")
		return Outcome{Kind: OutcomeRetryPending}, err
	}

	classification, err := p.classifier.Classify(ctx, tx, profile, prior)
	if err != nil {
		if IsRejected(err) {
			log.WithError(err).WithField("outcome", OutcomeRejected).Warn("transaction rejected")
			return Outcome{Kind: OutcomeRejected}, err
		}
		log.WithError(err).Warn("classification failed")
		return Outcome{Kind: OutcomeRetryPending}, err
	}

	entry := NewClassifiedTransaction(p.ledgerID(deliveryKey), tx, classification, p.opts.Now())

	if err := p.retry(ctx, func(ctx context.Context) error {
		return p.ledger.Append(ctx, entry)
	}); err != nil {
		log.WithError(err).WithField("ledger_id", entry.ID).Error("ledger append failed")
		return Outcome{Kind: OutcomeRetryPending, Classification: classification},
			fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, entry.ID, err)
	}

	outcome := Outcome{
		Kind:           OutcomeFraud,
		Record:         entry,
		Classification: classification,
	}

	if classification.Status == StatusGenuine {
		outcome.Kind = OutcomeGenuine

		err := p.advanceState(ctx, prior, tx.NextState())
		switch {
		case errors.Is(err, ErrStateConflict):
			outcome.Kind = OutcomeStateConflict
			log.WithField("ledger_id", entry.ID).Warn("card state changed concurrently, state not advanced")
		case err != nil:
			log.WithError(err).WithField("ledger_id", entry.ID).Error("card state write failed")
			outcome.Kind = OutcomeRetryPending
			return outcome, fmt.Errorf("%w: card %s: %v", ErrStateWriteFailed, tx.CardID, err)
		}
	}

	p.logClassified(log, entry, classification)
	p.publish(ctx, log, entry, classification)

	return outcome, nil
}

func (p *Pipeline) loadProfile(ctx context.Context, cardID string) (*CardProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()

	profile, err := p.cards.GetProfile(ctx, cardID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: profile of card %s: %v", ErrStoreUnavailable, cardID, err)
	}
	return profile, nil
}

func (p *Pipeline) loadState(ctx context.Context, cardID string) (*CardState, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
	defer cancel()

	state, err := p.cards.GetState(ctx, cardID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: state of card %s: %v", ErrStoreUnavailable, cardID, err)
	}
	return state, nil
}

func (p *Pipeline) advanceState(ctx context.Context, prior *CardState, next CardState) error {
	return p.retry(ctx, func(ctx context.Context) error {
		if p.opts.StateWriteMode == StateWriteCompareAndSwap {
			return p.cards.CompareAndSwapState(ctx, prior, next)
		}
		return p.cards.PutState(ctx, next)
	})
}

// retry runs op with exponential backoff, each attempt bounded by StoreTimeout.
// State conflicts are not retried.
func (p *Pipeline) retry(ctx context.Context, op func(ctx context.Context) error) error {
	b := backoff.WithContext(p.opts.Retry.newBackOff(), ctx)

	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.StoreTimeout)
		defer cancel()

		err := op(attemptCtx)
		if errors.Is(err, ErrStateConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (p *Pipeline) ledgerID(deliveryKey string) uuid.UUID {
	if deliveryKey == "" {
		return uuid.New()
	}
	return uuid.NewSHA1(ledgerNamespace, []byte(deliveryKey))
}

func (p *Pipeline) logClassified(log logrus.FieldLogger, entry *ClassifiedTransaction, c Classification) {
	fields := logrus.Fields{
		"ledger_id":      entry.ID,
		"status":         c.Status,
		"amount":         entry.Amount.String(),
		"postcode":       entry.Postcode,
		"velocity":       c.Velocity.Kind.String(),
		"failed_rules":   entry.FailedRules,
		"transaction_dt": entry.TransactionDT.Format(time.RFC3339),
	}
	if c.Velocity.Kind == VelocityMeasured {
		fields["speed_km_s"] = c.Velocity.KmPerSec
	}
	log.WithFields(fields).Info("transaction classified")
}

func (p *Pipeline) publish(ctx context.Context, log logrus.FieldLogger, entry *ClassifiedTransaction, c Classification) {
	if p.opts.Publisher == nil {
		return
	}
	// Best effort: the ledger is the audit trail, the event is a notification.
	if err := p.opts.Publisher.PublishClassified(ctx, entry, c); err != nil {
		log.WithError(err).WithField("ledger_id", entry.ID).Warn("failed to publish classification")
	}
}
