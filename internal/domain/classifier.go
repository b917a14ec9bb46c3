package domain

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// RuleName identifies one of the classification rules.
type RuleName string

const (
	// RuleScore requires a minimum member credit score
	RuleScore RuleName = "score"

	// RuleUCL requires the amount to stay within the card's upper control limit
	RuleUCL RuleName = "ucl"

	// RuleVelocity rejects physically implausible travel between transactions
	RuleVelocity RuleName = "velocity"
)

// Thresholds configures the rule limits.
type Thresholds struct {
	MinScore    int     // Minimum passing score (inclusive)
	MaxKmPerSec float64 // Maximum plausible travel speed (inclusive)
}

// DefaultThresholds returns the limits used in production: score 200 and
// 0.25 km/sec (1 km every 4 seconds).
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinScore:    200,
		MaxKmPerSec: 0.25,
	}
}

// RuleResult is the outcome of a single rule, kept for audit.
type RuleResult struct {
	Rule     RuleName `json:"rule"`
	Passed   bool     `json:"passed"`
	Observed string   `json:"observed"`
	Limit    string   `json:"limit"`
}

// Classification is the result of evaluating all rules for one transaction.
type Classification struct {
	Status   Status
	Rules    []RuleResult
	Velocity Velocity
}

// FailedRules returns the names of the rules that did not pass, in evaluation order.
func (c Classification) FailedRules() []RuleName {
	var failed []RuleName
	for _, r := range c.Rules {
		if !r.Passed {
			failed = append(failed, r.Rule)
		}
	}
	return failed
}

// Classifier applies the score, UCL and velocity rules.
type Classifier struct {
	velocity   *VelocityCalculator
	thresholds Thresholds
}

// NewClassifier creates a Classifier.
func NewClassifier(velocity *VelocityCalculator, thresholds Thresholds) *Classifier {
	return &Classifier{
		velocity:   velocity,
		thresholds: thresholds,
	}
}

// Classify computes the velocity against prior and evaluates the rules.
// A nil profile or prior means the card has no such record.
// Only distance provider failures are returned as errors.
func (c *Classifier) Classify(ctx context.Context, tx Transaction, profile *CardProfile, prior *CardState) (Classification, error) {
	var lastPostcode string
	var lastDT time.Time
	if prior != nil {
		lastPostcode = prior.LastPostcode
		lastDT = prior.LastTransactionDT
	}

	v, err := c.velocity.Speed(ctx, lastPostcode, lastDT, tx.Postcode, tx.TransactionDT)
	if err != nil {
		return Classification{}, err
	}

	return c.Evaluate(tx, profile, v), nil
}

// Evaluate applies the rules to an already computed velocity.
// It has no side effects and returns the same result for the same input.
func (c *Classifier) Evaluate(tx Transaction, profile *CardProfile, v Velocity) Classification {
	score := 0
	ucl := decimal.Zero
	if profile != nil {
		score = profile.Score
		ucl = profile.UCL
	}

	rules := []RuleResult{
		{
			Rule:     RuleScore,
			Passed:   score >= c.thresholds.MinScore,
			Observed: strconv.Itoa(score),
			Limit:    ">= " + strconv.Itoa(c.thresholds.MinScore),
		},
		{
			Rule:     RuleUCL,
			Passed:   tx.Amount.LessThanOrEqual(ucl),
			Observed: tx.Amount.String(),
			Limit:    "<= " + ucl.String(),
		},
		c.velocityRule(v),
	}

	status := StatusGenuine
	for _, r := range rules {
		if !r.Passed {
			status = StatusFraud
			break
		}
	}

	return Classification{
		Status:   status,
		Rules:    rules,
		Velocity: v,
	}
}

func (c *Classifier) velocityRule(v Velocity) RuleResult {
	res := RuleResult{
		Rule:  RuleVelocity,
		Limit: "<= " + strconv.FormatFloat(c.thresholds.MaxKmPerSec, 'f', -1, 64) + " km/s",
	}

	switch v.Kind {
	case VelocityNoHistory:
		res.Passed = true
		res.Observed = "no previous transaction"
	case VelocityUnbounded:
		res.Passed = false
		res.Observed = "location changed with no elapsed time"
	case VelocityUnresolved:
		res.Passed = false
		res.Observed = "previous location unknown"
	default:
		res.Passed = v.KmPerSec <= c.thresholds.MaxKmPerSec
		res.Observed = strconv.FormatFloat(v.KmPerSec, 'f', 6, 64) + " km/s"
	}

	return res
}
