package domain

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// VelocityKind tells how a travel speed was determined.
type VelocityKind int

const (
	// VelocityNoHistory means the card has no previous location, so the
	// speed is undefined and the velocity rule does not apply
	VelocityNoHistory VelocityKind = iota

	// VelocityMeasured means KmPerSec holds a finite speed
	VelocityMeasured

	// VelocityUnbounded means the postcode changed with no elapsed time.
	// The speed is treated as infinite.
	VelocityUnbounded

	// VelocityUnresolved means the stored postcode can no longer be located,
	// so no speed can be measured. The velocity rule fails.
	VelocityUnresolved
)

func (k VelocityKind) String() string {
	switch k {
	case VelocityNoHistory:
		return "no_history"
	case VelocityMeasured:
		return "measured"
	case VelocityUnbounded:
		return "unbounded"
	case VelocityUnresolved:
		return "unresolved"
	default:
		return fmt.Sprintf("VelocityKind(%d)", int(k))
	}
}

// Velocity is the travel speed between a card's last GENUINE transaction and the current one.
type Velocity struct {
	Kind           VelocityKind
	KmPerSec       float64
	DistanceKm     float64
	ElapsedSeconds float64
}

// VelocityCalculator computes geo-velocity using a DistanceProvider.
type VelocityCalculator struct {
	distances DistanceProvider
}

// NewVelocityCalculator creates a VelocityCalculator.
func NewVelocityCalculator(distances DistanceProvider) *VelocityCalculator {
	return &VelocityCalculator{distances: distances}
}

// Speed returns the speed in km/sec needed to travel from the last location
// to the current one. An empty lastPostcode or zero lastDT means no history.
//
// The current postcode is always checked first: an unknown one makes the
// event malformed, whatever the history. An unknown stored postcode only
// makes the speed VelocityUnresolved.
//
// Identical postcodes always yield exactly 0 without a distance lookup, so
// a tiny non-zero distance over zero elapsed time cannot produce an
// infinite speed.
func (c *VelocityCalculator) Speed(ctx context.Context, lastPostcode string, lastDT time.Time, postcode string, dt time.Time) (Velocity, error) {
	if err := c.distances.CheckPostcode(ctx, postcode); err != nil {
		if errors.Is(err, ErrUnknownPostcode) {
			return Velocity{}, fmt.Errorf("%w: %v", ErrMalformedInput, err)
		}
		return Velocity{}, fmt.Errorf("%w: %s: %v", ErrDistanceUnavailable, postcode, err)
	}

	if lastPostcode == "" || lastDT.IsZero() {
		return Velocity{Kind: VelocityNoHistory}, nil
	}

	// Events can arrive out of order, so the stored time may be later.
	elapsed := math.Abs(dt.Sub(lastDT).Seconds())

	if lastPostcode == postcode {
		return Velocity{Kind: VelocityMeasured, ElapsedSeconds: elapsed}, nil
	}

	distance, err := c.distances.DistanceKm(ctx, lastPostcode, postcode)
	if err != nil {
		if errors.Is(err, ErrUnknownPostcode) {
			// the current postcode is known, so the stored one is not
			return Velocity{Kind: VelocityUnresolved, ElapsedSeconds: elapsed}, nil
		}
		return Velocity{}, fmt.Errorf("%w: %s -> %s: %v", ErrDistanceUnavailable, lastPostcode, postcode, err)
	}

	if elapsed == 0 {
		return Velocity{
			Kind:       VelocityUnbounded,
			KmPerSec:   math.Inf(1),
			DistanceKm: distance,
		}, nil
	}

	return Velocity{
		Kind:           VelocityMeasured,
		KmPerSec:       distance / elapsed,
		DistanceKm:     distance,
		ElapsedSeconds: elapsed,
	}, nil
}
