package domain

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

func TestSpeed_NoHistory(t *testing.T) {
	distances := &StubDistances{}
	calc := NewVelocityCalculator(distances)
	now := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		name         string
		lastPostcode string
		lastDT       time.Time
	}{
		{"no postcode", "", now},
		{"no time", "560001", time.Time{}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			v, err := calc.Speed(context.Background(), tc.lastPostcode, tc.lastDT, "110001", now)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if v.Kind != VelocityNoHistory {
				t.Errorf("expected no history, got %s", v.Kind)
			}
		})
	}

	if distances.calls != 0 {
		t.Errorf("expected no distance lookups, got %d", distances.calls)
	}
}

func TestSpeed_SamePostcodeIsZero(t *testing.T) {
	// The provider would report a non-zero distance for the same postcode.
	distances := &StubDistances{distances: map[string]float64{"560001|560001": 3.5}}
	calc := NewVelocityCalculator(distances)
	t0 := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)

	for _, elapsed := range []time.Duration{0, time.Second, -time.Hour} {
		v, err := calc.Speed(context.Background(), "560001", t0, "560001", t0.Add(elapsed))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v.Kind != VelocityMeasured || v.KmPerSec != 0 {
			t.Errorf("elapsed %v: expected measured 0 km/s, got %s %v", elapsed, v.Kind, v.KmPerSec)
		}
	}

	if distances.calls != 0 {
		t.Errorf("expected no distance lookups, got %d", distances.calls)
	}
}

func TestSpeed_Measured(t *testing.T) {
	calc := NewVelocityCalculator(&StubDistances{distances: map[string]float64{"110001|560001": 1740}})
	t0 := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)

	v, err := calc.Speed(context.Background(), "110001", t0, "560001", t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Kind != VelocityMeasured {
		t.Fatalf("expected measured, got %s", v.Kind)
	}
	want := 1740.0 / 7200.0
	if math.Abs(v.KmPerSec-want) > 1e-9 {
		t.Errorf("expected %v km/s, got %v", want, v.KmPerSec)
	}
	if v.ElapsedSeconds != 7200 {
		t.Errorf("expected 7200 elapsed seconds, got %v", v.ElapsedSeconds)
	}
}

func TestSpeed_OutOfOrderUsesAbsoluteElapsed(t *testing.T) {
	calc := NewVelocityCalculator(&StubDistances{distances: map[string]float64{"110001|560001": 100}})
	t0 := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)

	v, err := calc.Speed(context.Background(), "110001", t0, "560001", t0.Add(-1000*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.KmPerSec != 0.1 {
		t.Errorf("expected 0.1 km/s, got %v", v.KmPerSec)
	}
}

func TestSpeed_ZeroElapsedDifferentPostcode(t *testing.T) {
	calc := NewVelocityCalculator(&StubDistances{distances: map[string]float64{"110001|560001": 1740}})
	t0 := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)

	v, err := calc.Speed(context.Background(), "110001", t0, "560001", t0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Kind != VelocityUnbounded {
		t.Errorf("expected unbounded, got %s", v.Kind)
	}
	if !math.IsInf(v.KmPerSec, 1) {
		t.Errorf("expected +Inf, got %v", v.KmPerSec)
	}
}

func TestSpeed_UnknownCurrentPostcodeIsMalformed(t *testing.T) {
	t0 := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name         string
		lastPostcode string
		lastDT       time.Time
	}{
		{"no history", "", time.Time{}},
		{"same postcode", "999999", t0},
		{"different postcode", "110001", t0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := NewVelocityCalculator(&StubDistances{unknown: map[string]bool{"999999": true}})
			_, err := calc.Speed(context.Background(), tt.lastPostcode, tt.lastDT, "999999", t0.Add(time.Hour))
			if !errors.Is(err, ErrMalformedInput) {
				t.Errorf("expected ErrMalformedInput, got %v", err)
			}
		})
	}
}

func TestSpeed_UnknownStoredPostcodeIsUnresolved(t *testing.T) {
	t0 := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)
	calc := NewVelocityCalculator(&StubDistances{unknown: map[string]bool{"99999": true}})

	v, err := calc.Speed(context.Background(), "99999", t0, "560001", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Kind != VelocityUnresolved {
		t.Errorf("expected unresolved, got %s", v.Kind)
	}
	if v.ElapsedSeconds != 3600 {
		t.Errorf("expected 3600 elapsed seconds, got %v", v.ElapsedSeconds)
	}
}

func TestSpeed_ProviderErrors(t *testing.T) {
	t0 := time.Date(2020, 1, 1, 10, 0, 0, 0, time.UTC)

	calc := NewVelocityCalculator(&StubDistances{err: errors.New("connection refused")})
	_, err := calc.Speed(context.Background(), "110001", t0, "560001", t0.Add(time.Hour))
	if !errors.Is(err, ErrDistanceUnavailable) {
		t.Errorf("expected ErrDistanceUnavailable, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("expected provider outage to be retryable")
	}

	calc = NewVelocityCalculator(&StubDistances{checkErr: errors.New("connection refused")})
	_, err = calc.Speed(context.Background(), "", time.Time{}, "560001", t0)
	if !errors.Is(err, ErrDistanceUnavailable) {
		t.Errorf("expected ErrDistanceUnavailable from postcode check, got %v", err)
	}
}
