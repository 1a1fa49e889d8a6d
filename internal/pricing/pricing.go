// Package pricing turns route metrics and current demand into a fare.
package pricing

import (
	"errors"
	"math"
)

// Policy holds the fare parameters. Demand is a plain count of pending and
// active requests, not a real supply/demand model.
type Policy struct {
	BaseFare       float64
	PerKm          float64
	PerMinute      float64
	HighDemand     int
	LowDemand      int
	SurgeFactor    float64
	DiscountFactor float64
}

func DefaultPolicy() Policy {
	return Policy{
		BaseFare:       50,
		PerKm:          10,
		PerMinute:      2,
		HighDemand:     10,
		LowDemand:      2,
		SurgeFactor:    1.5,
		DiscountFactor: 0.8,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.BaseFare < 0 || p.PerKm < 0 || p.PerMinute < 0:
		return errors.New("fare rates must not be negative")
	case p.SurgeFactor <= 0 || p.DiscountFactor <= 0:
		return errors.New("demand multipliers must be positive")
	case p.DiscountFactor > p.SurgeFactor:
		return errors.New("discount multiplier must not exceed surge multiplier")
	case p.LowDemand > p.HighDemand:
		return errors.New("low demand threshold must not exceed high demand threshold")
	}
	return nil
}

// Multiplier maps demand to its band factor.
func (p Policy) Multiplier(demand int) float64 {
	switch {
	case demand > p.HighDemand:
		return p.SurgeFactor
	case demand < p.LowDemand:
		return p.DiscountFactor
	default:
		return 1
	}
}

// Fare prices a ride. Negative or NaN inputs count as zero.
func (p Policy) Fare(distanceKm, durationMin float64, demand int) float64 {
	total := p.BaseFare + clamp(distanceKm)*p.PerKm + clamp(durationMin)*p.PerMinute
	return round2(total * p.Multiplier(demand))
}

// Split divides a pooled fare evenly between riders.
func Split(total float64, riders int) float64 {
	if riders <= 1 {
		return total
	}
	return round2(total / float64(riders))
}

func clamp(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
