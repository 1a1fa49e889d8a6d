package matcher

import (
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Result is the matcher outcome. Driver is nil when nobody is available,
// which is a normal empty result rather than an error.
type Result struct {
	Driver     *models.Driver
	ETAMinutes float64
}

func (r Result) Found() bool { return r.Driver != nil }

// Service picks the driver with the smallest straight-line ETA. It is
// deliberately cheaper than solving the road graph for every candidate.
type Service struct {
	Metric          geo.Metric
	DefaultSpeedKph float64
	// UnitsPerKm converts metric output to kilometres; 1 for haversine.
	UnitsPerKm float64
}

func New(metric geo.Metric, defaultSpeedKph, unitsPerKm float64) *Service {
	return &Service{Metric: metric, DefaultSpeedKph: defaultSpeedKph, UnitsPerKm: unitsPerKm}
}

// Match scans drivers in roster order. Ties keep the first driver seen.
func (s *Service) Match(pickup models.Coord, drivers []models.Driver) Result {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	var best *models.Driver
	bestETA := math.Inf(1)
	for i := range drivers {
		d := drivers[i]
		if !d.Available {
			continue
		}
		eta := s.ETAMinutes(pickup, d)
		if eta < bestETA {
			best = &d
			bestETA = eta
		}
	}
	if best == nil {
		observability.MatchMisses.Inc()
		return Result{}
	}
	return Result{Driver: best, ETAMinutes: bestETA}
}

// ETAMinutes estimates pickup time from straight-line distance and the
// driver's speed, falling back to the default speed.
func (s *Service) ETAMinutes(pickup models.Coord, d models.Driver) float64 {
	metric := s.Metric
	if metric == nil {
		metric = geo.Haversine
	}
	speed := d.SpeedKph
	if speed <= 0 {
		speed = s.DefaultSpeedKph
	}
	if speed <= 0 {
		speed = 30
	}
	km := metric(pickup, d.Loc)
	if s.UnitsPerKm > 0 {
		km /= s.UnitsPerKm
	}
	return km / speed * 60
}
