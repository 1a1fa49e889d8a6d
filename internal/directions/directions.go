package directions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/graph"
	"github.com/example/ride-dispatch/internal/models"
)

// Provider returns route metrics for an ordered list of stops. Failures are
// reported as *models.ProviderError.
type Provider interface {
	Directions(ctx context.Context, stops []models.Coord) (Result, error)
}

type Result struct {
	DistanceKm  float64
	DurationMin float64
	Steps       []models.Step
}

// WithTimeout bounds a single provider call.
func WithTimeout(ctx context.Context, p Provider, stops []models.Coord, d time.Duration) (Result, error) {
	if d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return p.Directions(ctx, stops)
}

func providerError(name string, reason models.ProviderReason, status string, err error) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || (errors.As(err, &ne) && ne.Timeout()) {
		reason = models.ReasonTimeout
	}
	return &models.ProviderError{Provider: name, Reason: reason, Status: status, Err: err}
}

// Estimator is the offline provider: straight-line legs driven at a fixed
// speed. It never fails and reports base edge weights as traffic.
type Estimator struct {
	SpeedKph float64
	Metric   geo.Metric
}

func (e Estimator) Directions(_ context.Context, stops []models.Coord) (Result, error) {
	metric := e.Metric
	if metric == nil {
		metric = geo.Haversine
	}
	speed := e.SpeedKph
	if speed <= 0 {
		speed = 30
	}
	var res Result
	for i := 1; i < len(stops); i++ {
		km := metric(stops[i-1], stops[i])
		mins := km / speed * 60
		res.DistanceKm += km
		res.DurationMin += mins
		res.Steps = append(res.Steps, models.Step{
			Instruction: fmt.Sprintf("Head to stop %d", i),
			DistanceKm:  km,
			DurationMin: mins,
		})
	}
	return res, nil
}

func (e Estimator) Weight(_ context.Context, edge graph.Edge) (float64, error) {
	return edge.Base, nil
}

// Multipliers scales base edge weights by a static per-edge factor. Edges not
// listed keep a factor of 1.
type Multipliers map[string]float64

func (m Multipliers) Weight(_ context.Context, e graph.Edge) (float64, error) {
	if f, ok := m[e.Key()]; ok {
		return e.Base * f, nil
	}
	return e.Base, nil
}

// DemoMultipliers is a fixed traffic table for the demo graph.
func DemoMultipliers() Multipliers {
	return Multipliers{
		"A-B": 1.0, "B-A": 1.0,
		"B-D": 1.5, "D-B": 1.5,
		"B-E": 1.2, "E-B": 1.2,
		"A-C": 0.9, "C-A": 0.9,
	}
}

// Cache is a tiny in-memory TTL cache for edge weights keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// CachedTraffic wraps a traffic provider so repeated refreshes within the TTL
// reuse earlier answers. Failures are not cached.
type CachedTraffic struct {
	Next  graph.TrafficProvider
	Cache *Cache
}

func (c CachedTraffic) Weight(ctx context.Context, e graph.Edge) (float64, error) {
	if v, ok := c.Cache.Get(e.FromLoc, e.ToLoc); ok {
		return v, nil
	}
	v, err := c.Next.Weight(ctx, e)
	if err != nil {
		return 0, err
	}
	c.Cache.Set(e.FromLoc, e.ToLoc, v)
	return v, nil
}
