// Package pooling buffers ride requests and decides which of them can share
// a driver.
//
// Evaluation is event driven: the engine calls Evaluate after each
// submission. The queue snapshot is taken and removed under one lock, so two
// concurrent evaluations never see the same request, and anything submitted
// after the snapshot waits for the next evaluation.
package pooling

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/directions"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

type Config struct {
	// MaxWait is how long a lone request may wait for a pool partner.
	MaxWait time.Duration
	// Radius is the clustering distance in metric units.
	Radius float64
	// Slack is the margin a pooled route must beat the solo total by.
	Slack float64
	// MinutesPerUnit turns a straight-line distance into travel minutes.
	MinutesPerUnit float64
	// MinBatch is the batch size that triggers evaluation before MaxWait.
	MinBatch int
}

// Queue is the pending request buffer.
type Queue struct {
	mu    sync.Mutex
	items []models.PendingRequest
	now   func() time.Time
}

func NewQueue(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{now: now}
}

func (q *Queue) Submit(req models.PendingRequest) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
	observability.QueueDepth.Set(float64(len(q.items)))
	return len(q.items)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Take snapshots the queue and either consumes the whole snapshot or leaves
// it untouched. A snapshot smaller than minBatch is kept while its oldest
// request is still inside maxWait.
func (q *Queue) Take(minBatch int, maxWait time.Duration) []models.PendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	if len(q.items) < minBatch && q.now().Sub(q.items[0].RequestTime) < maxWait {
		return nil
	}
	batch := q.items
	q.items = nil
	observability.QueueDepth.Set(0)
	return batch
}

// Cluster buckets requests greedily: each request joins the first bucket
// whose first member is within radius, otherwise it opens a new bucket. This
// is order dependent and not a real spatial clustering.
func Cluster(reqs []models.PendingRequest, radius float64, metric geo.Metric) [][]models.PendingRequest {
	var buckets [][]models.PendingRequest
	for _, r := range reqs {
		placed := false
		for i := range buckets {
			if metric(r.Loc, buckets[i][0].Loc) <= radius {
				buckets[i] = append(buckets[i], r)
				placed = true
				break
			}
		}
		if !placed {
			buckets = append(buckets, []models.PendingRequest{r})
		}
	}
	return buckets
}

// SoloCost approximates the separate-ride total for a cluster as distance
// from the first member, converted to minutes.
func SoloCost(cluster []models.PendingRequest, metric geo.Metric, minutesPerUnit float64) float64 {
	if len(cluster) == 0 {
		return 0
	}
	sum := 0.0
	for _, r := range cluster {
		sum += metric(cluster[0].Loc, r.Loc) * minutesPerUnit
	}
	return sum
}

// ShouldPool is true when the combined route, padded by slack, still beats
// the solo total.
func ShouldPool(combined, soloTotal, slack float64) bool {
	return combined*(1+slack) < soloTotal
}

// Estimator returns the travel minutes of one route through every stop.
type Estimator interface {
	Estimate(ctx context.Context, stops []models.Coord) (float64, error)
}

// DirectionsEstimator prices a pooled route with the directions provider.
type DirectionsEstimator struct {
	Provider directions.Provider
	Timeout  time.Duration
}

func (d DirectionsEstimator) Estimate(ctx context.Context, stops []models.Coord) (float64, error) {
	res, err := directions.WithTimeout(ctx, d.Provider, stops, d.Timeout)
	if err != nil {
		return 0, err
	}
	return res.DurationMin, nil
}

type Group struct {
	Requests    []models.PendingRequest
	Pooled      bool
	CombinedMin float64
	SoloMin     float64
}

type Coordinator struct {
	cfg       Config
	queue     *Queue
	metric    geo.Metric
	estimator Estimator
	logger    *slog.Logger
}

func NewCoordinator(cfg Config, queue *Queue, metric geo.Metric, est Estimator, logger *slog.Logger) *Coordinator {
	if cfg.MinBatch <= 0 {
		cfg.MinBatch = 2
	}
	if metric == nil {
		metric = geo.Haversine
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, queue: queue, metric: metric, estimator: est, logger: logger}
}

func (c *Coordinator) Submit(req models.PendingRequest) int { return c.queue.Submit(req) }

func (c *Coordinator) Pending() int { return c.queue.Len() }

// Evaluate consumes an eligible batch and returns one group per dispatch
// unit: a pooled cluster, or a single request. It returns nil when the batch
// was retained.
func (c *Coordinator) Evaluate(ctx context.Context) []Group {
	batch := c.queue.Take(c.cfg.MinBatch, c.cfg.MaxWait)
	if len(batch) == 0 {
		return nil
	}
	observability.Evaluations.Inc()

	var groups []Group
	for _, cluster := range Cluster(batch, c.cfg.Radius, c.metric) {
		if len(cluster) == 1 {
			groups = append(groups, Group{Requests: cluster})
			continue
		}
		g, ok := c.decide(ctx, cluster)
		if ok {
			groups = append(groups, g)
			continue
		}
		for _, r := range cluster {
			groups = append(groups, Group{Requests: []models.PendingRequest{r}, CombinedMin: g.CombinedMin, SoloMin: g.SoloMin})
		}
	}
	return groups
}

func (c *Coordinator) decide(ctx context.Context, cluster []models.PendingRequest) (Group, bool) {
	solo := SoloCost(cluster, c.metric, c.cfg.MinutesPerUnit)
	if c.estimator == nil {
		observability.PoolDecisions.WithLabelValues("solo_no_estimator").Inc()
		return Group{SoloMin: solo}, false
	}
	stops := make([]models.Coord, len(cluster))
	for i, r := range cluster {
		stops[i] = r.Loc
	}
	combined, err := c.estimator.Estimate(ctx, stops)
	if err != nil {
		c.logger.Warn("pool estimate failed, dispatching solo", "size", len(cluster), "error", err)
		observability.PoolDecisions.WithLabelValues("solo_estimate_failed").Inc()
		return Group{SoloMin: solo}, false
	}
	g := Group{Requests: cluster, Pooled: true, CombinedMin: combined, SoloMin: solo}
	if !ShouldPool(combined, solo, c.cfg.Slack) {
		observability.PoolDecisions.WithLabelValues("solo").Inc()
		return g, false
	}
	observability.PoolDecisions.WithLabelValues("pool").Inc()
	c.logger.Info("pooling requests", "size", len(cluster), "combined_min", combined, "solo_min", solo)
	return g, true
}
