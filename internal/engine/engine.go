// Package engine is the dispatch authority. It owns the rider directory, the
// driver roster, the pending queue and the active ride table, and it is the
// only place a driver is claimed, so no driver or request is dispatched twice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/graph"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pooling"
	"github.com/example/ride-dispatch/internal/storage"
)

// DriverMirror receives every roster change, e.g. the redis geo set.
type DriverMirror interface {
	Upsert(ctx context.Context, d models.Driver) error
}

type Config struct {
	Pool pooling.Config
	// SweepInterval re-evaluates the queue so a lone request is not stuck
	// once its wait window lapses. Zero disables the sweeper.
	SweepInterval time.Duration
	// TrafficInterval refreshes edge weights. Zero disables the loop.
	TrafficInterval time.Duration
	// TrafficTimeout bounds each edge lookup.
	TrafficTimeout time.Duration
}

type Deps struct {
	Config    Config
	Graph     *graph.Graph
	Matcher   *matcher.Service
	Estimator pooling.Estimator
	Metric    geo.Metric
	Traffic   graph.TrafficProvider
	Rides     lifecycle.Deps
	Store     storage.RideStore
	Mirror    DriverMirror
	Logger    *slog.Logger
	Now       func() time.Time
}

type Engine struct {
	cfg     Config
	graph   *graph.Graph
	matcher *matcher.Service
	coord   *pooling.Coordinator
	rides   *lifecycle.Manager
	roster  *geo.Index
	traffic graph.TrafficProvider
	store   storage.RideStore
	mirror  DriverMirror
	logger  *slog.Logger
	now     func() time.Time

	// mu serializes match-and-claim.
	mu sync.Mutex

	usersMu sync.RWMutex
	users   map[string]models.User
}

func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	e := &Engine{
		cfg:     d.Config,
		graph:   d.Graph,
		matcher: d.Matcher,
		roster:  geo.NewIndex(),
		traffic: d.Traffic,
		store:   d.Store,
		mirror:  d.Mirror,
		logger:  d.Logger,
		now:     d.Now,
		users:   make(map[string]models.User),
	}
	e.coord = pooling.NewCoordinator(d.Config.Pool, pooling.NewQueue(d.Now), d.Metric, d.Estimator, logging.Component(d.Logger, "pooling"))

	rd := d.Rides
	rd.Demand = e.Demand
	rd.DriverLocation = e.driverLocation
	if rd.Store == nil && d.Store != nil {
		rd.Store = d.Store
	}
	if rd.Logger == nil {
		rd.Logger = logging.Component(d.Logger, "lifecycle")
	}
	if rd.Now == nil {
		rd.Now = d.Now
	}
	e.rides = lifecycle.NewManager(rd)
	return e
}

// AddUser registers a rider. Riders are static for the life of the process.
func (e *Engine) AddUser(u models.User) error {
	if err := models.ValidateID("user", u.ID); err != nil {
		return err
	}
	if err := models.ValidateCoord(u.Loc); err != nil {
		return err
	}
	e.usersMu.Lock()
	e.users[u.ID] = u
	e.usersMu.Unlock()
	return nil
}

func (e *Engine) user(id string) (models.User, error) {
	if err := models.ValidateID("user", id); err != nil {
		return models.User{}, err
	}
	e.usersMu.RLock()
	u, ok := e.users[id]
	e.usersMu.RUnlock()
	if !ok {
		return models.User{}, models.NotFound("user", id)
	}
	return u, nil
}

// Users lists riders sorted by id.
func (e *Engine) Users() []models.User {
	e.usersMu.RLock()
	out := make([]models.User, 0, len(e.users))
	for _, u := range e.users {
		out = append(out, u)
	}
	e.usersMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Drivers() []models.Driver { return e.roster.Drivers() }

// Demand is the pricing demand signal: queued plus active rides.
func (e *Engine) Demand() int {
	return e.coord.Pending() + e.rides.Count()
}

// SubmitRequest queues a ride request for pool evaluation and returns the
// queue length after the append.
func (e *Engine) SubmitRequest(ctx context.Context, userID string) (int, error) {
	u, err := e.user(userID)
	if err != nil {
		return 0, err
	}
	n := e.coord.Submit(models.PendingRequest{UserID: u.ID, Loc: u.Loc, RequestTime: e.now()})
	e.logger.Info("ride request queued", "user_id", u.ID, "pending", n)
	return n, nil
}

// Evaluation reports what one queue evaluation did.
type Evaluation struct {
	Rides []models.Ride `json:"rides"`
	// Unmatched riders found no available driver and were dropped.
	Unmatched []string `json:"unmatched,omitempty"`
	// Failed maps a rider to the dispatch error, e.g. no route.
	Failed map[string]string `json:"failed,omitempty"`
	// Retained is true when the queue was left untouched.
	Retained bool `json:"retained"`
	Pending  int  `json:"pending"`
}

// EvaluateQueue takes an eligible batch from the queue, pools what can be
// pooled and dispatches every group.
func (e *Engine) EvaluateQueue(ctx context.Context) Evaluation {
	groups := e.coord.Evaluate(ctx)
	ev := Evaluation{Retained: groups == nil}
	for _, g := range groups {
		users := make([]models.User, 0, len(g.Requests))
		for _, r := range g.Requests {
			u, err := e.user(r.UserID)
			if err != nil {
				u = models.User{ID: r.UserID, Loc: r.Loc}
			}
			u.Loc = r.Loc
			users = append(users, u)
		}
		ride, err := e.dispatch(ctx, users, g.Pooled)
		switch {
		case err == nil:
			ev.Rides = append(ev.Rides, ride)
		case errors.Is(err, models.ErrNoAvailability):
			for _, u := range users {
				ev.Unmatched = append(ev.Unmatched, u.ID)
			}
		default:
			if ev.Failed == nil {
				ev.Failed = make(map[string]string)
			}
			for _, u := range users {
				ev.Failed[u.ID] = err.Error()
			}
		}
	}
	ev.Pending = e.coord.Pending()
	if len(ev.Unmatched) > 0 {
		e.logger.Warn("riders left without a driver", "user_ids", ev.Unmatched)
	}
	return ev
}

// DispatchSingle matches one rider immediately, bypassing the pool queue.
func (e *Engine) DispatchSingle(ctx context.Context, userID string) (models.Ride, error) {
	u, err := e.user(userID)
	if err != nil {
		return models.Ride{}, err
	}
	return e.dispatch(ctx, []models.User{u}, false)
}

func (e *Engine) dispatch(ctx context.Context, users []models.User, pooled bool) (models.Ride, error) {
	driver, err := e.claim(users[0].Loc)
	if err != nil {
		return models.Ride{}, err
	}
	e.publishDriver(ctx, driver)
	ride, err := e.rides.Dispatch(ctx, users, driver, pooled)
	if err != nil {
		e.release(ctx, driver.ID)
		return models.Ride{}, err
	}
	observability.MatchesTotal.Inc()
	return ride, nil
}

// claim picks the closest available driver and takes it off duty in one step.
func (e *Engine) claim(pickup models.Coord) (models.Driver, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res := e.matcher.Match(pickup, e.roster.Drivers())
	if !res.Found() {
		return models.Driver{}, models.ErrNoAvailability
	}
	d, _ := e.roster.SetAvailable(res.Driver.ID, false)
	return d, nil
}

func (e *Engine) release(ctx context.Context, driverID string) {
	e.mu.Lock()
	d, ok := e.roster.SetAvailable(driverID, true)
	e.mu.Unlock()
	if ok {
		e.publishDriver(ctx, d)
	}
}

// SetDriverAvailability toggles whether a driver can be matched.
func (e *Engine) SetDriverAvailability(ctx context.Context, driverID string, available bool) (models.Driver, error) {
	if err := models.ValidateID("driver", driverID); err != nil {
		return models.Driver{}, err
	}
	e.mu.Lock()
	d, ok := e.roster.SetAvailable(driverID, available)
	e.mu.Unlock()
	if !ok {
		return models.Driver{}, models.NotFound("driver", driverID)
	}
	e.publishDriver(ctx, d)
	return d, nil
}

// UpsertDriver registers a driver or replaces its record.
func (e *Engine) UpsertDriver(ctx context.Context, d models.Driver) (models.Driver, error) {
	if err := models.ValidateID("driver", d.ID); err != nil {
		return models.Driver{}, err
	}
	if err := models.ValidateCoord(d.Loc); err != nil {
		return models.Driver{}, err
	}
	e.mu.Lock()
	e.roster.Upsert(d)
	d, _ = e.roster.Get(d.ID)
	e.mu.Unlock()
	e.publishDriver(ctx, d)
	return d, nil
}

// UpdateDriverLocation moves a known driver, or registers a new one as
// available. Availability of a known driver is left alone.
func (e *Engine) UpdateDriverLocation(ctx context.Context, d models.Driver) (models.Driver, error) {
	if err := models.ValidateID("driver", d.ID); err != nil {
		return models.Driver{}, err
	}
	if err := models.ValidateCoord(d.Loc); err != nil {
		return models.Driver{}, err
	}
	e.mu.Lock()
	moved, ok := e.roster.Move(d.ID, d.Loc)
	if !ok {
		d.Available = true
		e.roster.Upsert(d)
		moved, _ = e.roster.Get(d.ID)
	}
	e.mu.Unlock()
	e.publishDriver(ctx, moved)
	return moved, nil
}

// driverLocation feeds ride refreshes the roster's latest position.
func (e *Engine) driverLocation(id string) (models.Coord, bool) {
	d, ok := e.roster.Get(id)
	return d.Loc, ok
}

func (e *Engine) publishDriver(ctx context.Context, d models.Driver) {
	observability.DriversAvailable.Set(float64(e.roster.CountAvailable()))
	if e.mirror == nil {
		return
	}
	if err := e.mirror.Upsert(ctx, d); err != nil {
		e.logger.Warn("driver mirror update failed", "driver_id", d.ID, "error", err)
	}
}

// EndRide finishes a ride and puts its driver back on duty.
func (e *Engine) EndRide(ctx context.Context, rideID string) (models.Ride, error) {
	if err := models.ValidateID("ride", rideID); err != nil {
		return models.Ride{}, err
	}
	ride, err := e.rides.End(ctx, rideID)
	if err != nil {
		return models.Ride{}, err
	}
	e.release(ctx, ride.Driver.ID)
	return ride, nil
}

// Ride returns an active ride, or the persisted record of an ended one.
func (e *Engine) Ride(ctx context.Context, rideID string) (models.Ride, error) {
	if err := models.ValidateID("ride", rideID); err != nil {
		return models.Ride{}, err
	}
	if r, ok := e.rides.Get(rideID); ok {
		return r, nil
	}
	if e.store != nil {
		return e.store.GetRide(ctx, rideID)
	}
	return models.Ride{}, models.NotFound("ride", rideID)
}

func (e *Engine) ActiveRides() []models.Ride { return e.rides.List() }

// RefreshRide recomputes one ride's route outside its schedule.
func (e *Engine) RefreshRide(ctx context.Context, rideID string) (bool, error) {
	return e.rides.Refresh(ctx, rideID)
}

// OptimizedRoute solves between two named nodes over the current traffic
// weights.
func (e *Engine) OptimizedRoute(start, end string) (graph.Path, error) {
	for _, id := range []string{start, end} {
		if err := models.ValidateID("node", id); err != nil {
			return graph.Path{}, err
		}
		if !e.graph.HasNode(id) {
			return graph.Path{}, models.NotFound("node", id)
		}
	}
	p := graph.ShortestPath(e.graph.View(), start, end)
	if !p.Found() {
		return p, fmt.Errorf("%s to %s: %w", start, end, models.ErrUnreachable)
	}
	return p, nil
}

// RefreshTraffic pulls fresh edge weights. Edges that fail keep their weight.
func (e *Engine) RefreshTraffic(ctx context.Context) graph.RefreshReport {
	if e.traffic == nil {
		return graph.RefreshReport{}
	}
	rep := e.graph.RefreshWeights(ctx, e.traffic, e.cfg.TrafficTimeout)
	observability.TrafficEdges.WithLabelValues("updated").Add(float64(rep.Updated))
	observability.TrafficEdges.WithLabelValues("failed").Add(float64(rep.Failed))
	if rep.Failed > 0 {
		e.logger.Warn("traffic refresh incomplete", "updated", rep.Updated, "failed", rep.Failed, "first_error", rep.Errors[0])
	} else {
		e.logger.Debug("traffic refreshed", "updated", rep.Updated)
	}
	return rep
}

// OverrideTraffic pins operator-supplied weights keyed "from-to". It returns
// how many edges were applied; unknown edges are ignored.
func (e *Engine) OverrideTraffic(weights map[string]float64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("%w: no edge weights given", models.ErrInvalidInput)
	}
	n := e.graph.Override(weights)
	e.logger.Info("traffic overridden", "requested", len(weights), "applied", n)
	return n, nil
}

// ResetTraffic drops every override and refreshed weight.
func (e *Engine) ResetTraffic() {
	e.graph.ResetOverlay()
	e.logger.Info("traffic reset to base weights")
}

// Run drives the traffic and queue sweep loops until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loop := func(every time.Duration, fn func(context.Context)) {
		if every <= 0 {
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(every)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					fn(ctx)
				}
			}
		}()
	}
	loop(e.cfg.TrafficInterval, func(ctx context.Context) { e.RefreshTraffic(ctx) })
	loop(e.cfg.SweepInterval, func(ctx context.Context) {
		if e.coord.Pending() > 0 {
			e.EvaluateQueue(ctx)
		}
	})
	wg.Wait()
}

// Close stops every ride refresh loop.
func (e *Engine) Close() { e.rides.Close() }
