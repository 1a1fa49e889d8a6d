// Package lifecycle owns the active ride table: initial dispatch, the
// periodic route refresh of every ride, and explicit ride end.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/pricing"
)

type EventKind string

const (
	EventDispatched   EventKind = "ride.dispatched"
	EventRouteUpdated EventKind = "ride.route_updated"
	EventEnded        EventKind = "ride.ended"
)

// Store persists the ride log. Failures are logged, never fatal to dispatch.
type Store interface {
	SaveRide(ctx context.Context, r models.Ride) error
	UpdateRide(ctx context.Context, r models.Ride) error
}

// EventSink receives ride changes: websocket push, kafka, the redis mirror.
type EventSink interface {
	RideEvent(ctx context.Context, kind EventKind, r models.Ride) error
}

// FareHolder reserves the fare at dispatch and settles it at ride end.
type FareHolder interface {
	Hold(ctx context.Context, rideID string, fare float64) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

type Deps struct {
	Router          *Router
	Policy          pricing.Policy
	Demand          func() int
	Store           Store
	Sinks           []EventSink
	Fares           FareHolder
	Logger          *slog.Logger
	RefreshInterval time.Duration
	Now             func() time.Time

	// DriverLocation reports a driver's current position so refreshes follow
	// a moving driver. Nil keeps the position captured at dispatch.
	DriverLocation func(driverID string) (models.Coord, bool)
}

type entry struct {
	mu      sync.Mutex
	ride    models.Ride
	cancel  context.CancelFunc
	removed bool
}

type Manager struct {
	router   *Router
	policy   pricing.Policy
	demand   func() int
	locate   func(string) (models.Coord, bool)
	store    Store
	sinks    []EventSink
	fares    FareHolder
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu    sync.RWMutex
	rides map[string]*entry
}

func NewManager(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Demand == nil {
		d.Demand = func() int { return 0 }
	}
	root, stop := context.WithCancel(context.Background())
	return &Manager{
		router:   d.Router,
		policy:   d.Policy,
		demand:   d.Demand,
		locate:   d.DriverLocation,
		store:    d.Store,
		sinks:    d.Sinks,
		fares:    d.Fares,
		logger:   d.Logger,
		interval: d.RefreshInterval,
		now:      d.Now,
		root:     root,
		stop:     stop,
		rides:    make(map[string]*entry),
	}
}

// Dispatch routes and prices a new ride, stores it and arms its refresh.
// A provider failure still records the ride with a degraded placeholder
// route; an unreachable graph path fails the dispatch and stores nothing.
func (m *Manager) Dispatch(ctx context.Context, users []models.User, driver models.Driver, pooled bool) (models.Ride, error) {
	if len(users) == 0 {
		return models.Ride{}, fmt.Errorf("%w: ride needs at least one rider", models.ErrInvalidInput)
	}
	now := m.now()
	ride := models.Ride{
		ID:        models.RideID(users[0].ID, driver.ID),
		Users:     append([]models.User(nil), users...),
		Driver:    driver,
		Status:    models.StatusDispatching,
		Pooled:    pooled,
		CreatedAt: now,
	}

	route, err := m.router.Route(ctx, ride)
	switch {
	case err == nil:
	case models.IsProviderError(err):
		m.logger.Warn("directions unavailable, recording placeholder route", "ride_id", ride.ID, "error", err)
		observability.DegradedRides.Inc()
		route.DistanceKm, route.DurationMin, route.Steps = 0, 0, nil
		route.Degraded = true
	default:
		return models.Ride{}, fmt.Errorf("dispatch %s: %w", ride.ID, err)
	}
	route.Fare = m.policy.Fare(route.DistanceKm, route.DurationMin, m.demand())
	ride.Route = route

	if m.fares != nil {
		ref, err := m.fares.Hold(ctx, ride.ID, route.Fare)
		if err != nil {
			m.logger.Warn("fare hold failed", "ride_id", ride.ID, "error", err)
		}
		ride.PaymentRef = ref
	}

	ride.Status = models.StatusActive
	ride.LastUpdated = now

	e := &entry{ride: ride}
	// armed before it is visible, so an End racing this dispatch always
	// finds the cancel handle
	m.arm(ride.ID, e)
	m.mu.Lock()
	old := m.rides[ride.ID]
	m.rides[ride.ID] = e
	observability.ActiveRides.Set(float64(len(m.rides)))
	m.mu.Unlock()
	if old != nil {
		m.supersede(ctx, old, ride)
	}

	out := ride.Clone()
	if m.store != nil {
		if err := m.store.SaveRide(ctx, out); err != nil {
			m.logger.Error("persist ride failed", "ride_id", ride.ID, "error", err)
		}
	}
	m.emit(ctx, EventDispatched, out)
	m.logger.Info("ride dispatched", "ride_id", ride.ID, "driver_id", driver.ID, "riders", len(users), "fare", route.Fare, "degraded", route.Degraded)
	return out, nil
}

// supersede closes a ride replaced by a new match of the same rider and
// driver: last write wins. Subscribers see the old ride end; the store keeps
// the new record under the shared id.
func (m *Manager) supersede(ctx context.Context, old *entry, next models.Ride) {
	prev := old.retire()
	if m.fares != nil && prev.PaymentRef != "" && prev.PaymentRef != next.PaymentRef {
		if err := m.fares.Cancel(ctx, prev.PaymentRef); err != nil {
			m.logger.Warn("fare release failed", "ride_id", next.ID, "payment_ref", prev.PaymentRef, "error", err)
		}
	}
	prev = prev.Clone()
	prev.Status = models.StatusEnded
	prev.LastUpdated = m.now()
	m.emit(ctx, EventEnded, prev)
	m.logger.Info("ride superseded by a new match", "ride_id", next.ID)
}

func (e *entry) retire() models.Ride {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.removed = true
	if e.cancel != nil {
		e.cancel()
	}
	return e.ride
}

func (m *Manager) arm(id string, e *entry) {
	if m.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(m.root)
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		cancel()
		return
	}
	e.cancel = cancel
	e.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				m.refresh(ctx, id, e)
			}
		}
	}()
}

// Refresh recomputes one ride's route now. A ride that is no longer active
// is a silent no-op.
func (m *Manager) Refresh(ctx context.Context, rideID string) (bool, error) {
	m.mu.RLock()
	e := m.rides[rideID]
	m.mu.RUnlock()
	if e == nil {
		return false, nil
	}
	return m.refresh(ctx, rideID, e)
}

func (m *Manager) refresh(ctx context.Context, id string, e *entry) (bool, error) {
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return false, nil
	}
	snap := e.ride.Clone()
	e.mu.Unlock()

	if m.locate != nil {
		if loc, ok := m.locate(snap.Driver.ID); ok {
			snap.Driver.Loc = loc
		}
	}
	route, err := m.router.Route(ctx, snap)
	if err != nil {
		observability.RouteRefreshes.WithLabelValues("failed").Inc()
		m.logger.Warn("route refresh failed, keeping previous route", "ride_id", id, "error", err)
		return false, err
	}
	demand := m.demand()

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		observability.RouteRefreshes.WithLabelValues("discarded").Inc()
		return false, nil
	}
	e.ride.Driver.Loc = snap.Driver.Loc
	cur := e.ride.Route
	changed := route.DistanceKm != cur.DistanceKm || route.DurationMin != cur.DurationMin
	if changed {
		route.Fare = m.policy.Fare(route.DistanceKm, route.DurationMin, demand)
		e.ride.Route = route
	}
	e.ride.LastUpdated = m.now()
	out := e.ride.Clone()
	e.mu.Unlock()

	if !changed {
		observability.RouteRefreshes.WithLabelValues("unchanged").Inc()
		return false, nil
	}
	observability.RouteRefreshes.WithLabelValues("changed").Inc()
	m.logger.Info("route updated", "ride_id", id, "distance_km", route.DistanceKm, "duration_min", route.DurationMin)
	if m.store != nil {
		if err := m.store.UpdateRide(ctx, out); err != nil {
			m.logger.Error("persist route update failed", "ride_id", id, "error", err)
		}
	}
	m.emit(ctx, EventRouteUpdated, out)
	return true, nil
}

// End stops refreshing a ride and removes it from the active table. The
// caller releases the driver.
func (m *Manager) End(ctx context.Context, rideID string) (models.Ride, error) {
	m.mu.Lock()
	e := m.rides[rideID]
	delete(m.rides, rideID)
	observability.ActiveRides.Set(float64(len(m.rides)))
	m.mu.Unlock()
	if e == nil {
		return models.Ride{}, models.NotFound("ride", rideID)
	}
	e.retire()

	e.mu.Lock()
	e.ride.Status = models.StatusEnded
	e.ride.LastUpdated = m.now()
	ride := e.ride.Clone()
	e.mu.Unlock()

	if m.fares != nil && ride.PaymentRef != "" {
		if err := m.fares.Capture(ctx, ride.PaymentRef); err != nil {
			m.logger.Warn("fare capture failed", "ride_id", rideID, "payment_ref", ride.PaymentRef, "error", err)
		}
	}
	if m.store != nil {
		if err := m.store.UpdateRide(ctx, ride); err != nil {
			m.logger.Error("persist ride end failed", "ride_id", rideID, "error", err)
		}
	}
	m.emit(ctx, EventEnded, ride)
	m.logger.Info("ride ended", "ride_id", rideID)
	return ride, nil
}

func (m *Manager) Get(rideID string) (models.Ride, bool) {
	m.mu.RLock()
	e := m.rides[rideID]
	m.mu.RUnlock()
	if e == nil {
		return models.Ride{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride.Clone(), true
}

// List returns the active rides ordered by id.
func (m *Manager) List() []models.Ride {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.rides))
	for _, e := range m.rides {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]models.Ride, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.ride.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rides)
}

// Close stops every refresh loop and waits for in-flight refreshes.
func (m *Manager) Close() {
	m.stop()
	m.wg.Wait()
}

func (m *Manager) emit(ctx context.Context, kind EventKind, r models.Ride) {
	var errs []error
	for _, s := range m.sinks {
		if err := s.RideEvent(ctx, kind, r); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("ride event delivery failed", "ride_id", r.ID, "event", string(kind), "error", err)
	}
}
