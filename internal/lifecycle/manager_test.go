package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/directions"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/graph"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
)

type fakeDirections struct {
	mu      sync.Mutex
	res     directions.Result
	err     error
	calls   int
	stops   []models.Coord
	entered chan struct{}
	release chan struct{}
}

func (f *fakeDirections) Directions(ctx context.Context, stops []models.Coord) (directions.Result, error) {
	f.mu.Lock()
	f.calls++
	f.stops = append([]models.Coord(nil), stops...)
	entered, release := f.entered, f.release
	res, err := f.res, f.err
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	return res, err
}

func (f *fakeDirections) lastStops() []models.Coord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeDirections) set(res directions.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.res, f.err = res, err
}

type recordingSink struct {
	mu     sync.Mutex
	events []EventKind
}

func (r *recordingSink) RideEvent(_ context.Context, kind EventKind, _ models.Ride) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
	return nil
}

func (r *recordingSink) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EventKind(nil), r.events...)
}

type fakeFares struct {
	held      map[string]float64
	captured  []string
	cancelled []string
	seq       int
}

func (f *fakeFares) Hold(_ context.Context, rideID string, fare float64) (string, error) {
	if f.held == nil {
		f.held = map[string]float64{}
	}
	f.held[rideID] = fare
	f.seq++
	if f.seq > 1 {
		return fmt.Sprintf("pi_%s_%d", rideID, f.seq), nil
	}
	return "pi_" + rideID, nil
}

func (f *fakeFares) Cancel(_ context.Context, ref string) error {
	f.cancelled = append(f.cancelled, ref)
	return nil
}

func (f *fakeFares) Capture(_ context.Context, ref string) error {
	f.captured = append(f.captured, ref)
	return nil
}

// lineGraph is one-way D -> B -> A with weights 2.5 and 1.5 laid out on a
// planar line.
func lineGraph(t *testing.T) (*graph.Graph, *geo.NodeIndex) {
	t.Helper()
	nodes := map[string]models.Coord{
		"A": {Lat: 0, Lon: 0},
		"B": {Lat: 0, Lon: 1},
		"D": {Lat: 0, Lon: 2},
	}
	g, err := graph.New(graph.Adjacency{"D": {"B": 2.5}, "B": {"A": 1.5}}, nodes)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	return g, geo.NewNodeIndex(nodes, geo.Planar)
}

func newManager(t *testing.T, dir directions.Provider, sinks ...EventSink) *Manager {
	t.Helper()
	g, idx := lineGraph(t)
	m := NewManager(Deps{
		Router: &Router{Graph: g, Nodes: idx, Directions: dir, Timeout: time.Second, Name: "fake"},
		Policy: pricing.DefaultPolicy(),
		Demand: func() int { return 5 },
		Sinks:  sinks,
	})
	t.Cleanup(m.Close)
	return m
}

var (
	rider  = models.User{ID: "u1", Name: "Asha", Loc: models.Coord{Lat: 0, Lon: 0}}
	driver = models.Driver{ID: "d1", Name: "Ravi", Loc: models.Coord{Lat: 0, Lon: 2}, SpeedKph: 30}
)

func TestDispatchDegradesWhenProviderDown(t *testing.T) {
	dir := &fakeDirections{err: &models.ProviderError{Provider: "fake", Reason: models.ReasonTimeout}}
	m := newManager(t, dir)

	ride, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false)
	if err != nil {
		t.Fatalf("dispatch should degrade, got %v", err)
	}
	if !ride.Route.Degraded {
		t.Fatal("expected degraded route")
	}
	if ride.Route.DistanceKm != 0 || ride.Route.DurationMin != 0 {
		t.Fatalf("placeholder metrics should be zero, got %+v", ride.Route)
	}
	if ride.Route.Fare != pricing.DefaultPolicy().BaseFare {
		t.Fatalf("expected base fare, got %v", ride.Route.Fare)
	}
	want := []string{"D", "B", "A"}
	if len(ride.Route.Path) != 3 || ride.Route.Path[0] != want[0] || ride.Route.Path[2] != want[2] {
		t.Fatalf("expected graph path %v, got %v", want, ride.Route.Path)
	}
	if ride.Route.GraphCost != 4 {
		t.Fatalf("expected graph cost 4, got %v", ride.Route.GraphCost)
	}
	if ride.ID != "u1-d1" || ride.Status != models.StatusActive {
		t.Fatalf("unexpected ride %+v", ride)
	}
	if m.Count() != 1 {
		t.Fatalf("expected ride stored, count %d", m.Count())
	}
}

func TestDispatchUnreachableStoresNothing(t *testing.T) {
	m := newManager(t, &fakeDirections{})
	// A has no outgoing edges, so a driver at A cannot reach a rider at D.
	u := models.User{ID: "u2", Loc: models.Coord{Lat: 0, Lon: 2}}
	d := models.Driver{ID: "d2", Loc: models.Coord{Lat: 0, Lon: 0}}

	_, err := m.Dispatch(context.Background(), []models.User{u}, d, false)
	if !errors.Is(err, models.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
	if m.Count() != 0 {
		t.Fatal("unreachable dispatch must not store a ride")
	}
}

func TestDispatchRejectsEmptyRiders(t *testing.T) {
	m := newManager(t, &fakeDirections{})
	if _, err := m.Dispatch(context.Background(), nil, driver, false); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRefreshReplacesRouteOnlyOnChange(t *testing.T) {
	dir := &fakeDirections{res: directions.Result{DistanceKm: 3, DurationMin: 10}}
	sink := &recordingSink{}
	now := time.Unix(1000, 0)
	m := newManager(t, dir, sink)
	m.now = func() time.Time { return now }

	ride, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false)
	if err != nil {
		t.Fatal(err)
	}
	if ride.Route.Fare != 100 {
		t.Fatalf("expected fare 100, got %v", ride.Route.Fare)
	}

	now = now.Add(time.Minute)
	changed, err := m.Refresh(context.Background(), ride.ID)
	if err != nil || changed {
		t.Fatalf("identical route should not change: changed=%v err=%v", changed, err)
	}
	got, _ := m.Get(ride.ID)
	if !got.LastUpdated.Equal(now) {
		t.Fatalf("last updated should advance on every successful refresh, got %v", got.LastUpdated)
	}

	dir.set(directions.Result{DistanceKm: 4, DurationMin: 10}, nil)
	changed, err = m.Refresh(context.Background(), ride.ID)
	if err != nil || !changed {
		t.Fatalf("expected route change: changed=%v err=%v", changed, err)
	}
	got, _ = m.Get(ride.ID)
	if got.Route.DistanceKm != 4 || got.Route.Fare != 110 {
		t.Fatalf("expected new route and fare, got %+v", got.Route)
	}

	kinds := sink.kinds()
	if len(kinds) != 2 || kinds[0] != EventDispatched || kinds[1] != EventRouteUpdated {
		t.Fatalf("expected dispatched then one update, got %v", kinds)
	}
}

func TestRefreshFailureKeepsStaleRoute(t *testing.T) {
	dir := &fakeDirections{res: directions.Result{DistanceKm: 3, DurationMin: 10}}
	m := newManager(t, dir)
	ride, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false)
	if err != nil {
		t.Fatal(err)
	}

	dir.set(directions.Result{}, &models.ProviderError{Provider: "fake", Reason: models.ReasonBadStatus, Status: "500"})
	if _, err := m.Refresh(context.Background(), ride.ID); err == nil {
		t.Fatal("expected refresh error to be reported")
	}
	got, ok := m.Get(ride.ID)
	if !ok || got.Route.DistanceKm != 3 || got.Route.Degraded {
		t.Fatalf("route should be unchanged, got %+v", got.Route)
	}
}

func TestRefreshUnknownRideIsNoop(t *testing.T) {
	m := newManager(t, &fakeDirections{})
	changed, err := m.Refresh(context.Background(), "nope")
	if changed || err != nil {
		t.Fatalf("expected silent no-op, got %v %v", changed, err)
	}
}

func TestInFlightRefreshDiscardedAfterEnd(t *testing.T) {
	dir := &fakeDirections{res: directions.Result{DistanceKm: 3, DurationMin: 10}}
	fares := &fakeFares{}
	m := newManager(t, dir)
	m.fares = fares
	ride, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false)
	if err != nil {
		t.Fatal(err)
	}

	dir.mu.Lock()
	dir.res = directions.Result{DistanceKm: 9, DurationMin: 30}
	dir.entered = make(chan struct{})
	dir.release = make(chan struct{})
	dir.mu.Unlock()

	done := make(chan bool)
	go func() {
		changed, _ := m.Refresh(context.Background(), ride.ID)
		done <- changed
	}()
	<-dir.entered

	ended, err := m.End(context.Background(), ride.ID)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != models.StatusEnded {
		t.Fatalf("expected ended status, got %s", ended.Status)
	}
	close(dir.release)

	if <-done {
		t.Fatal("refresh after end must discard its result")
	}
	if _, ok := m.Get(ride.ID); ok {
		t.Fatal("ended ride was resurrected")
	}
	if len(fares.captured) != 1 || fares.captured[0] != "pi_u1-d1" {
		t.Fatalf("expected fare capture, got %v", fares.captured)
	}
}

func TestEndUnknownRide(t *testing.T) {
	m := newManager(t, &fakeDirections{})
	_, err := m.End(context.Background(), "missing")
	var nf *models.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestRedispatchSamePairOverwrites(t *testing.T) {
	dir := &fakeDirections{res: directions.Result{DistanceKm: 3, DurationMin: 10}}
	m := newManager(t, dir)
	if _, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false); err != nil {
		t.Fatal(err)
	}
	dir.set(directions.Result{DistanceKm: 5, DurationMin: 12}, nil)
	if _, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false); err != nil {
		t.Fatal(err)
	}
	if m.Count() != 1 {
		t.Fatalf("expected one ride, got %d", m.Count())
	}
	got, _ := m.Get("u1-d1")
	if got.Route.DistanceKm != 5 {
		t.Fatalf("last write should win, got %+v", got.Route)
	}
}

func TestRedispatchReleasesEarlierHold(t *testing.T) {
	fares := &fakeFares{}
	m := newManager(t, &fakeDirections{res: directions.Result{DistanceKm: 3, DurationMin: 10}})
	m.fares = fares
	for i := 0; i < 2; i++ {
		if _, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false); err != nil {
			t.Fatal(err)
		}
	}
	if len(fares.cancelled) != 1 || fares.cancelled[0] != "pi_u1-d1" {
		t.Fatalf("expected the first hold released, got %v", fares.cancelled)
	}
	got, _ := m.Get("u1-d1")
	if got.PaymentRef != "pi_u1-d1_2" {
		t.Fatalf("ride should carry the new hold, got %q", got.PaymentRef)
	}
}

func TestPeriodicRefreshRuns(t *testing.T) {
	dir := &fakeDirections{res: directions.Result{DistanceKm: 3, DurationMin: 10}}
	g, idx := lineGraph(t)
	m := NewManager(Deps{
		Router:          &Router{Graph: g, Nodes: idx, Directions: dir, Timeout: time.Second},
		Policy:          pricing.DefaultPolicy(),
		RefreshInterval: 10 * time.Millisecond,
	})
	defer m.Close()

	ride, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false)
	if err != nil {
		t.Fatal(err)
	}
	dir.set(directions.Result{DistanceKm: 7, DurationMin: 20}, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := m.Get(ride.ID); got.Route.DistanceKm == 7 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("periodic refresh never applied the new route")
}

func TestPooledRouteChainsPickups(t *testing.T) {
	m := newManager(t, &fakeDirections{res: directions.Result{DistanceKm: 2, DurationMin: 5}})
	second := models.User{ID: "u9", Loc: models.Coord{Lat: 0, Lon: 1}}
	ride, err := m.Dispatch(context.Background(), []models.User{second, rider}, driver, true)
	if err != nil {
		t.Fatal(err)
	}
	if !ride.Pooled || len(ride.Users) != 2 {
		t.Fatalf("expected pooled ride with two riders, got %+v", ride)
	}
	if got := ride.Route.Path; len(got) != 3 || got[0] != "D" || got[1] != "B" || got[2] != "A" {
		t.Fatalf("expected D B A, got %v", got)
	}
}

func TestRouteRunsFromDriverToRider(t *testing.T) {
	dir := &fakeDirections{res: directions.Result{DistanceKm: 4, DurationMin: 8}}
	m := newManager(t, dir)

	// the only edges lead from the driver at D toward the rider at A
	ride, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false)
	if err != nil {
		t.Fatalf("driver should reach the rider, got %v", err)
	}
	if got := ride.Route.Path; len(got) != 3 || got[0] != "D" || got[2] != "A" {
		t.Fatalf("path should start at the driver, got %v", got)
	}
	stops := dir.lastStops()
	if len(stops) != 2 || stops[0] != driver.Loc || stops[1] != rider.Loc {
		t.Fatalf("directions should run driver first, got %v", stops)
	}
}

func TestRefreshFollowsMovingDriver(t *testing.T) {
	dir := &fakeDirections{res: directions.Result{DistanceKm: 4, DurationMin: 8}}
	g, idx := lineGraph(t)
	at := driver.Loc
	var mu sync.Mutex
	m := NewManager(Deps{
		Router: &Router{Graph: g, Nodes: idx, Directions: dir, Timeout: time.Second},
		Policy: pricing.DefaultPolicy(),
		DriverLocation: func(id string) (models.Coord, bool) {
			mu.Lock()
			defer mu.Unlock()
			return at, id == driver.ID
		},
	})
	t.Cleanup(m.Close)

	ride, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false)
	if err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	at = models.Coord{Lat: 0, Lon: 1}
	mu.Unlock()
	dir.set(directions.Result{DistanceKm: 1.5, DurationMin: 3}, nil)

	changed, err := m.Refresh(context.Background(), ride.ID)
	if err != nil || !changed {
		t.Fatalf("driver move should change the route: changed=%v err=%v", changed, err)
	}
	if stops := dir.lastStops(); stops[0] != at {
		t.Fatalf("refresh should route from the driver's new position, got %v", stops)
	}
	got, _ := m.Get(ride.ID)
	if got.Driver.Loc != at {
		t.Fatalf("ride should carry the moved driver, got %+v", got.Driver.Loc)
	}
	if p := got.Route.Path; len(p) != 2 || p[0] != "B" || p[1] != "A" {
		t.Fatalf("expected B A, got %v", p)
	}
}

func TestRedispatchEndsSupersededRide(t *testing.T) {
	sink := &recordingSink{}
	m := newManager(t, &fakeDirections{res: directions.Result{DistanceKm: 3, DurationMin: 10}}, sink)
	for i := 0; i < 2; i++ {
		if _, err := m.Dispatch(context.Background(), []models.User{rider}, driver, false); err != nil {
			t.Fatal(err)
		}
	}
	kinds := sink.kinds()
	want := []EventKind{EventDispatched, EventEnded, EventDispatched}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
	if got, ok := m.Get("u1-d1"); !ok || got.Status != models.StatusActive {
		t.Fatalf("replacement ride should stay active, got %+v", got)
	}
}

func TestArmSkipsRemovedEntry(t *testing.T) {
	g, idx := lineGraph(t)
	m := NewManager(Deps{
		Router:          &Router{Graph: g, Nodes: idx, Directions: &fakeDirections{}},
		Policy:          pricing.DefaultPolicy(),
		RefreshInterval: time.Hour,
	})
	defer m.Close()

	e := &entry{removed: true}
	m.arm("gone", e)
	if e.cancel != nil {
		t.Fatal("an ended ride must not get a refresh ticker")
	}
}
