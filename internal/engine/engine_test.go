package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/directions"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/graph"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pooling"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

type fixedEstimator float64

func (f fixedEstimator) Estimate(context.Context, []models.Coord) (float64, error) {
	return float64(f), nil
}

type recordingMirror struct {
	mu      sync.Mutex
	updates []models.Driver
}

func (r *recordingMirror) Upsert(_ context.Context, d models.Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, d)
	return nil
}

func newEngine(t *testing.T, est pooling.Estimator) (*Engine, *storage.MemoryStore) {
	t.Helper()
	g := graph.Demo()
	idx := geo.NewNodeIndex(g.Nodes(), geo.Haversine)
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(Deps{
		Config: Config{
			Pool: pooling.Config{MaxWait: time.Minute, Radius: 1, Slack: 0.2, MinutesPerUnit: 2},
		},
		Graph:     g,
		Matcher:   matcher.New(geo.Haversine, 30, 1),
		Estimator: est,
		Metric:    geo.Haversine,
		Traffic:   directions.DemoMultipliers(),
		Rides: lifecycle.Deps{
			Router: &lifecycle.Router{Graph: g, Nodes: idx, Directions: directions.Estimator{SpeedKph: 30, Metric: geo.Haversine}, Timeout: time.Second, Name: "estimator"},
			Policy: pricing.DefaultPolicy(),
		},
		Store:  store,
		Logger: logger,
	})
	t.Cleanup(e.Close)

	nodes := graph.DemoNodes()
	for _, u := range []models.User{
		{ID: "u1", Name: "User1", Loc: nodes["A"]},
		{ID: "u2", Name: "User2", Loc: models.Coord{Lat: nodes["A"].Lat + 0.0005, Lon: nodes["A"].Lon}},
		{ID: "u3", Name: "User3", Loc: nodes["N"]},
	} {
		if err := e.AddUser(u); err != nil {
			t.Fatal(err)
		}
	}
	return e, store
}

func addDriver(t *testing.T, e *Engine, id string, loc models.Coord) {
	t.Helper()
	if _, err := e.UpsertDriver(context.Background(), models.Driver{ID: id, Loc: loc, SpeedKph: 30, Available: true}); err != nil {
		t.Fatal(err)
	}
}

func TestDispatchSingleClaimsDriver(t *testing.T) {
	e, _ := newEngine(t, nil)
	nodes := graph.DemoNodes()
	addDriver(t, e, "d1", nodes["D"])
	ctx := context.Background()

	ride, err := e.DispatchSingle(ctx, "u1")
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if ride.ID != "u1-d1" || ride.Driver.Available {
		t.Fatalf("unexpected ride %+v", ride)
	}
	if ride.Route.Path[0] != "D" || ride.Route.Path[len(ride.Route.Path)-1] != "A" {
		t.Fatalf("expected the driver's D..A path, got %v", ride.Route.Path)
	}
	if d, _ := e.roster.Get("d1"); d.Available {
		t.Fatal("matched driver must be off duty")
	}

	if _, err := e.DispatchSingle(ctx, "u2"); !errors.Is(err, models.ErrNoAvailability) {
		t.Fatalf("expected no availability, got %v", err)
	}
}

func TestDispatchSingleInput(t *testing.T) {
	e, _ := newEngine(t, nil)
	if _, err := e.DispatchSingle(context.Background(), ""); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	_, err := e.DispatchSingle(context.Background(), "ghost")
	var nf *models.NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "user" {
		t.Fatalf("expected user not found, got %v", err)
	}
}

func TestConcurrentDispatchNeverDoubleClaims(t *testing.T) {
	e, _ := newEngine(t, nil)
	nodes := graph.DemoNodes()
	for i, n := range []string{"B", "C", "D"} {
		addDriver(t, e, fmt.Sprintf("d%d", i), nodes[n])
	}
	for i := 0; i < 12; i++ {
		if err := e.AddUser(models.User{ID: fmt.Sprintf("r%d", i), Loc: nodes["A"]}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ride, err := e.DispatchSingle(context.Background(), fmt.Sprintf("r%d", i))
			if err != nil {
				return
			}
			mu.Lock()
			claimed[ride.Driver.ID]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	if len(claimed) != 3 {
		t.Fatalf("expected all three drivers used, got %v", claimed)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("driver %s claimed %d times", id, n)
		}
	}
}

func TestEvaluateQueuePoolsNearbyRiders(t *testing.T) {
	e, _ := newEngine(t, fixedEstimator(0.01))
	addDriver(t, e, "d1", graph.DemoNodes()["D"])
	ctx := context.Background()

	if _, err := e.SubmitRequest(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if ev := e.EvaluateQueue(ctx); !ev.Retained || ev.Pending != 1 {
		t.Fatalf("lone fresh request should be retained, got %+v", ev)
	}
	if _, err := e.SubmitRequest(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	ev := e.EvaluateQueue(ctx)
	if len(ev.Rides) != 1 {
		t.Fatalf("expected one pooled ride, got %+v", ev)
	}
	ride := ev.Rides[0]
	if !ride.Pooled || len(ride.Users) != 2 || ride.Users[0].ID != "u1" {
		t.Fatalf("unexpected pooled ride %+v", ride)
	}
	if ev.Pending != 0 {
		t.Fatalf("queue should be empty, pending %d", ev.Pending)
	}
}

func TestEvaluateQueueReportsUnmatched(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()
	for _, id := range []string{"u1", "u3"} {
		if _, err := e.SubmitRequest(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	ev := e.EvaluateQueue(ctx)
	if len(ev.Rides) != 0 || len(ev.Unmatched) != 2 {
		t.Fatalf("expected both riders unmatched, got %+v", ev)
	}
}

func TestEndRideReleasesDriver(t *testing.T) {
	e, store := newEngine(t, nil)
	mirror := &recordingMirror{}
	e.mirror = mirror
	addDriver(t, e, "d1", graph.DemoNodes()["D"])
	ctx := context.Background()

	ride, err := e.DispatchSingle(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	ended, err := e.EndRide(ctx, ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != models.StatusEnded {
		t.Fatalf("expected ended, got %s", ended.Status)
	}
	if d, _ := e.roster.Get("d1"); !d.Available {
		t.Fatal("driver should be back on duty")
	}
	if len(e.ActiveRides()) != 0 {
		t.Fatal("ride still active")
	}
	got, err := e.Ride(ctx, ride.ID)
	if err != nil || got.Status != models.StatusEnded {
		t.Fatalf("ended ride should come from the store, got %+v %v", got, err)
	}
	if _, err := store.GetRide(ctx, ride.ID); err != nil {
		t.Fatal(err)
	}
	if len(mirror.updates) == 0 || !mirror.updates[len(mirror.updates)-1].Available {
		t.Fatal("mirror should see the driver released")
	}

	if _, err := e.EndRide(ctx, ride.ID); err == nil {
		t.Fatal("second end should be not found")
	}
}

func TestDriverAvailabilityAndLocation(t *testing.T) {
	e, _ := newEngine(t, nil)
	ctx := context.Background()
	var nf *models.NotFoundError
	if _, err := e.SetDriverAvailability(ctx, "nobody", true); !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}

	d, err := e.UpdateDriverLocation(ctx, models.Driver{ID: "d5", Loc: models.Coord{Lat: 22.6, Lon: 88.4}})
	if err != nil || !d.Available {
		t.Fatalf("new driver should be registered available, got %+v %v", d, err)
	}
	if _, err := e.SetDriverAvailability(ctx, "d5", false); err != nil {
		t.Fatal(err)
	}
	d, _ = e.UpdateDriverLocation(ctx, models.Driver{ID: "d5", Loc: models.Coord{Lat: 22.61, Lon: 88.41}})
	if d.Available || d.Loc.Lat != 22.61 {
		t.Fatalf("move must keep availability, got %+v", d)
	}
	if _, err := e.UpdateDriverLocation(ctx, models.Driver{ID: "d5", Loc: models.Coord{Lat: math.NaN()}}); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid coordinate, got %v", err)
	}
}

func TestOptimizedRouteFollowsTraffic(t *testing.T) {
	e, _ := newEngine(t, nil)
	p, err := e.OptimizedRoute("A", "G")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(p.Distance-5.8) > 1e-9 {
		t.Fatalf("expected 5.8 before traffic, got %v", p.Distance)
	}

	rep := e.RefreshTraffic(context.Background())
	if rep.Failed != 0 || rep.Updated == 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	p, err = e.OptimizedRoute("A", "G")
	if err != nil {
		t.Fatal(err)
	}
	// B-D is now 3.75 and B-E 3.6, so A B D G costs 7.05 against 7.2 via E.
	if math.Abs(p.Distance-7.05) > 1e-9 {
		t.Fatalf("expected 7.05 after traffic, got %v via %v", p.Distance, p.Nodes)
	}

	var nf *models.NotFoundError
	if _, err := e.OptimizedRoute("A", "Z"); !errors.As(err, &nf) {
		t.Fatalf("expected node not found, got %v", err)
	}
	if _, err := e.OptimizedRoute("L", "A"); err != nil {
		t.Fatalf("L reaches A through I, F and C: %v", err)
	}
}

func TestDemandCountsQueueAndRides(t *testing.T) {
	e, _ := newEngine(t, nil)
	addDriver(t, e, "d1", graph.DemoNodes()["D"])
	ctx := context.Background()
	if _, err := e.DispatchSingle(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SubmitRequest(ctx, "u3"); err != nil {
		t.Fatal(err)
	}
	if got := e.Demand(); got != 2 {
		t.Fatalf("expected demand 2, got %d", got)
	}
}

func TestOverrideAndResetTraffic(t *testing.T) {
	e, _ := newEngine(t, nil)
	if _, err := e.OverrideTraffic(nil); !errors.Is(err, models.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	n, err := e.OverrideTraffic(map[string]float64{"B-D": 10, "Q-Z": 1})
	if err != nil || n != 1 {
		t.Fatalf("expected one edge applied, got %d %v", n, err)
	}
	p, _ := e.OptimizedRoute("A", "G")
	if p.Nodes[2] == "D" {
		t.Fatalf("route should avoid the jammed B-D edge, got %v", p.Nodes)
	}
	e.ResetTraffic()
	p, _ = e.OptimizedRoute("A", "G")
	if math.Abs(p.Distance-5.8) > 1e-9 {
		t.Fatalf("expected base weights after reset, got %v", p.Distance)
	}
}

func TestRefreshFollowsMovingDriver(t *testing.T) {
	e, _ := newEngine(t, nil)
	nodes := graph.DemoNodes()
	addDriver(t, e, "d1", nodes["N"])
	ctx := context.Background()

	ride, err := e.DispatchSingle(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if ride.Route.Path[0] != "N" {
		t.Fatalf("route should start at the driver, got %v", ride.Route.Path)
	}

	if _, err := e.UpdateDriverLocation(ctx, models.Driver{ID: "d1", Loc: nodes["B"]}); err != nil {
		t.Fatal(err)
	}
	changed, err := e.RefreshRide(ctx, ride.ID)
	if err != nil || !changed {
		t.Fatalf("moving the driver should change the route: changed=%v err=%v", changed, err)
	}
	got, err := e.Ride(ctx, ride.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Driver.Loc != nodes["B"] {
		t.Fatalf("ride should carry the new driver position, got %+v", got.Driver.Loc)
	}
	if strings.Join(got.Route.Path, "") != "BA" {
		t.Fatalf("expected B A after the move, got %v", got.Route.Path)
	}
	if got.Route.DistanceKm >= ride.Route.DistanceKm {
		t.Fatalf("closer driver should shorten the trip: %v then %v", ride.Route.DistanceKm, got.Route.DistanceKm)
	}
}
