package graph

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeTraffic struct {
	weights map[string]float64
	fail    map[string]bool
	calls   atomic.Int32
}

func (f *fakeTraffic) Weight(_ context.Context, e Edge) (float64, error) {
	f.calls.Add(1)
	if f.fail[e.Key()] {
		return 0, &models.ProviderError{Provider: "fake", Reason: models.ReasonBadStatus, Status: "503"}
	}
	if w, ok := f.weights[e.Key()]; ok {
		return w, nil
	}
	return e.Base, nil
}

type slowTraffic struct{}

func (slowTraffic) Weight(ctx context.Context, _ Edge) (float64, error) {
	<-ctx.Done()
	return 0, &models.ProviderError{Provider: "slow", Reason: models.ReasonTimeout, Err: ctx.Err()}
}

func TestNewRejectsNegativeWeights(t *testing.T) {
	if _, err := New(Adjacency{"A": {"B": -1}}, nil); err == nil {
		t.Fatal("expected negative weight to be rejected")
	}
}

func TestRefreshWeightsPartialFailureKeepsPrevious(t *testing.T) {
	g := Demo()
	g.Override(map[string]float64{"A-B": 9})

	p := &fakeTraffic{
		weights: map[string]float64{"A-B": 4, "B-D": 7},
		fail:    map[string]bool{"A-B": true},
	}
	rep := g.RefreshWeights(context.Background(), p, time.Second)

	if rep.Failed != 1 {
		t.Fatalf("expected 1 failure, got %d", rep.Failed)
	}
	if rep.Updated != len(g.Edges())-1 {
		t.Fatalf("expected every other edge updated, got %d of %d", rep.Updated, len(g.Edges()))
	}
	if int(p.calls.Load()) != len(g.Edges()) {
		t.Fatalf("expected a call per edge, got %d", p.calls.Load())
	}
	if w, _ := g.Weight("A", "B"); w != 9 {
		t.Fatalf("failed edge must keep previous weight 9, got %v", w)
	}
	if w, _ := g.Weight("B", "D"); w != 7 {
		t.Fatalf("expected refreshed weight 7, got %v", w)
	}
	var pe *models.ProviderError
	if !errors.As(rep.Errors[0], &pe) {
		t.Fatalf("expected provider error, got %v", rep.Errors[0])
	}
}

func TestRefreshWeightsPerCallTimeout(t *testing.T) {
	g, err := New(Adjacency{"A": {"B": 1}, "B": {"A": 1}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	rep := g.RefreshWeights(context.Background(), slowTraffic{}, 10*time.Millisecond)
	if rep.Failed != 2 || rep.Updated != 0 {
		t.Fatalf("expected both edges to time out, got %+v", rep)
	}
	if w, _ := g.Weight("A", "B"); w != 1 {
		t.Fatalf("expected base weight to survive, got %v", w)
	}
}

func TestRefreshWeightsRejectsMalformed(t *testing.T) {
	g, _ := New(Adjacency{"A": {"B": 1}}, nil)
	rep := g.RefreshWeights(context.Background(), &fakeTraffic{weights: map[string]float64{"A-B": math.NaN()}}, 0)
	if rep.Failed != 1 {
		t.Fatalf("expected NaN weight to count as failure, got %+v", rep)
	}
}

func TestBaseGraphNeverMutated(t *testing.T) {
	g := Demo()
	before := ShortestPath(g.View(), "A", "D")
	g.Override(map[string]float64{"A-B": 100, "B-A": 100})
	after := ShortestPath(g.View(), "A", "D")
	if after.Distance <= before.Distance {
		t.Fatalf("expected override to raise cost, before %v after %v", before.Distance, after.Distance)
	}
	g.ResetOverlay()
	if again := ShortestPath(g.View(), "A", "D"); again.Distance != before.Distance {
		t.Fatalf("expected base weights back, got %v want %v", again.Distance, before.Distance)
	}
}

func TestViewIsStableAcrossOverride(t *testing.T) {
	g := Demo()
	v := g.View()
	g.Override(map[string]float64{"A-B": 50})
	if w, _ := v.Weight("A", "B"); w != 1.5 {
		t.Fatalf("pinned view should keep old weight, got %v", w)
	}
}

func TestOverrideIgnoresUnknownEdges(t *testing.T) {
	g := Demo()
	if n := g.Override(map[string]float64{"A-N": 1, "A-B": -3}); n != 0 {
		t.Fatalf("expected nothing applied, got %d", n)
	}
}
