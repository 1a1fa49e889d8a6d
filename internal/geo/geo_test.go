package geo

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(models.Coord{}, models.Coord{})
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	if math.Abs(d-111.19) > 0.1 {
		t.Fatalf("expected ~111.19km, got %f", d)
	}
}

func TestPlanar(t *testing.T) {
	d := Planar(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 3, Lon: 4})
	if d != 5 {
		t.Fatalf("expected 5, got %f", d)
	}
}

func TestMetricByName(t *testing.T) {
	if _, err := MetricByName("planar"); err != nil {
		t.Fatalf("planar: %v", err)
	}
	if _, err := MetricByName(""); err != nil {
		t.Fatalf("default: %v", err)
	}
	if _, err := MetricByName("manhattan"); err == nil {
		t.Fatal("expected error for unknown metric")
	}
}

func TestNodeIndexNearest(t *testing.T) {
	idx := NewNodeIndex(map[string]models.Coord{
		"A": {Lat: 22.57, Lon: 88.36},
		"B": {Lat: 22.58, Lon: 88.37},
		"D": {Lat: 22.59, Lon: 88.38},
	}, Planar)
	got, ok := idx.Nearest(models.Coord{Lat: 22.5801, Lon: 88.3702})
	if !ok || got != "B" {
		t.Fatalf("expected B, got %q ok=%v", got, ok)
	}
}

func TestNodeIndexEmpty(t *testing.T) {
	idx := NewNodeIndex(nil, nil)
	if _, ok := idx.Nearest(models.Coord{}); ok {
		t.Fatal("expected no node in empty index")
	}
}

func TestNodeIndexTieIsStable(t *testing.T) {
	idx := NewNodeIndex(map[string]models.Coord{
		"Y": {Lat: 1, Lon: 0},
		"X": {Lat: -1, Lon: 0},
	}, Planar)
	for i := 0; i < 20; i++ {
		if got, _ := idx.Nearest(models.Coord{}); got != "X" {
			t.Fatalf("expected X on tie, got %s", got)
		}
	}
}

func TestIndexKeepsInsertionOrder(t *testing.T) {
	g := NewIndex()
	g.Upsert(models.Driver{ID: "d2"})
	g.Upsert(models.Driver{ID: "d1"})
	g.Upsert(models.Driver{ID: "d2", Name: "again"})
	ds := g.Drivers()
	if len(ds) != 2 || ds[0].ID != "d2" || ds[1].ID != "d1" {
		t.Fatalf("unexpected order: %+v", ds)
	}
	if ds[0].Name != "again" {
		t.Fatalf("expected upsert to replace fields, got %+v", ds[0])
	}
}

func TestIndexSetAvailable(t *testing.T) {
	g := NewIndex()
	g.Upsert(models.Driver{ID: "d1", Available: true})
	if _, ok := g.SetAvailable("missing", true); ok {
		t.Fatal("expected unknown driver to report false")
	}
	d, ok := g.SetAvailable("d1", false)
	if !ok || d.Available {
		t.Fatalf("expected d1 unavailable, got %+v", d)
	}
	if g.CountAvailable() != 0 {
		t.Fatalf("expected 0 available, got %d", g.CountAvailable())
	}
}
