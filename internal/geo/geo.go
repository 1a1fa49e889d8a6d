package geo

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Metric measures straight-line distance between two coordinates. Haversine
// yields kilometres; Planar yields raw coordinate units.
type Metric func(a, b models.Coord) float64

const earthRadiusKm = 6371.0

// Haversine distance in kilometres.
func Haversine(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Planar is the euclidean distance on raw coordinates.
func Planar(a, b models.Coord) float64 {
	dx := a.Lat - b.Lat
	dy := a.Lon - b.Lon
	return math.Sqrt(dx*dx + dy*dy)
}

func MetricByName(name string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "haversine":
		return Haversine, nil
	case "planar":
		return Planar, nil
	default:
		return nil, fmt.Errorf("unknown distance metric %q", name)
	}
}

// NodeIndex maps coordinates to the closest road graph node. It is built once
// and never mutated, so lookups need no locking.
type NodeIndex struct {
	ids    []string
	coords map[string]models.Coord
	metric Metric
}

func NewNodeIndex(nodes map[string]models.Coord, metric Metric) *NodeIndex {
	ids := make([]string, 0, len(nodes))
	coords := make(map[string]models.Coord, len(nodes))
	for id, c := range nodes {
		ids = append(ids, id)
		coords[id] = c
	}
	// sorted ids keep equidistant lookups stable across runs
	sort.Strings(ids)
	if metric == nil {
		metric = Haversine
	}
	return &NodeIndex{ids: ids, coords: coords, metric: metric}
}

// Nearest returns the closest node, or false when the index is empty.
func (n *NodeIndex) Nearest(c models.Coord) (string, bool) {
	best := ""
	bestDist := math.Inf(1)
	for _, id := range n.ids {
		if d := n.metric(c, n.coords[id]); d < bestDist {
			best, bestDist = id, d
		}
	}
	return best, best != ""
}

func (n *NodeIndex) Coord(id string) (models.Coord, bool) {
	c, ok := n.coords[id]
	return c, ok
}

// Index is the in-memory driver roster. Iteration order is insertion order,
// which the matcher relies on for tie-breaking.
type Index struct {
	mu      sync.RWMutex
	order   []string
	drivers map[string]models.Driver
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.Driver)}
}

func (g *Index) Upsert(d models.Driver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.drivers[d.ID]; !ok {
		g.order = append(g.order, d.ID)
	}
	d.Updated = time.Now()
	g.drivers[d.ID] = d
}

func (g *Index) Get(id string) (models.Driver, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[id]
	return d, ok
}

// SetAvailable flips the availability flag and returns the updated driver.
func (g *Index) SetAvailable(id string, available bool) (models.Driver, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	d.Available = available
	d.Updated = time.Now()
	g.drivers[id] = d
	return d, true
}

// Move updates a known driver's position without touching availability.
func (g *Index) Move(id string, loc models.Coord) (models.Driver, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	d.Loc = loc
	d.Updated = time.Now()
	g.drivers[id] = d
	return d, true
}

// Drivers returns a snapshot of the roster in insertion order.
func (g *Index) Drivers() []models.Driver {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Driver, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.drivers[id])
	}
	return out
}

func (g *Index) CountAvailable() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, d := range g.drivers {
		if d.Available {
			n++
		}
	}
	return n
}
