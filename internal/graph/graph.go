// Package graph holds the road network, its traffic weight overlay and the
// shortest path solver.
//
// The base topology is immutable once built. Traffic refreshes never touch it;
// they publish a new overlay of per-edge weights that replaces the previous
// one atomically, so readers always see a consistent set of weights.
package graph

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/example/ride-dispatch/internal/models"
)

// Weighted is the read-only view the solver walks.
type Weighted interface {
	// Neighbors calls visit for every outgoing edge of node in a stable order.
	Neighbors(node string, visit func(to string, weight float64))
}

// Adjacency is a plain node -> neighbor -> cost map.
type Adjacency map[string]map[string]float64

func (a Adjacency) Neighbors(node string, visit func(string, float64)) {
	out := a[node]
	keys := make([]string, 0, len(out))
	for k := range out {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		visit(k, out[k])
	}
}

type arc struct {
	to   string
	base float64
}

// Edge describes one directed road segment for traffic lookups.
type Edge struct {
	From    string
	To      string
	FromLoc models.Coord
	ToLoc   models.Coord
	Base    float64
}

func (e Edge) Key() string { return EdgeKey(e.From, e.To) }

func EdgeKey(from, to string) string { return from + "-" + to }

type overlay map[string]float64

type Graph struct {
	adj   map[string][]arc
	nodes map[string]models.Coord
	edges []Edge

	weights   atomic.Pointer[overlay]
	refreshMu sync.Mutex
}

// New validates and copies the topology. Neighbors that are not themselves
// keys become dead-end nodes rather than an error.
func New(adj Adjacency, nodes map[string]models.Coord) (*Graph, error) {
	g := &Graph{
		adj:   make(map[string][]arc, len(adj)),
		nodes: make(map[string]models.Coord, len(nodes)),
	}
	for id, c := range nodes {
		g.nodes[id] = c
	}
	for from, out := range adj {
		arcs := make([]arc, 0, len(out))
		for to, w := range out {
			if w < 0 || math.IsNaN(w) {
				return nil, fmt.Errorf("edge %s has invalid weight %v", EdgeKey(from, to), w)
			}
			arcs = append(arcs, arc{to: to, base: w})
		}
		sort.Slice(arcs, func(i, j int) bool { return arcs[i].to < arcs[j].to })
		g.adj[from] = arcs
	}
	froms := make([]string, 0, len(g.adj))
	for from := range g.adj {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		for _, a := range g.adj[from] {
			g.edges = append(g.edges, Edge{From: from, To: a.to, FromLoc: g.nodes[from], ToLoc: g.nodes[a.to], Base: a.base})
		}
	}
	empty := overlay{}
	g.weights.Store(&empty)
	return g, nil
}

func (g *Graph) Nodes() map[string]models.Coord {
	out := make(map[string]models.Coord, len(g.nodes))
	for id, c := range g.nodes {
		out[id] = c
	}
	return out
}

func (g *Graph) HasNode(id string) bool {
	if _, ok := g.adj[id]; ok {
		return true
	}
	_, ok := g.nodes[id]
	return ok
}

// Edges lists every directed edge with its base weight.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// View pins the current overlay so one solve sees a single set of weights.
func (g *Graph) View() View {
	return View{g: g, ov: *g.weights.Load()}
}

// Weight returns the current cost of an edge, or false when it does not exist.
func (g *Graph) Weight(from, to string) (float64, bool) {
	return g.View().Weight(from, to)
}

// Override publishes a new overlay with the given edge weights merged over
// the current ones. Unknown edges and negative weights are ignored.
func (g *Graph) Override(weights map[string]float64) int {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()
	next := g.copyOverlay()
	applied := 0
	for _, e := range g.edges {
		if w, ok := weights[e.Key()]; ok && w >= 0 && !math.IsNaN(w) {
			next[e.Key()] = w
			applied++
		}
	}
	g.weights.Store(&next)
	return applied
}

// ResetOverlay drops every traffic override.
func (g *Graph) ResetOverlay() {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()
	empty := overlay{}
	g.weights.Store(&empty)
}

func (g *Graph) copyOverlay() overlay {
	cur := *g.weights.Load()
	next := make(overlay, len(cur))
	for k, v := range cur {
		next[k] = v
	}
	return next
}

type View struct {
	g  *Graph
	ov overlay
}

func (v View) Neighbors(node string, visit func(string, float64)) {
	for _, a := range v.g.adj[node] {
		w := a.base
		if o, ok := v.ov[EdgeKey(node, a.to)]; ok {
			w = o
		}
		visit(a.to, w)
	}
}

func (v View) Weight(from, to string) (float64, bool) {
	for _, a := range v.g.adj[from] {
		if a.to != to {
			continue
		}
		if o, ok := v.ov[EdgeKey(from, to)]; ok {
			return o, true
		}
		return a.base, true
	}
	return 0, false
}
