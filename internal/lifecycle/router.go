package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/directions"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/graph"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Router combines the road graph path with the directions provider metrics.
type Router struct {
	Graph      *graph.Graph
	Nodes      *geo.NodeIndex
	Directions directions.Provider
	Timeout    time.Duration
	// Name labels provider error metrics.
	Name string
}

// Route solves the graph path the driver drives, from the driver's position
// through each pickup in order, over one pinned weight view, then asks the
// provider for distance and duration over the same stops.
//
// When the provider fails the route is returned with its graph path filled
// in alongside the *models.ProviderError, so the caller can degrade.
func (r *Router) Route(ctx context.Context, ride models.Ride) (models.Route, error) {
	route, err := r.GraphPath(ride)
	if err != nil {
		return models.Route{}, err
	}
	if r.Directions == nil {
		return route, &models.ProviderError{Provider: r.Name, Reason: models.ReasonBadStatus, Status: "unconfigured"}
	}
	res, err := directions.WithTimeout(ctx, r.Directions, ride.Stops(), r.Timeout)
	if err != nil {
		r.countError(err)
		return route, err
	}
	route.DistanceKm = res.DistanceKm
	route.DurationMin = res.DurationMin
	route.Steps = res.Steps
	return route, nil
}

// GraphPath chains shortest paths through the nearest nodes of every stop,
// driver first.
func (r *Router) GraphPath(ride models.Ride) (models.Route, error) {
	locs := ride.Stops()
	nodes := make([]string, len(locs))
	for i, c := range locs {
		id, ok := r.Nodes.Nearest(c)
		if !ok {
			return models.Route{}, fmt.Errorf("road graph has no nodes: %w", models.ErrUnreachable)
		}
		nodes[i] = id
	}

	view := r.Graph.View()
	route := models.Route{Path: []string{nodes[0]}}
	for i := 1; i < len(nodes); i++ {
		p := graph.ShortestPath(view, nodes[i-1], nodes[i])
		if !p.Found() {
			return models.Route{}, fmt.Errorf("%s to %s: %w", nodes[i-1], nodes[i], models.ErrUnreachable)
		}
		route.Path = append(route.Path, p.Nodes[1:]...)
		route.GraphCost += p.Distance
	}
	return route, nil
}

func (r *Router) countError(err error) {
	reason := "other"
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		reason = string(pe.Reason)
	}
	observability.ProviderErrors.WithLabelValues(r.Name, reason).Inc()
}
