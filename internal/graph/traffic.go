package graph

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// TrafficProvider returns the current travel cost of one edge. Failures are
// per edge and are expected to be *models.ProviderError.
type TrafficProvider interface {
	Weight(ctx context.Context, e Edge) (float64, error)
}

type RefreshReport struct {
	Updated int
	Failed  int
	Errors  []error
}

// RefreshWeights asks the provider for every edge and publishes the result as
// the new overlay. An edge whose lookup fails keeps its previous weight; a
// cancelled ctx stops the walk but still publishes what was collected.
func (g *Graph) RefreshWeights(ctx context.Context, p TrafficProvider, perCall time.Duration) RefreshReport {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	next := g.copyOverlay()
	var rep RefreshReport
	for _, e := range g.edges {
		if ctx.Err() != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Errorf("edge %s: %w", e.Key(), ctx.Err()))
			continue
		}
		w, err := weightWithTimeout(ctx, p, e, perCall)
		if err != nil {
			rep.Failed++
			rep.Errors = append(rep.Errors, fmt.Errorf("edge %s: %w", e.Key(), err))
			continue
		}
		next[e.Key()] = w
		rep.Updated++
	}
	g.weights.Store(&next)
	return rep
}

func weightWithTimeout(ctx context.Context, p TrafficProvider, e Edge, perCall time.Duration) (float64, error) {
	if perCall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, perCall)
		defer cancel()
	}
	w, err := p.Weight(ctx, e)
	if err != nil {
		return 0, err
	}
	if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
		return 0, &models.ProviderError{Provider: "traffic", Reason: models.ReasonMalformed, Err: fmt.Errorf("weight %v", w)}
	}
	return w, nil
}
