package directions

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/graph"
	"github.com/example/ride-dispatch/internal/models"
)

// GoogleMaps handles interactions with the Google Maps Directions API.
type GoogleMaps struct {
	client *maps.Client
	region string
}

// NewGoogleMaps creates a provider with the given API key. region biases
// results and may be empty.
func NewGoogleMaps(apiKey, region string) (*GoogleMaps, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMaps{client: client, region: region}, nil
}

// Directions requests a driving route through every stop. Intermediate
// stops are sent as waypoints and legs are summed.
func (g *GoogleMaps) Directions(ctx context.Context, stops []models.Coord) (Result, error) {
	if len(stops) < 2 {
		return Result{}, nil
	}
	r := &maps.DirectionsRequest{
		Origin:        latLng(stops[0]),
		Destination:   latLng(stops[len(stops)-1]),
		Mode:          maps.TravelModeDriving,
		DepartureTime: "now",
		Region:        g.region,
	}
	for _, s := range stops[1 : len(stops)-1] {
		r.Waypoints = append(r.Waypoints, latLng(s))
	}

	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Result{}, providerError("google", models.ReasonBadStatus, statusOf(err), err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Result{}, providerError("google", models.ReasonMalformed, "", fmt.Errorf("no route found"))
	}

	var res Result
	for _, leg := range routes[0].Legs {
		if leg == nil {
			continue
		}
		d := leg.Duration
		if leg.DurationInTraffic > 0 {
			d = leg.DurationInTraffic
		}
		res.DistanceKm += float64(leg.Distance.Meters) / 1000
		res.DurationMin += minutes(d)
		for _, st := range leg.Steps {
			if st == nil {
				continue
			}
			res.Steps = append(res.Steps, models.Step{
				Instruction: stripTags(st.HTMLInstructions),
				DistanceKm:  float64(st.Distance.Meters) / 1000,
				DurationMin: minutes(st.Duration),
			})
		}
	}
	return res, nil
}

// Weight reports the in-traffic driving time of an edge in minutes.
func (g *GoogleMaps) Weight(ctx context.Context, e graph.Edge) (float64, error) {
	res, err := g.Directions(ctx, []models.Coord{e.FromLoc, e.ToLoc})
	if err != nil {
		return 0, err
	}
	return res.DurationMin, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func minutes(d time.Duration) float64 { return d.Minutes() }

// statusOf pulls the API status out of errors shaped like
// "maps: ZERO_RESULTS - ".
func statusOf(err error) string {
	msg := strings.TrimPrefix(err.Error(), "maps: ")
	if i := strings.Index(msg, " "); i > 0 {
		msg = msg[:i]
	}
	if strings.ToUpper(msg) == msg {
		return msg
	}
	return ""
}

var tagRE = regexp.MustCompile(`<[^>]*>`)

func stripTags(s string) string {
	return strings.Join(strings.Fields(html.UnescapeString(tagRE.ReplaceAllString(s, " "))), " ")
}
