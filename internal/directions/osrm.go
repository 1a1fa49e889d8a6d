package directions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/graph"
	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 2 * time.Second}}
}

type osrmResponse struct {
	Code   string `json:"code"`
	Routes []struct {
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		Legs     []struct {
			Steps []struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
				Name     string  `json:"name"`
				Maneuver struct {
					Type     string `json:"type"`
					Modifier string `json:"modifier"`
				} `json:"maneuver"`
			} `json:"steps"`
		} `json:"legs"`
	} `json:"routes"`
}

// Directions queries /route with every stop in order. OSRM wants lon,lat.
func (o *OSRMClient) Directions(ctx context.Context, stops []models.Coord) (Result, error) {
	if len(stops) < 2 {
		return Result{}, nil
	}
	coords := make([]string, len(stops))
	for i, s := range stops {
		coords[i] = fmt.Sprintf("%.6f,%.6f", s.Lon, s.Lat)
	}
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=false&steps=true", o.Endpoint, strings.Join(coords, ";"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, providerError("osrm", models.ReasonMalformed, "", err)
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Result{}, providerError("osrm", models.ReasonBadStatus, "transport", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, providerError("osrm", models.ReasonBadStatus, resp.Status, nil)
	}
	var out osrmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, providerError("osrm", models.ReasonMalformed, "", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Result{}, providerError("osrm", models.ReasonBadStatus, out.Code, fmt.Errorf("no route"))
	}
	route := out.Routes[0]
	res := Result{DistanceKm: route.Distance / 1000, DurationMin: route.Duration / 60}
	for _, leg := range route.Legs {
		for _, st := range leg.Steps {
			instr := strings.TrimSpace(st.Maneuver.Type + " " + st.Maneuver.Modifier)
			if st.Name != "" {
				instr += " onto " + st.Name
			}
			res.Steps = append(res.Steps, models.Step{Instruction: instr, DistanceKm: st.Distance / 1000, DurationMin: st.Duration / 60})
		}
	}
	return res, nil
}

// Weight reports the OSRM driving time of an edge in minutes.
func (o *OSRMClient) Weight(ctx context.Context, e graph.Edge) (float64, error) {
	res, err := o.Directions(ctx, []models.Coord{e.FromLoc, e.ToLoc})
	if err != nil {
		return 0, err
	}
	return res.DurationMin, nil
}
