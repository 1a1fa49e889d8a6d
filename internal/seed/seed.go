// Package seed loads the static users, drivers and road graph a server
// starts with.
package seed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/example/ride-dispatch/internal/graph"
	"github.com/example/ride-dispatch/internal/models"
)

type Dataset struct {
	Users   []models.User
	Drivers []models.Driver
	Graph   *graph.Graph
}

type driverRecord struct {
	models.Driver
	// Available is optional in the file; missing means on duty.
	Available *bool `json:"available"`
}

type file struct {
	Users   []models.User           `json:"users"`
	Drivers []driverRecord          `json:"drivers"`
	Graph   graph.Adjacency         `json:"graph"`
	Nodes   map[string]models.Coord `json:"nodes"`
}

// Load reads a dataset. A file without a graph section gets the demo graph.
func Load(path string) (Dataset, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Dataset{}, err
	}
	var f file
	if err := json.Unmarshal(b, &f); err != nil {
		return Dataset{}, fmt.Errorf("decode %s: %w", path, err)
	}

	ds := Dataset{Users: f.Users}
	seen := make(map[string]bool)
	for _, u := range f.Users {
		if err := models.ValidateID("user", u.ID); err != nil {
			return Dataset{}, err
		}
		if seen["u:"+u.ID] {
			return Dataset{}, fmt.Errorf("%w: duplicate user %q", models.ErrInvalidInput, u.ID)
		}
		seen["u:"+u.ID] = true
	}
	for _, r := range f.Drivers {
		d := r.Driver
		if err := models.ValidateID("driver", d.ID); err != nil {
			return Dataset{}, err
		}
		if seen["d:"+d.ID] {
			return Dataset{}, fmt.Errorf("%w: duplicate driver %q", models.ErrInvalidInput, d.ID)
		}
		seen["d:"+d.ID] = true
		d.Available = r.Available == nil || *r.Available
		ds.Drivers = append(ds.Drivers, d)
	}

	if len(f.Graph) == 0 {
		ds.Graph = graph.Demo()
		return ds, nil
	}
	if len(f.Nodes) == 0 {
		return Dataset{}, fmt.Errorf("%w: graph in %s has no node coordinates", models.ErrInvalidInput, path)
	}
	g, err := graph.New(f.Graph, f.Nodes)
	if err != nil {
		return Dataset{}, fmt.Errorf("graph in %s: %w", path, err)
	}
	ds.Graph = g
	return ds, nil
}

// LoadOrDefault never fails: a missing or broken file leaves the roster empty
// and falls back to the demo graph.
func LoadOrDefault(path string, logger *slog.Logger) Dataset {
	if path == "" {
		return Dataset{Graph: graph.Demo()}
	}
	ds, err := Load(path)
	if err != nil {
		logger.Warn("seed data unavailable, starting with empty roster", "path", path, "error", err)
		return Dataset{Graph: graph.Demo()}
	}
	logger.Info("seed data loaded", "path", path, "users", len(ds.Users), "drivers", len(ds.Drivers))
	return ds
}
