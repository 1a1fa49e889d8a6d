package graph

import "github.com/example/ride-dispatch/internal/models"

// DemoAdjacency is the fourteen-node service area used when no road graph
// file is configured.
func DemoAdjacency() Adjacency {
	return Adjacency{
		"A": {"B": 1.5, "C": 2.0},
		"B": {"A": 1.5, "D": 2.5, "E": 3.0},
		"C": {"A": 2.0, "F": 2.2},
		"D": {"B": 2.5, "G": 1.8},
		"E": {"B": 3.0, "G": 2.1, "H": 2.4},
		"F": {"C": 2.2, "I": 1.7},
		"G": {"D": 1.8, "E": 2.1, "J": 2.5},
		"H": {"E": 2.4, "K": 1.9},
		"I": {"F": 1.7, "L": 2.3},
		"J": {"G": 2.5, "M": 2.0},
		"K": {"H": 1.9, "N": 2.2},
		"L": {"I": 2.3},
		"M": {"J": 2.0},
		"N": {"K": 2.2},
	}
}

func DemoNodes() map[string]models.Coord {
	return map[string]models.Coord{
		"A": {Lat: 22.57, Lon: 88.36},
		"B": {Lat: 22.58, Lon: 88.37},
		"C": {Lat: 22.56, Lon: 88.35},
		"D": {Lat: 22.59, Lon: 88.38},
		"E": {Lat: 22.60, Lon: 88.37},
		"F": {Lat: 22.55, Lon: 88.34},
		"G": {Lat: 22.61, Lon: 88.39},
		"H": {Lat: 22.62, Lon: 88.38},
		"I": {Lat: 22.54, Lon: 88.33},
		"J": {Lat: 22.63, Lon: 88.40},
		"K": {Lat: 22.64, Lon: 88.39},
		"L": {Lat: 22.53, Lon: 88.32},
		"M": {Lat: 22.65, Lon: 88.41},
		"N": {Lat: 22.66, Lon: 88.40},
	}
}

// Demo builds the demo graph. The data is static and valid, so errors are impossible.
func Demo() *Graph {
	g, err := New(DemoAdjacency(), DemoNodes())
	if err != nil {
		panic(err)
	}
	return g
}
