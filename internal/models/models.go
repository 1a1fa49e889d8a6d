package models

import "time"

// Coord is a point in the service area. The planar variant stores y in Lat and x in Lon.
type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Loc  Coord  `json:"loc"`
}

type Driver struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Loc       Coord     `json:"loc"`
	SpeedKph  float64   `json:"speed_kph"`
	Available bool      `json:"available"`
	Updated   time.Time `json:"updated"`
}

// PendingRequest is a queued ride request waiting for pool evaluation.
type PendingRequest struct {
	UserID      string    `json:"user_id"`
	Loc         Coord     `json:"loc"`
	RequestTime time.Time `json:"request_time"`
}

type Step struct {
	Instruction string  `json:"instruction"`
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
}

// Route is recomputed wholesale on every refresh. Degraded marks a placeholder
// produced when the directions provider could not be reached.
type Route struct {
	Path        []string `json:"path"`
	GraphCost   float64  `json:"graph_cost"`
	DistanceKm  float64  `json:"distance_km"`
	DurationMin float64  `json:"duration_min"`
	Steps       []Step   `json:"steps,omitempty"`
	Fare        float64  `json:"fare"`
	Degraded    bool     `json:"degraded"`
}

type RideStatus string

const (
	StatusDispatching RideStatus = "dispatching"
	StatusActive      RideStatus = "active"
	StatusEnded       RideStatus = "ended"
)

type Ride struct {
	ID          string     `json:"id"`
	Users       []User     `json:"users"`
	Driver      Driver     `json:"driver"`
	Route       Route      `json:"route"`
	Status      RideStatus `json:"status"`
	Pooled      bool       `json:"pooled"`
	PaymentRef  string     `json:"payment_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUpdated time.Time  `json:"last_updated"`
}

// RideID derives the ride key from the first rider and the driver. A repeat
// match of the same pair overwrites the earlier ride.
func RideID(userID, driverID string) string {
	return userID + "-" + driverID
}

// Clone returns a copy that shares no slices with r.
func (r Ride) Clone() Ride {
	out := r
	out.Users = append([]User(nil), r.Users...)
	out.Route.Path = append([]string(nil), r.Route.Path...)
	out.Route.Steps = append([]Step(nil), r.Route.Steps...)
	return out
}

// Stops lists the driver position followed by every rider pickup, in order.
func (r Ride) Stops() []Coord {
	stops := make([]Coord, 0, len(r.Users)+1)
	stops = append(stops, r.Driver.Loc)
	for _, u := range r.Users {
		stops = append(stops, u.Loc)
	}
	return stops
}
