package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrNoAvailability is a normal empty result: nobody could take the ride.
	ErrNoAvailability = errors.New("no drivers available")
	// ErrUnreachable is returned when the road graph has no path between stops.
	ErrUnreachable = errors.New("no route available")

	ErrInvalidInput = errors.New("invalid input")
)

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

func NotFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

type ProviderReason string

const (
	ReasonTimeout   ProviderReason = "timeout"
	ReasonBadStatus ProviderReason = "bad_status"
	ReasonMalformed ProviderReason = "malformed"
)

// ProviderError reports a failed call to the directions or traffic provider.
type ProviderError struct {
	Provider string
	Reason   ProviderReason
	Status   string
	Err      error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(string(e.Reason))
	if e.Status != "" {
		b.WriteString(" (" + e.Status + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// ValidateID rejects blank identifiers.
func ValidateID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s id is required", ErrInvalidInput, kind)
	}
	return nil
}

func ValidateCoord(c Coord) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return fmt.Errorf("%w: coordinate is not finite", ErrInvalidInput)
	}
	return nil
}
