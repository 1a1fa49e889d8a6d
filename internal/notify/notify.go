// Package notify pushes ride events to the rider and driver apps.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
)

// Message is what a participant receives.
type Message struct {
	Event  lifecycle.EventKind `json:"event"`
	RideID string              `json:"ride_id"`
	Ride   models.Ride         `json:"ride"`
	SentAt time.Time           `json:"sent_at"`
}

// Hub delivers each event to every participant of the ride over websocket.
// Participants without a live session go to the webhook, when configured.
type Hub struct {
	WS      *WSRegistry
	Webhook *Webhook
	Logger  *slog.Logger
}

func (h *Hub) RideEvent(ctx context.Context, kind lifecycle.EventKind, r models.Ride) error {
	msg := Message{Event: kind, RideID: r.ID, Ride: r, SentAt: time.Now()}

	var offline []string
	var errs []error
	for _, id := range participants(r) {
		err := h.WS.Send(id, msg)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNoSession) {
			errs = append(errs, err)
			if h.Logger != nil {
				h.Logger.Warn("ws send failed", "participant_id", id, "ride_id", r.ID, "error", err)
			}
		}
		offline = append(offline, id)
	}

	if len(offline) > 0 && h.Webhook != nil {
		payload := map[string]any{"recipients": offline, "message": msg}
		if err := h.Webhook.Post(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func participants(r models.Ride) []string {
	ids := make([]string, 0, len(r.Users)+1)
	ids = append(ids, r.Driver.ID)
	for _, u := range r.Users {
		ids = append(ids, u.ID)
	}
	return ids
}
