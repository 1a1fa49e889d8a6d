package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/pricing"
)

const maxBodyBytes = 1 << 20

// LocationPublisher forwards raw driver pings to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

type Server struct {
	engine    *engine.Engine
	ws        *notify.WSRegistry
	locations LocationPublisher
	logger    *slog.Logger
	mux       *mux.Router
	upgrader  websocket.Upgrader
}

// NewServer wires the routes. locations may be nil when kafka is not
// configured.
func NewServer(eng *engine.Engine, ws *notify.WSRegistry, locations LocationPublisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:    eng,
		ws:        ws,
		locations: locations,
		logger:    logger,
		mux:       mux.NewRouter(),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/match", s.handleMatchRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides", s.handleListRides).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/end", s.handleEndRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/refresh", s.handleRefreshRide).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/users", s.handleListUsers).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers", s.handleListDrivers).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/availability", s.handleDriverAvailability).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/routes/optimized", s.handleOptimizedRoute).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/traffic", s.handleOverrideTraffic).Methods(http.MethodPut)
	s.mux.HandleFunc("/api/v1/traffic", s.handleResetTraffic).Methods(http.MethodDelete)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{participant_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type userRequest struct {
	UserID string `json:"user_id"`
}

type rideResponse struct {
	models.Ride
	// FarePerRider is the pooled fare split evenly; equal to the fare for solo rides.
	FarePerRider float64 `json:"fare_per_rider"`
}

func present(r models.Ride) rideResponse {
	return rideResponse{Ride: r, FarePerRider: pricing.Split(r.Route.Fare, len(r.Users))}
}

func presentAll(rs []models.Ride) []rideResponse {
	out := make([]rideResponse, len(rs))
	for i, r := range rs {
		out[i] = present(r)
	}
	return out
}

type evaluationResponse struct {
	Rides     []rideResponse    `json:"rides"`
	Unmatched []string          `json:"unmatched,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
	Retained  bool              `json:"retained"`
	Pending   int               `json:"pending"`
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := s.engine.SubmitRequest(r.Context(), req.UserID); err != nil {
		s.writeError(w, r, err)
		return
	}
	ev := s.engine.EvaluateQueue(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"evaluation": evaluationResponse{
			Rides:     presentAll(ev.Rides),
			Unmatched: ev.Unmatched,
			Failed:    ev.Failed,
			Retained:  ev.Retained,
			Pending:   ev.Pending,
		},
	})
}

func (s *Server) handleMatchRide(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if !s.decode(w, r, &req) {
		return
	}
	ride, err := s.engine.DispatchSingle(r.Context(), req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(ride))
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rides": presentAll(s.engine.ActiveRides())})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.Ride(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(ride))
}

func (s *Server) handleEndRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.EndRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, present(ride))
}

func (s *Server) handleRefreshRide(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["ride_id"]
	changed, err := s.engine.RefreshRide(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.Ride(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "ride": present(ride)})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": s.engine.Users()})
}

func (s *Server) handleListDrivers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"drivers": s.engine.Drivers()})
}

func (s *Server) handleDriverAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Available *bool `json:"available"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Available == nil {
		s.writeError(w, r, models.ErrInvalidInput)
		return
	}
	d, err := s.engine.SetDriverAvailability(r.Context(), mux.Vars(r)["driver_id"], *req.Available)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOptimizedRoute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Start string `json:"start"`
		End   string `json:"end"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.engine.OptimizedRoute(req.Start, req.End)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleOverrideTraffic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Weights map[string]float64 `json:"weights"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.engine.OverrideTraffic(req.Weights)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": n})
}

func (s *Server) handleResetTraffic(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetTraffic()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if !s.decode(w, r, &d) {
		return
	}
	moved, err := s.engine.UpdateDriverLocation(r.Context(), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), moved); err != nil {
			s.logger.Warn("location publish failed", "driver_id", moved.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["participant_id"]
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "participant_id", id, "error", err)
		return
	}
	s.ws.Serve(id, conn)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	var nf *models.NotFoundError
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNoAvailability):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrUnreachable):
		return http.StatusUnprocessableEntity
	case models.IsProviderError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
