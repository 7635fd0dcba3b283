package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/manpreetbhatti/deckroom/internal/catalog"
	"github.com/manpreetbhatti/deckroom/internal/logging"
	"github.com/manpreetbhatti/deckroom/internal/metrics"
	"github.com/manpreetbhatti/deckroom/internal/ws"
)

type API struct {
	hub     *ws.Hub
	store   catalog.Store
	metrics *metrics.Collector
	logger  *slog.Logger
}

// statsSource is implemented by stores that can report catalog totals.
type statsSource interface {
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// New builds the API. collector may be nil, in which case stats carry no
// operation counters.
func New(hub *ws.Hub, store catalog.Store, collector *metrics.Collector, logger *slog.Logger) *API {
	return &API{
		hub:     hub,
		store:   store,
		metrics: collector,
		logger:  logging.OrDefault(logger).With("component", "api"),
	}
}

// Router wires every endpoint, including the websocket upgrade, behind the
// logging and CORS middleware.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(a.logRequests, corsMiddleware)

	r.HandleFunc("/health", a.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/presentations", a.ListPresentationsHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/presentations", a.CreatePresentationHandler).Methods(http.MethodPost)
	r.HandleFunc("/api/presentations/{id}", a.GetPresentationHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/presentations/{id}", a.DeletePresentationHandler).Methods(http.MethodDelete)
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(a.hub, w, r)
	})

	// Preflight requests never match a method-restricted route.
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := a.logger.With("request_id", uuid.NewString())
		r = r.WithContext(logging.ContextWithLogger(r.Context(), logger))

		m := httpsnoop.CaptureMetrics(next, w, r)
		logger.Info("handled", "method", r.Method, "url", r.URL.String(), "duration", m.Duration, "status", m.Code)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "X-Deckroom-Participant")
		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms":   a.hub.GetRoomCount(),
		"active_clients": a.hub.GetClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if source, ok := a.store.(statsSource); ok {
		dbStats, err := source.GetStats(r.Context())
		if err != nil {
			logging.FromContext(r.Context(), a.logger).Warn("reading catalog stats", "error", err)
		} else {
			stats["total_presentations"] = dbStats["presentation_count"]
			stats["total_participants"] = dbStats["participant_count"]
		}
	}

	if a.metrics != nil {
		totals, err := a.metrics.Totals(r.Context())
		if err != nil {
			logging.FromContext(r.Context(), a.logger).Warn("collecting metrics", "error", err)
		} else {
			stats["metrics"] = totals
		}
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Presentation handlers

type CreatePresentationRequest struct {
	Title           string `json:"title"`
	CreatorNickname string `json:"creatorNickname"`
}

type presentationSummary struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	CreatorNickname string    `json:"creatorNickname"`
	SlideCount      int       `json:"slideCount"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	ActiveUsers     int       `json:"activeUsers"`
}

func (a *API) ListPresentationsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	summaries, err := a.store.List(r.Context(), limit, offset)
	if err != nil {
		logging.FromContext(r.Context(), a.logger).Error("listing presentations", "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list presentations")
		return
	}

	active := a.hub.GetActiveRooms()

	response := make([]presentationSummary, len(summaries))
	for i, s := range summaries {
		response[i] = presentationSummary{
			ID:              s.ID,
			Title:           s.Title,
			CreatorNickname: s.CreatorNickname,
			SlideCount:      s.SlideCount,
			CreatedAt:       s.CreatedAt,
			UpdatedAt:       s.UpdatedAt,
			ActiveUsers:     active[s.ID],
		}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"presentations": response,
		"limit":         limit,
		"offset":        offset,
	})
}

func (a *API) CreatePresentationHandler(w http.ResponseWriter, r *http.Request) {
	var req CreatePresentationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	nickname := strings.TrimSpace(req.CreatorNickname)
	if nickname == "" {
		errorResponse(w, http.StatusBadRequest, "Creator nickname is required")
		return
	}

	p, err := a.store.Create(r.Context(), req.Title, nickname)
	if err != nil {
		logging.FromContext(r.Context(), a.logger).Error("creating presentation", "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to create presentation")
		return
	}

	logging.FromContext(r.Context(), a.logger).Info("presentation created", "presentation_id", p.ID)
	jsonResponse(w, http.StatusCreated, p)
}

func (a *API) GetPresentationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p, err := a.hub.Registry().CurrentSnapshot(r.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "Presentation not found")
		return
	}
	if err != nil {
		logging.FromContext(r.Context(), a.logger).Error("loading presentation", "presentation_id", id, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to load presentation")
		return
	}

	jsonResponse(w, http.StatusOK, p)
}

func (a *API) DeletePresentationHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, live := a.hub.Registry().Lookup(id); live {
		errorResponse(w, http.StatusConflict, "Presentation has connected participants")
		return
	}

	if _, err := a.store.Load(r.Context(), id); errors.Is(err, catalog.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "Presentation not found")
		return
	} else if err != nil {
		errorResponse(w, http.StatusInternalServerError, "Failed to load presentation")
		return
	}

	if err := a.store.Delete(r.Context(), id); err != nil {
		logging.FromContext(r.Context(), a.logger).Error("deleting presentation", "presentation_id", id, "error", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to delete presentation")
		return
	}

	jsonResponse(w, http.StatusOK, map[string]string{"message": "Presentation deleted"})
}
