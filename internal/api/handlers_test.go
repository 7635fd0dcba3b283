package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/manpreetbhatti/deckroom/internal/db"
	"github.com/manpreetbhatti/deckroom/internal/metrics"
	"github.com/manpreetbhatti/deckroom/internal/model"
	"github.com/manpreetbhatti/deckroom/internal/protocol"
	"github.com/manpreetbhatti/deckroom/internal/room"
	"github.com/manpreetbhatti/deckroom/internal/ws"
)

type nopSink struct{}

func (nopSink) Deliver(protocol.Event) bool { return true }
func (nopSink) Close()                      {}

func setupTestAPI(t *testing.T) (*API, *db.Database, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "deckroom-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	collector := metrics.NewCollector()
	rec := collector.Recorder()
	registry := room.NewRegistry(database, room.Options{Metrics: rec})
	hub := ws.NewHub(registry, ws.DefaultConfig(), nil, rec)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	api := New(hub, database, collector, nil)

	cleanup := func() {
		registry.Shutdown(context.Background())
		cancel()
		collector.Shutdown(context.Background())
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return api, database, cleanup
}

func serve(api *API, method, target string, body []byte) *httptest.ResponseRecorder {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	api.Router().ServeHTTP(w, req)
	return w
}

func createPresentation(t *testing.T, database *db.Database, title string) model.Presentation {
	t.Helper()
	p, err := database.Create(context.Background(), title, "alice")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return p
}

func TestHealthHandler(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	w := serve(api, "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS headers on every response")
	}
}

func TestStatsHandler(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	createPresentation(t, database, "Roadmap")

	w := serve(api, "GET", "/api/stats", nil)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	for _, key := range []string{"active_rooms", "active_clients", "total_presentations"} {
		if _, ok := response[key]; !ok {
			t.Errorf("Response should contain '%s'", key)
		}
	}
	if response["total_presentations"] != float64(1) {
		t.Errorf("Expected 1 presentation, got %v", response["total_presentations"])
	}
}

func TestStatsReportOperationCounters(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	p := createPresentation(t, database, "Counted")
	r, res, err := api.hub.Registry().Join(context.Background(), p.ID, room.JoinParams{Nickname: "alice", Sink: nopSink{}})
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := r.Apply(context.Background(), protocol.Operation{Kind: protocol.OpAddSlide, Slide: &model.Slide{Title: "Counted"}}, res.Participant.ID); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	r.Apply(context.Background(), protocol.Operation{Kind: protocol.OpRemoveSlide, SlideID: "missing"}, res.Participant.ID)

	w := serve(api, "GET", "/api/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response struct {
		Metrics map[string]int64 `json:"metrics"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Metrics["deckroom.rooms.active"] != 1 {
		t.Errorf("Expected 1 active room, got %d", response.Metrics["deckroom.rooms.active"])
	}
	if response.Metrics["deckroom.operations.applied"] < 2 {
		t.Errorf("Expected the join and the added slide to be counted, got %d", response.Metrics["deckroom.operations.applied"])
	}
	if response.Metrics["deckroom.operations.rejected"] != 1 {
		t.Errorf("Expected 1 rejected operation, got %d", response.Metrics["deckroom.operations.rejected"])
	}
}

func TestCreatePresentation(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	tests := []struct {
		name           string
		body           string
		expectedStatus int
	}{
		{
			name:           "Create with title and nickname",
			body:           `{"title":"Quarterly review","creatorNickname":"alice"}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Create with only nickname",
			body:           `{"creatorNickname":"bob"}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "Missing nickname should fail",
			body:           `{"title":"Nobody's deck"}`,
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "Malformed body should fail",
			body:           `{"title":`,
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(api, "POST", "/api/presentations", []byte(tt.body))

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}
}

func TestCreatedPresentationShape(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	w := serve(api, "POST", "/api/presentations", []byte(`{"title":"Offsite","creatorNickname":"carol"}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", w.Code)
	}

	var p model.Presentation
	if err := json.NewDecoder(w.Body).Decode(&p); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if p.ID == "" || p.Title != "Offsite" {
		t.Errorf("Unexpected presentation %+v", p)
	}
	if len(p.Slides) != 1 {
		t.Errorf("Expected one initial slide, got %d", len(p.Slides))
	}
	if len(p.Participants) != 1 || p.Participants[0].Role != model.RoleOwner || p.Participants[0].ID != p.CreatorID {
		t.Errorf("Expected the creator registered as owner, got %+v", p.Participants)
	}
}

func TestGetPresentation(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	p := createPresentation(t, database, "Get test")

	w := serve(api, "GET", "/api/presentations/"+p.ID, nil)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response model.Presentation
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.ID != p.ID {
		t.Errorf("Expected presentation ID '%s', got '%s'", p.ID, response.ID)
	}
}

func TestGetPresentationReturnsLiveState(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	p := createPresentation(t, database, "Live")
	r, res, err := api.hub.Registry().Join(context.Background(), p.ID, room.JoinParams{Nickname: "alice", Sink: nopSink{}})
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := r.Apply(context.Background(), protocol.Operation{Kind: protocol.OpAddSlide, Slide: &model.Slide{Title: "Unsaved"}}, res.Participant.ID); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	w := serve(api, "GET", "/api/presentations/"+p.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var response model.Presentation
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response.Slides) != 2 {
		t.Errorf("Expected the live room's 2 slides, got %d", len(response.Slides))
	}
	if response.Participants[0].State != model.Online {
		t.Error("Expected the connected creator to be online")
	}
}

func TestGetPresentationNotFound(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	w := serve(api, "GET", "/api/presentations/non-existent", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListPresentations(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 5; i++ {
		createPresentation(t, database, "Deck "+string(rune('A'+i)))
	}

	w := serve(api, "GET", "/api/presentations", nil)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	presentations, ok := response["presentations"].([]any)
	if !ok {
		t.Fatal("Response should contain 'presentations' array")
	}
	if len(presentations) != 5 {
		t.Errorf("Expected 5 presentations, got %d", len(presentations))
	}
	if response["limit"] != float64(20) {
		t.Errorf("Expected default limit 20, got %v", response["limit"])
	}
}

func TestListPresentationsPagination(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	for i := 0; i < 10; i++ {
		createPresentation(t, database, "Page "+string(rune('A'+i)))
	}

	w := serve(api, "GET", "/api/presentations?limit=3&offset=2", nil)

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	presentations := response["presentations"].([]any)
	if len(presentations) != 3 {
		t.Errorf("Expected 3 presentations with limit=3, got %d", len(presentations))
	}
	if response["offset"] != float64(2) {
		t.Errorf("Expected offset 2, got %v", response["offset"])
	}
}

func TestDeletePresentation(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	p := createPresentation(t, database, "Delete me")

	w := serve(api, "DELETE", "/api/presentations/"+p.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	w = serve(api, "GET", "/api/presentations/"+p.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected presentation to be deleted, got status %d", w.Code)
	}

	w = serve(api, "DELETE", "/api/presentations/"+p.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for a second delete, got %d", w.Code)
	}
}

func TestDeleteLivePresentationConflicts(t *testing.T) {
	api, database, cleanup := setupTestAPI(t)
	defer cleanup()

	p := createPresentation(t, database, "In use")
	if _, _, err := api.hub.Registry().Join(context.Background(), p.ID, room.JoinParams{Nickname: "alice", Sink: nopSink{}}); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	w := serve(api, "DELETE", "/api/presentations/"+p.ID, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status 409, got %d", w.Code)
	}
	if _, err := database.Load(context.Background(), p.ID); err != nil {
		t.Errorf("Expected the presentation to survive, got %v", err)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	w := serve(api, "PUT", "/api/presentations", []byte(`{}`))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestPreflight(t *testing.T) {
	api, _, cleanup := setupTestAPI(t)
	defer cleanup()

	w := serve(api, "OPTIONS", "/api/presentations", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Expected CORS methods on preflight")
	}
}
