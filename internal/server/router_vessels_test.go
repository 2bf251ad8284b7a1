package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/tidewatch/internal/enrichment"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/tracking"
)

func floatPointer(value float64) *float64 {
	return &value
}

func seedVessel(t *testing.T, env testEnvironment, stationID, sourceID string, lat, lon float64, seenAt time.Time) {
	t.Helper()
	vessel := tracking.Vessel{
		StationID:     stationID,
		Name:          "NORDIC SWAN",
		Country:       tracking.CountryForStation(stationID),
		LastSeen:      seenAt,
		LastLat:       floatPointer(lat),
		LastLon:       floatPointer(lon),
		PositionCount: 2,
	}
	if err := env.db.Create(&vessel).Error; err != nil {
		t.Fatalf("seed vessel: %v", err)
	}
	attribution := tracking.VesselSource{StationID: stationID, SourceID: sourceID, LastSeen: seenAt}
	if err := env.db.Create(&attribution).Error; err != nil {
		t.Fatalf("seed attribution: %v", err)
	}
	for index := 0; index < 2; index++ {
		position := tracking.Position{
			StationID:     stationID,
			Timestamp:     seenAt.Add(time.Duration(index-1) * time.Minute),
			OriginalLat:   floatPointer(lat),
			OriginalLon:   floatPointer(lon),
			DisplayLat:    floatPointer(lat),
			DisplayLon:    floatPointer(lon),
			PositionValid: true,
			SourceID:      sourceID,
		}
		if err := env.db.Create(&position).Error; err != nil {
			t.Fatalf("seed position: %v", err)
		}
	}
}

func TestVesselRoutes(t *testing.T) {
	env := newTestEnvironment(t, nil)
	now := time.Now().UTC()
	seedVessel(t, env, "257123450", "source-01", 59.91, 10.75, now)

	recorder := env.do(t, http.MethodGet, "/api/vessels/257123450", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("vessel: %d %s", recorder.Code, recorder.Body.String())
	}
	var view tracking.VesselView
	decodeBody(t, recorder, &view)
	if view.StationID != "257123450" || len(view.SourceIDs) != 1 || view.SourceIDs[0] != "source-01" {
		t.Fatalf("unexpected vessel view %+v", view)
	}

	if recorder = env.do(t, http.MethodGet, "/api/vessels/999999999", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown station, got %d", recorder.Code)
	}

	recorder = env.do(t, http.MethodGet, "/api/vessels/257123450/track?limit=10", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("track: %d %s", recorder.Code, recorder.Body.String())
	}
	var track struct {
		Track []tracking.Position `json:"track"`
		Count int                 `json:"count"`
	}
	decodeBody(t, recorder, &track)
	if track.Count != 2 || !track.Track[0].Timestamp.Before(track.Track[1].Timestamp) {
		t.Fatalf("expected two points oldest first, got %+v", track.Track)
	}

	recorder = env.do(t, http.MethodGet, "/api/vessels/active?hours_back=1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("active: %d %s", recorder.Code, recorder.Body.String())
	}
	var active tracking.ActiveResult
	decodeBody(t, recorder, &active)
	if active.Count != 1 || active.Vessels[0].StationID != "257123450" {
		t.Fatalf("unexpected active result %+v", active)
	}

	recorder = env.do(t, http.MethodGet, "/api/vessels?name=swan", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("search: %d %s", recorder.Code, recorder.Body.String())
	}
	var search struct {
		Count int `json:"count"`
	}
	decodeBody(t, recorder, &search)
	if search.Count != 1 {
		t.Fatalf("expected one search hit, got %d", search.Count)
	}

	recorder = env.do(t, http.MethodGet, "/api/positions/recent?limit=1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("recent: %d", recorder.Code)
	}
	var recent struct {
		Count int `json:"count"`
	}
	decodeBody(t, recorder, &recent)
	if recent.Count != 1 {
		t.Fatalf("expected limit to apply, got %d", recent.Count)
	}
}

func TestVesselRoutesRejectMalformedQueries(t *testing.T) {
	env := newTestEnvironment(t, nil)
	for _, path := range []string{
		"/api/vessels/active?limit=many",
		"/api/vessels/active?include_non_vessels=perhaps",
		"/api/vessels?ship_type=tanker",
		"/api/vessels?since=yesterday",
		"/api/messages/text?limit=-x",
	} {
		if recorder := env.do(t, http.MethodGet, path, nil); recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, recorder.Code)
		}
	}
}

type stubHistory struct {
	locations []enrichment.Location
	err       error
}

func (s stubHistory) History(_ context.Context, _ string, limit int) ([]enrichment.Location, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.locations) {
		return s.locations[:limit], nil
	}
	return s.locations, nil
}

func TestHistoryRoute(t *testing.T) {
	disabled := newTestEnvironment(t, nil)
	if recorder := disabled.do(t, http.MethodGet, "/api/vessels/257123450/history", nil); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without enrichment, got %d", recorder.Code)
	}

	env := newTestEnvironment(t, func(deps *Dependencies) {
		deps.History = stubHistory{locations: []enrichment.Location{{Lat: 59.9, Lon: 10.7}, {Lat: 59.8, Lon: 10.6}}}
	})
	recorder := env.do(t, http.MethodGet, "/api/vessels/257123450/history?limit=1", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("history: %d %s", recorder.Code, recorder.Body.String())
	}
	var body struct {
		Count int `json:"count"`
	}
	decodeBody(t, recorder, &body)
	if body.Count != 1 {
		t.Fatalf("expected one fix, got %d", body.Count)
	}

	missing := newTestEnvironment(t, func(deps *Dependencies) {
		deps.History = stubHistory{err: enrichment.ErrNotFound}
	})
	if recorder := missing.do(t, http.MethodGet, "/api/vessels/257123450/history", nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown profile, got %d", recorder.Code)
	}
}

func TestStatusAndClear(t *testing.T) {
	env := newTestEnvironment(t, func(deps *Dependencies) {
		deps.Enrichment = pendingStub(3)
	})
	if recorder := env.do(t, http.MethodPost, "/api/sources", map[string]any{"transport": "tcp", "endpoint": "10.1.1.1:5000"}); recorder.Code != http.StatusCreated {
		t.Fatalf("register: %d", recorder.Code)
	}
	seedVessel(t, env, "257123450", "source-01", 59.91, 10.75, time.Now().UTC())

	recorder := env.do(t, http.MethodGet, "/api/status", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status: %d %s", recorder.Code, recorder.Body.String())
	}
	var status statusResponse
	decodeBody(t, recorder, &status)
	if status.Database.Vessels != 1 || status.Database.Positions != 2 || status.ActiveSources != 1 || status.EnrichmentPending != 3 {
		t.Fatalf("unexpected status %+v", status)
	}

	if recorder = env.do(t, http.MethodPost, "/api/database/clear", nil); recorder.Code != http.StatusOK {
		t.Fatalf("clear: %d %s", recorder.Code, recorder.Body.String())
	}
	after, err := env.tracking.Status(t.Context())
	if err != nil {
		t.Fatalf("status after clear: %v", err)
	}
	if after.Vessels != 0 || after.Positions != 0 {
		t.Fatalf("expected empty datastore, got %+v", after)
	}
	listed, err := env.registry.List(t.Context())
	if err != nil || len(listed) != 1 {
		t.Fatalf("expected sources kept, got %d (%v)", len(listed), err)
	}
}

type pendingStub int

func (p pendingStub) Pending() int {
	return int(p)
}
