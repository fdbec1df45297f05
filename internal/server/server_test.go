package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/postpipe/internal/database"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T, db *database.DB) *Server {
	t.Helper()
	srv, err := New(db, 45*time.Minute)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func addItem(t *testing.T, db *database.DB, id, title string) int64 {
	t.Helper()
	res, err := db.UpsertItem(context.Background(), database.Candidate{
		SourceID: id, Community: "dating_advice", Title: title, CreatedUTC: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return res.ItemID
}

func TestIndexRoute(t *testing.T) {
	db := openTestDB(t)
	addItem(t, db, "t3_a", "How soon to text after a date?")
	srv := newTestServer(t, db)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Pipeline status") {
		t.Error("expected 'Pipeline status' in response body")
	}
	if !strings.Contains(body, "<strong>Idle.</strong>") {
		t.Error("expected rendered markdown health summary")
	}
	if !strings.Contains(body, "How soon to text after a date?") {
		t.Error("expected the item title in response body")
	}
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := newTestServer(t, openTestDB(t))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/briefing/2026-02-06", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestThemesRoute(t *testing.T) {
	db := openTestDB(t)
	id := addItem(t, db, "t3_a", "A")
	if _, err := db.SaveTheme(context.Background(), database.Theme{Text: "Texting anxiety", ScoreAgg: 7}, []int64{id}); err != nil {
		t.Fatalf("save theme: %v", err)
	}
	srv := newTestServer(t, db)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/themes", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Texting anxiety") {
		t.Error("expected theme text in response")
	}
}

func TestAPIStatus(t *testing.T) {
	db := openTestDB(t)
	addItem(t, db, "t3_a", "A")
	if err := db.MarkStarted(context.Background(), database.Owner{ID: "x", PID: 77}); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, db)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.IsRunning || got.PID != 77 || got.LastStart == nil {
		t.Errorf("unexpected status %+v", got)
	}
	if got.LastCompletion != nil {
		t.Error("expected null last_completion")
	}
	if got.Pending["score"] != 1 {
		t.Errorf("expected 1 pending score, got %d", got.Pending["score"])
	}
}

func TestSetStatusForm(t *testing.T) {
	db := openTestDB(t)
	id := addItem(t, db, "t3_a", "A")
	srv := newTestServer(t, db)

	form := url.Values{"status": {"selected"}}
	req := httptest.NewRequest("POST", fmt.Sprintf("/items/%d/status", id), strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", rec.Code)
	}
	it, _ := db.GetItem(context.Background(), id)
	if it.Status != "selected" {
		t.Errorf("expected status 'selected', got %q", it.Status)
	}
}

func TestSetStatusJSON(t *testing.T) {
	db := openTestDB(t)
	id := addItem(t, db, "t3_a", "A")
	srv := newTestServer(t, db)

	cases := []struct {
		path string
		body string
		code int
	}{
		{fmt.Sprintf("/items/%d/status", id), `{"status":"sent"}`, http.StatusNoContent},
		{fmt.Sprintf("/items/%d/status", id), `{"status":"not a token"}`, http.StatusBadRequest},
		{"/items/9999/status", `{"status":"sent"}`, http.StatusNotFound},
		{"/items/abc/status", `{"status":"sent"}`, http.StatusBadRequest},
		{fmt.Sprintf("/items/%d/status", id), `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest("POST", tc.path, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != tc.code {
			t.Errorf("%s %s: expected %d, got %d", tc.path, tc.body, tc.code, rec.Code)
		}
	}

	it, _ := db.GetItem(context.Background(), id)
	if it.Status != "sent" {
		t.Errorf("expected status 'sent', got %q", it.Status)
	}
}

func TestSetStatusRequiresPost(t *testing.T) {
	srv := newTestServer(t, openTestDB(t))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/items/1/status", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}

func TestHealthSummary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	idle := healthSummary(database.RunState{}, now, 45*time.Minute)
	if !strings.Contains(idle, "**Idle.**") || !strings.Contains(idle, "No run has completed yet") {
		t.Errorf("unexpected idle summary: %q", idle)
	}

	running := healthSummary(database.RunState{IsRunning: true, LastStart: now.Add(-10 * time.Minute), PID: 9}, now, 45*time.Minute)
	if !strings.Contains(running, "**Running.**") || !strings.Contains(running, "pid 9") {
		t.Errorf("unexpected running summary: %q", running)
	}

	stale := healthSummary(database.RunState{IsRunning: true, LastStart: now.Add(-2 * time.Hour)}, now, 45*time.Minute)
	if !strings.Contains(stale, "possibly stale") {
		t.Errorf("unexpected stale summary: %q", stale)
	}

	failed := healthSummary(database.RunState{
		LastCompletion: now.Add(-48 * time.Hour),
		LastFailure:    now.Add(-time.Hour),
		LastError:      "stage score: llm provider unavailable",
	}, now, 45*time.Minute)
	if !strings.Contains(failed, "Last failure") || !strings.Contains(failed, "llm provider unavailable") {
		t.Errorf("unexpected failure summary: %q", failed)
	}
}
