package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/Spatial-NVR/occupancy/internal/alerting"
	"github.com/Spatial-NVR/occupancy/internal/database"
	"github.com/Spatial-NVR/occupancy/internal/rules"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return db
}

func setupRuleTest(t *testing.T) (http.Handler, *rules.Service) {
	t.Helper()
	svc := rules.NewService(setupTestDB(t))
	return NewRuleHandler(svc).Routes(), svc
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if err := json.Unmarshal(resp.Data, v); err != nil {
		t.Fatalf("Failed to decode data %s: %v", resp.Data, err)
	}
}

func TestRuleHandler_Create(t *testing.T) {
	h, _ := setupRuleTest(t)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
	}{
		{
			name: "valid rule",
			body: map[string]interface{}{
				"device_id": "cam-1",
				"threshold": 5,
				"direction": "increasing",
				"title":     "Busy",
				"message":   "{device}: {count}",
			},
			wantStatus: http.StatusCreated,
		},
		{
			name: "legacy condition",
			body: map[string]interface{}{
				"device_id": "cam-1",
				"threshold": 0,
				"direction": "or less",
				"title":     "Empty",
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "missing fields",
			body:       map[string]interface{}{"device_id": "cam-1"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid json",
			body:       "{",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, h, http.MethodPost, "/", tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestRuleHandler_Lifecycle(t *testing.T) {
	h, svc := setupRuleTest(t)

	w := doJSON(t, h, http.MethodPost, "/", map[string]interface{}{
		"device_id": "cam-1",
		"threshold": 3,
		"direction": "up",
		"title":     "Busy",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create failed: %d %s", w.Code, w.Body.String())
	}
	var created alerting.Rule
	decodeData(t, w, &created)
	if created.ID == "" || created.Direction != alerting.Increasing {
		t.Fatalf("Unexpected created rule %+v", created)
	}

	w = doJSON(t, h, http.MethodGet, "/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Get failed: %d", w.Code)
	}

	w = doJSON(t, h, http.MethodPut, "/"+created.ID, map[string]interface{}{
		"device_id": "cam-1",
		"threshold": 8,
		"direction": "decreasing",
		"title":     "Quiet",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Update failed: %d %s", w.Code, w.Body.String())
	}
	got, err := svc.Get(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Threshold != 8 || got.Direction != alerting.Decreasing || got.Title != "Quiet" {
		t.Errorf("Update not stored: %+v", got)
	}

	w = doJSON(t, h, http.MethodGet, "/?device_id=cam-1", nil)
	var list []alerting.Rule
	decodeData(t, w, &list)
	if len(list) != 1 {
		t.Errorf("Expected 1 rule for cam-1, got %d", len(list))
	}

	w = doJSON(t, h, http.MethodGet, "/?device_id=cam-2", nil)
	list = nil
	decodeData(t, w, &list)
	if list == nil || len(list) != 0 {
		t.Errorf("Expected empty list for cam-2, got %v", list)
	}

	w = doJSON(t, h, http.MethodDelete, "/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Delete failed: %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/"+created.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after delete, got %d", w.Code)
	}
}

func TestRuleHandler_NotFound(t *testing.T) {
	h, _ := setupRuleTest(t)

	body := map[string]interface{}{"device_id": "cam-1", "threshold": 1, "direction": "up", "title": "t"}

	for _, tc := range []struct {
		method string
		body   interface{}
	}{
		{http.MethodGet, nil},
		{http.MethodPut, body},
		{http.MethodDelete, nil},
	} {
		w := doJSON(t, h, tc.method, "/missing", tc.body)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", tc.method, w.Code)
		}
	}
}
