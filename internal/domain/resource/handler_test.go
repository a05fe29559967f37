package resource

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ehr/fhirsub/internal/platform/auth"
	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Store, *eventLog, *echo.Echo) {
	s, log := newTestStore()
	e := echo.New()
	NewHandler(s).RegisterRoutes(e.Group("/fhir", auth.DevAuthMiddleware()))
	return s, log, e
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, "application/fhir+json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndReadResource(t *testing.T) {
	_, log, e := newTestHandler()

	rec := doRequest(e, http.MethodPost, "/fhir/Observation", string(observation("final")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	id := resourceID(t, rec.Body.Bytes())
	if loc := rec.Header().Get("Location"); loc != "/fhir/Observation/"+id {
		t.Errorf("unexpected Location %q", loc)
	}
	if len(log.all()) != 1 {
		t.Error("expected create event")
	}

	rec = doRequest(e, http.MethodGet, "/fhir/Observation/"+id, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := resourceID(t, rec.Body.Bytes()); got != id {
		t.Errorf("expected %s, got %s", id, got)
	}
}

func TestResourceErrors(t *testing.T) {
	_, _, e := newTestHandler()

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown type", http.MethodPost, "/fhir/Widget", `{"resourceType":"Widget"}`, http.StatusNotFound},
		{"type mismatch", http.MethodPost, "/fhir/Observation", `{"resourceType":"Patient"}`, http.StatusBadRequest},
		{"missing", http.MethodGet, "/fhir/Observation/missing", "", http.StatusNotFound},
		{"delete missing", http.MethodDelete, "/fhir/Observation/missing", "", http.StatusNotFound},
		{"bad search", http.MethodGet, "/fhir/Observation?status=", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(e, tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
			var outcome map[string]interface{}
			json.Unmarshal(rec.Body.Bytes(), &outcome)
			if outcome["resourceType"] != "OperationOutcome" {
				t.Errorf("expected OperationOutcome, got %v", outcome["resourceType"])
			}
		})
	}
}

func TestUpdateAndDeleteResource(t *testing.T) {
	_, log, e := newTestHandler()

	rec := doRequest(e, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","id":"p1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 for upsert, got %d", rec.Code)
	}
	rec = doRequest(e, http.MethodPut, "/fhir/Patient/p1", `{"resourceType":"Patient","active":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doRequest(e, http.MethodDelete, "/fhir/Patient/p1", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if n := len(log.all()); n != 3 {
		t.Errorf("expected 3 events, got %d", n)
	}
}

func TestSearchResources(t *testing.T) {
	_, _, e := newTestHandler()
	doRequest(e, http.MethodPost, "/fhir/Observation", string(observation("final")))
	doRequest(e, http.MethodPost, "/fhir/Observation", string(observation("preliminary")))

	rec := doRequest(e, http.MethodGet, "/fhir/Observation?status=final", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var bundle map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &bundle); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if bundle["type"] != "searchset" {
		t.Errorf("expected searchset, got %v", bundle["type"])
	}
	if total := bundle["total"].(float64); total != 1 {
		t.Errorf("expected 1 match, got %v", total)
	}
	entries := bundle["entry"].([]interface{})
	resource := entries[0].(map[string]interface{})["resource"].(map[string]interface{})
	if resource["status"] != "final" {
		t.Errorf("unexpected entry %v", resource)
	}
}
