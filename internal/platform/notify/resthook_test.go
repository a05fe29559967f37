package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/fhirsub/internal/platform/fhir"
)

type capturedRequest struct {
	method string
	header http.Header
	body   []byte
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		last capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		last = capturedRequest{method: r.Method, header: r.Header.Clone(), body: body}
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return last
	}
}

func restHookSub(endpoint, payload string) SubscriptionInfo {
	s := websocketSub("Observation?status=final")
	s.ChannelType = ChannelRestHook
	s.ChannelEndpoint = endpoint
	s.ChannelPayload = payload
	return s
}

func TestRestHook_DeliverBundle(t *testing.T) {
	srv, last := captureServer(t, http.StatusOK)
	sub := restHookSub(srv.URL, "application/fhir+json")
	sub.ChannelHeaders = []string{"Authorization: Bearer abc", "malformed"}

	n := Notification{
		SubscriptionID: sub.FHIRID,
		EventNumber:    1,
		ResourceType:   "Observation",
		ResourceID:     "o1",
		Action:         fhir.ActionCreate,
		Timestamp:      time.Now(),
	}
	if err := NewRestHookClient(time.Second).Deliver(context.Background(), sub, n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := last()
	if req.method != http.MethodPost {
		t.Errorf("expected POST, got %s", req.method)
	}
	if req.header.Get("Content-Type") != "application/fhir+json" {
		t.Errorf("unexpected content type %q", req.header.Get("Content-Type"))
	}
	if req.header.Get("Authorization") != "Bearer abc" {
		t.Errorf("expected custom header, got %q", req.header.Get("Authorization"))
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(req.body, &bundle); err != nil {
		t.Fatalf("body is not a bundle: %v", err)
	}
	if bundle.Type != "history" || len(bundle.Entry) != 1 {
		t.Fatalf("unexpected bundle: %s", req.body)
	}
	if bundle.Entry[0].FullURL != "Observation/o1" {
		t.Errorf("expected focus reference, got %q", bundle.Entry[0].FullURL)
	}
	if len(bundle.Entry[0].Resource) != 0 {
		t.Error("expected no resource body in notification")
	}
}

func TestRestHook_EmptyPayloadSendsNoBody(t *testing.T) {
	srv, last := captureServer(t, http.StatusNoContent)
	sub := restHookSub(srv.URL, "")

	n := Notification{ResourceType: "Observation", ResourceID: "o1", Action: fhir.ActionUpdate}
	if err := NewRestHookClient(time.Second).Deliver(context.Background(), sub, n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(last().body) != 0 {
		t.Errorf("expected empty body, got %q", last().body)
	}
}

func TestRestHook_Non2xxFails(t *testing.T) {
	srv, _ := captureServer(t, http.StatusInternalServerError)
	sub := restHookSub(srv.URL, "application/fhir+json")

	err := NewRestHookClient(time.Second).Deliver(context.Background(), sub, Notification{ResourceType: "Observation", ResourceID: "o1"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
}

func TestRestHook_UnreachableFails(t *testing.T) {
	srv, _ := captureServer(t, http.StatusOK)
	url := srv.URL
	srv.Close()

	err := NewRestHookClient(time.Second).Deliver(context.Background(), restHookSub(url, "application/json"), Notification{})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
}

func TestRestHook_Handshake(t *testing.T) {
	srv, last := captureServer(t, http.StatusOK)
	if err := NewRestHookClient(time.Second).Handshake(context.Background(), srv.URL, []string{"X-Token: t"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := last()
	if string(req.body) != "{}" {
		t.Errorf("expected empty object body, got %q", req.body)
	}
	if req.header.Get("X-Token") != "t" {
		t.Errorf("expected header to be forwarded")
	}
}

func TestRestHook_HandshakeRejected(t *testing.T) {
	srv, _ := captureServer(t, http.StatusForbidden)
	if err := NewRestHookClient(time.Second).Handshake(context.Background(), srv.URL, nil); err == nil {
		t.Fatal("expected handshake to fail on 403")
	}
}

func TestRestHook_RedirectNotFollowed(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()
	redirect := httptest.NewServer(http.RedirectHandler(target.URL, http.StatusTemporaryRedirect))
	defer redirect.Close()

	client := NewRestHookClient(time.Second)
	err := client.Deliver(context.Background(), restHookSub(redirect.URL, "application/fhir+json"), Notification{ResourceType: "Observation", ResourceID: "1"})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed for a redirect, got %v", err)
	}
	if err := client.Handshake(context.Background(), redirect.URL, nil); err == nil {
		t.Fatal("expected handshake to fail on a redirect")
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("redirect target must not be contacted, got %d requests", n)
	}
}
