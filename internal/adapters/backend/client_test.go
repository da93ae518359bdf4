package backend_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"replydesk/internal/adapters/backend"
	"replydesk/internal/domain"
	"replydesk/internal/session"
)

func signedIn(t *testing.T) *session.Session {
	t.Helper()
	ctx := context.Background()
	s, err := session.Open(ctx, session.NewMemoryStore())
	if err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := s.Login(ctx, "tok-123", "owner@example.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	return s
}

func newClient(t *testing.T, url string, s *session.Session) *backend.Client {
	t.Helper()
	cl, err := backend.New(url, s, 100, 2*time.Second) // high RPS for tests
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	return cl
}

func TestClient_InjectsSessionHeaders(t *testing.T) {
	var auth, email, reqID string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth, email, reqID = r.Header.Get("Authorization"), r.Header.Get("X-Google-Email"), r.Header.Get("X-Request-ID")
		_ = json.NewEncoder(w).Encode([]map[string]any{{"place_id": "p1", "name": "Cafe"}})
	}))
	defer ts.Close()

	cl := newClient(t, ts.URL, signedIn(t))
	places, err := cl.Places(context.Background())
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(places) != 1 || places[0].PlaceID != "p1" {
		t.Fatalf("unexpected places: %+v", places)
	}
	if auth != "Bearer tok-123" || email != "owner@example.com" || reqID == "" {
		t.Fatalf("headers not injected: auth=%q email=%q id=%q", auth, email, reqID)
	}
}

func TestClient_GetRetriesThenSuccess(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&hits, 1) {
		case 1, 2:
			w.WriteHeader(503)
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "processing", "progress": map[string]any{"current": 3, "total": 10}})
		}
	}))
	defer ts.Close()

	cl := newClient(t, ts.URL, signedIn(t))
	st, err := cl.TaskStatus(context.Background(), "t1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if st.Status != domain.TaskRunning || st.Progress == nil || st.Progress.Current != 3 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 calls due to retries, got %d", hits)
	}
}

func TestClient_PostIsNotRetried(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(500)
		_, _ = w.Write([]byte(`{"detail":"automation crashed"}`))
	}))
	defer ts.Close()

	cl := newClient(t, ts.URL, signedIn(t))
	_, err := cl.SubmitLoad(context.Background(), domain.LoadRequest{PlaceID: "p1", LoadCount: 50, UserID: "default"})
	var he *domain.HTTPError
	if !errors.As(err, &he) || he.Status != 500 || he.Detail != "automation crashed" {
		t.Fatalf("expected HTTPError 500 with detail, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("POST must be sent once, got %d", hits)
	}
}

func TestClient_UnauthorizedClearsSessionAndStopsCalls(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(401)
		_, _ = w.Write([]byte(`{"detail":"session expired"}`))
	}))
	defer ts.Close()

	s := signedIn(t)
	cl := newClient(t, ts.URL, s)

	_, err := cl.Accounts(context.Background())
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if s.Token() != "" {
		t.Fatalf("session should be cleared")
	}

	_, err = cl.Locations(context.Background())
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized without a session, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("no request may be sent after sign-out, got %d", hits)
	}
}

func TestClient_TransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close() // nothing listens anymore

	cl := newClient(t, url, signedIn(t))
	_, err := cl.GenerateReply(context.Background(), domain.DraftRequest{ReviewText: "good", Rating: 5})
	var te *domain.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected transport error, got %v", err)
	}
	if !domain.Retryable(err) {
		t.Fatalf("transport errors must be retryable")
	}
}

func TestClient_AISettingsDefaultsWhenMissing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/naver/places/p1/ai-settings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"settings":null}`))
	}))
	defer ts.Close()

	cl := newClient(t, ts.URL, signedIn(t))
	got, isDefault, err := cl.AISettings(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !isDefault || got != domain.DefaultAISettings() {
		t.Fatalf("expected defaults, got %+v (default=%v)", got, isDefault)
	}
}

func TestClient_HealthWorksSignedOut(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") != "" {
			t.Errorf("no credentials expected on a public call")
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer ts.Close()

	s, _ := session.Open(context.Background(), session.NewMemoryStore())
	cl := newClient(t, ts.URL, s)
	if err := cl.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if _, err := cl.Places(context.Background()); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("authenticated call should fail fast, got %v", err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("only the public call may reach the backend, hits=%d", n)
	}
}
