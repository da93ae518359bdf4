package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"replydesk/internal/adapters/backend"
	httpserver "replydesk/internal/adapters/http_server"
	"replydesk/internal/app"
	"replydesk/internal/domain"
	"replydesk/internal/session"
)

// fakeBackend is a minimal stand-in for the review backend.
type fakeBackend struct {
	mu       sync.Mutex
	loads    []domain.LoadRequest
	replies  []domain.PlaceReplyRequest
	settings int
	holdLoad bool // t-load stays processing
}

func (b *fakeBackend) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/api/naver/places", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]domain.Place{{PlaceID: "p1", Name: "Cafe"}})
	})
	r.Post("/api/naver/reviews/load-async", func(w http.ResponseWriter, r *http.Request) {
		var in domain.LoadRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		b.mu.Lock()
		b.loads = append(b.loads, in)
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "t-load"})
	})
	r.Post("/api/naver/reviews/reply-async", func(w http.ResponseWriter, r *http.Request) {
		var in domain.PlaceReplyRequest
		_ = json.NewDecoder(r.Body).Decode(&in)
		b.mu.Lock()
		b.replies = append(b.replies, in)
		b.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"task_id": "t-reply"})
	})
	r.Get("/api/naver/tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		hold := b.holdLoad
		b.mu.Unlock()
		if hold && chi.URLParam(r, "id") == "t-load" {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "processing", "progress": map[string]any{"current": 1, "total": 3}})
			return
		}
		out := map[string]any{"status": "completed"}
		if chi.URLParam(r, "id") == "t-load" {
			out["result"] = map[string]any{"reviews": []map[string]any{
				{"review_id": "r1", "author": "kim", "date": "2025.01.08", "content": "good", "has_reply": true, "reply": "thanks"},
				{"review_id": "r2", "author": "lee", "date": "2025.01.07", "content": "nice"},
				{"review_id": "r3", "author": "park", "date": "2025.01.06", "content": "ok"},
			}}
		}
		_ = json.NewEncoder(w).Encode(out)
	})
	r.Put("/api/naver/places/{id}/ai-settings", func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.settings++
		b.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func (b *fakeBackend) Loads() []domain.LoadRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.LoadRequest(nil), b.loads...)
}

type harness struct {
	t       *testing.T
	api     *httptest.Server
	backend *fakeBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fb := &fakeBackend{}
	upstream := httptest.NewServer(fb.routes())
	t.Cleanup(upstream.Close)

	sess, err := session.Open(context.Background(), session.NewMemoryStore())
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	cl, err := backend.New(upstream.URL, sess, 100, 2*time.Second)
	if err != nil {
		t.Fatalf("client: %v", err)
	}

	poller := app.NewPoller(cl, app.PollerConfig{Interval: time.Millisecond, MaxFailures: 3})
	store := app.NewReviewStore(cl, cl, poller, nil, sess.ActiveUser, app.StoreConfig{})
	desk := app.NewReplyDesk(store, cl, cl, cl, poller, sess.ActiveUser, app.ReplyConfig{RefreshDelay: time.Hour})
	sess.OnChange(func(session.Change) {
		store.InvalidateAll(context.Background())
		desk.Reset()
	})
	t.Cleanup(func() {
		store.Close()
		poller.Close()
	})

	srv := httpserver.New(httpserver.Options{Timeout: 5 * time.Second})
	srv.MountHandlers(&httpserver.Handlers{
		Session:  sess,
		Catalog:  app.NewCatalog(cl, cl, nil, time.Minute, sess.ActiveUser),
		Store:    store,
		Desk:     desk,
		Settings: app.NewSettingsService(cl, nil, time.Minute),
	})
	api := httptest.NewServer(srv.Mux())
	t.Cleanup(api.Close)
	return &harness{t: t, api: api, backend: fb}
}

func (h *harness) do(method, path string, body any, hdr ...string) (*http.Response, []byte) {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, h.api.URL+path, rd)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer res.Body.Close()
	out, _ := io.ReadAll(res.Body)
	return res, out
}

func (h *harness) login() {
	h.t.Helper()
	res, body := h.do("POST", "/v1/session", map[string]string{"access_token": "tok", "google_email": "owner@example.com"})
	if res.StatusCode != http.StatusNoContent {
		h.t.Fatalf("login: %d %s", res.StatusCode, body)
	}
}

func (h *harness) loadPlace() {
	h.t.Helper()
	res, body := h.do("POST", "/v1/places/p1/load", map[string]any{"load_count": "all"})
	if res.StatusCode != http.StatusAccepted {
		h.t.Fatalf("load: %d %s", res.StatusCode, body)
	}
	var acc struct {
		TaskID          string `json:"task_id"`
		EstimateSeconds int    `json:"estimate_seconds"`
	}
	_ = json.Unmarshal(body, &acc)
	if acc.TaskID != "t-load" || acc.EstimateSeconds != 240 {
		h.t.Fatalf("unexpected accept body: %s", body)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if res, _ := h.do("GET", "/v1/places/p1/reviews", nil); res.StatusCode == http.StatusOK {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("reviews never became available")
}

func TestAPI_RequiresSession(t *testing.T) {
	h := newHarness(t)
	res, body := h.do("GET", "/v1/places", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d %s", res.StatusCode, body)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type: %s", ct)
	}
}

func TestAPI_LoginValidation(t *testing.T) {
	h := newHarness(t)
	res, _ := h.do("POST", "/v1/session", map[string]string{"access_token": "tok", "google_email": "not-an-email"})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", res.StatusCode)
	}
}

func TestAPI_LoadFilterAndReply(t *testing.T) {
	h := newHarness(t)
	h.login()

	if res, _ := h.do("GET", "/v1/places/p1/reviews", nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any load, got %d", res.StatusCode)
	}
	h.loadPlace()
	if got := h.backend.Loads(); len(got) != 1 || got[0].LoadCount != 9999 || got[0].UserID != "default" {
		t.Fatalf("unexpected load request: %+v", got)
	}

	res, body := h.do("GET", "/v1/places/p1/reviews?filter=unreplied", nil)
	var page app.Page
	_ = json.Unmarshal(body, &page)
	if res.StatusCode != http.StatusOK || len(page.Items) != 2 || page.Counts.All != 3 || page.Counts.Replied != 1 {
		t.Fatalf("unexpected page: %d %s", res.StatusCode, body)
	}

	etag := res.Header.Get("ETag")
	if res, _ := h.do("GET", "/v1/places/p1/reviews", nil, "If-None-Match", etag); res.StatusCode != http.StatusNotModified {
		t.Fatalf("expected 304 for unchanged view, got %d", res.StatusCode)
	}

	if res, _ := h.do("POST", "/v1/places/p1/reviews/r2/reply", map[string]string{"text": "  "}); res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty reply should be 422, got %d", res.StatusCode)
	}
	res, body = h.do("POST", "/v1/places/p1/reviews/r2/reply", map[string]string{"text": "thank you"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("reply: %d %s", res.StatusCode, body)
	}

	deadline := time.Now().Add(2 * time.Second)
	var st app.FlowStatus
	for time.Now().Before(deadline) {
		_, body = h.do("GET", "/v1/places/p1/reviews/r2/reply", nil)
		_ = json.Unmarshal(body, &st)
		if st.State == app.ReplyPosted {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st.State != app.ReplyPosted {
		t.Fatalf("reply never posted: %+v", st)
	}

	_, body = h.do("GET", "/v1/places/p1/reviews?filter=unreplied", nil)
	_ = json.Unmarshal(body, &page)
	if len(page.Items) != 1 || page.Items[0].ID != "r3" {
		t.Fatalf("replied review should leave the unreplied view: %s", body)
	}
}

func TestAPI_InvalidSettingsNeverReachBackend(t *testing.T) {
	h := newHarness(t)
	h.login()

	s := domain.DefaultAISettings()
	s.ReplyLengthMin, s.ReplyLengthMax = 400, 100
	res, body := h.do("PUT", "/v1/places/p1/ai-settings", s)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, body)
	}
	if h.backend.settings != 0 {
		t.Fatalf("invalid settings must not be sent")
	}

	if res, _ := h.do("PUT", "/v1/places/p1/ai-settings", domain.DefaultAISettings()); res.StatusCode != http.StatusNoContent {
		t.Fatalf("valid settings: %d", res.StatusCode)
	}
}

func TestAPI_LogoutInvalidatesEverything(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.loadPlace()

	if res, _ := h.do("DELETE", "/v1/session", nil); res.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: %d", res.StatusCode)
	}
	if res, _ := h.do("GET", "/v1/places/p1/reviews", nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("sets must be dropped on logout, got %d", res.StatusCode)
	}
	if res, _ := h.do("POST", "/v1/places/p1/load", nil); res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("load without session should be 401, got %d", res.StatusCode)
	}
}

func TestAPI_BadLoadCount(t *testing.T) {
	h := newHarness(t)
	h.login()
	res, body := h.do("POST", "/v1/places/p1/load", map[string]any{"load_count": 7})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, body)
	}
}

func TestAPI_SessionAnswersAreNotCached(t *testing.T) {
	h := newHarness(t)
	res, body := h.do("GET", "/v1/session", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("session: %d %s", res.StatusCode, body)
	}
	if cc := res.Header.Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("cache-control: %q", cc)
	}
	if res, _ := h.do("GET", "/healthz", nil); res.Header.Get("Cache-Control") != "" {
		t.Fatalf("no-store should be limited to session routes")
	}
	if res, _ := h.do("GET", "/readyz", nil); res.StatusCode != http.StatusOK {
		t.Fatalf("readyz without checks: %d", res.StatusCode)
	}
}

func TestAPI_CancelLoadFreesThePlace(t *testing.T) {
	h := newHarness(t)
	h.login()
	h.backend.mu.Lock()
	h.backend.holdLoad = true
	h.backend.mu.Unlock()

	if res, _ := h.do("DELETE", "/v1/places/p1/load", nil); res.StatusCode != http.StatusNotFound {
		t.Fatalf("nothing to cancel yet, got %d", res.StatusCode)
	}
	if res, body := h.do("POST", "/v1/places/p1/load", nil); res.StatusCode != http.StatusAccepted {
		t.Fatalf("load: %d %s", res.StatusCode, body)
	}
	if res, _ := h.do("POST", "/v1/places/p1/load", nil); res.StatusCode != http.StatusConflict {
		t.Fatalf("second load while watching should be 409, got %d", res.StatusCode)
	}
	if res, _ := h.do("DELETE", "/v1/places/p1/load", nil); res.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel: %d", res.StatusCode)
	}

	_, body := h.do("GET", "/v1/places/p1/load", nil)
	var lv struct {
		Active bool   `json:"active"`
		Error  string `json:"error"`
	}
	_ = json.Unmarshal(body, &lv)
	if lv.Active || lv.Error != "" {
		t.Fatalf("canceled load should be neither active nor failed: %s", body)
	}
	if res, body := h.do("POST", "/v1/places/p1/load", nil); res.StatusCode != http.StatusAccepted {
		t.Fatalf("place should be free after cancel: %d %s", res.StatusCode, body)
	}
	if n := len(h.backend.Loads()); n != 2 {
		t.Fatalf("expected 2 backend loads, got %d", n)
	}
}
