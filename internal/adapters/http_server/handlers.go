package httpserver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"replydesk/internal/app"
	"replydesk/internal/domain"
	"replydesk/internal/session"
)

type Handlers struct {
	// Ready checks the dependencies; nil means always ready.
	Ready    func(ctx context.Context) error
	Session  *session.Session
	Catalog  *app.Catalog
	Store    *app.ReviewStore
	Desk     *app.ReplyDesk
	Settings *app.SettingsService
}

type problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
	Code   string `json:"code,omitempty"`
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) })
	s.mux.Get("/readyz", h.ready)

	s.mux.Route("/v1", func(r chi.Router) {
		r.With(NoStore).Get("/session", h.getSession)
		r.With(NoStore).Post("/session", h.login)
		r.With(NoStore).Delete("/session", h.logout)
		r.With(NoStore).Put("/session/account", h.switchAccount)

		r.Get("/accounts", h.listAccounts)
		r.Get("/locations", h.listLocations)
		r.Post("/locations/reviews", h.loadProfile)
		r.Get("/places", h.listPlaces)
		r.Get("/places/status", h.placeStatus)

		r.Route("/places/{placeID}", func(r chi.Router) {
			r.Post("/load", h.startLoad)
			r.Get("/load", h.loadStatus)
			r.Delete("/load", h.cancelLoad)
			r.Get("/reviews", h.listReviews)
			r.Post("/invalidate", h.invalidate)
			r.Get("/ai-settings", h.getSettings)
			r.Put("/ai-settings", h.putSettings)

			r.Post("/reviews/{reviewID}/draft", h.draft)
			r.Post("/reviews/{reviewID}/reply", h.postReply)
			r.Get("/reviews/{reviewID}/reply", h.replyStatus)
			r.Delete("/reviews/{reviewID}/reply", h.closeReply)
		})
	})
}

// ---- response helpers ----

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	writeProblemCode(w, status, title, detail, "")
}

func writeProblemCode(w http.ResponseWriter, status int, title, detail, code string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(problem{Type: "about:blank", Title: title, Status: status, Detail: detail, Code: code}); err != nil {
		log.Error().Err(err).Msg("write JSON problem response failed")
	}
}

// writeError maps domain errors onto problem responses.
func writeError(w http.ResponseWriter, err error) {
	var (
		ve *domain.ValidationError
		he *domain.HTTPError
		te *domain.TransportError
		ke *domain.TaskError
	)
	switch {
	case errors.As(err, &ve):
		writeProblemCode(w, http.StatusUnprocessableEntity, "Invalid input", ve.Error(), "invalid_"+ve.Field)
	case errors.Is(err, domain.ErrEmptyReply):
		writeProblemCode(w, http.StatusUnprocessableEntity, "Invalid input", err.Error(), "empty_reply")
	case errors.Is(err, domain.ErrUnauthorized):
		writeProblemCode(w, http.StatusUnauthorized, "Unauthorized", "sign in again", "unauthorized")
	case errors.Is(err, domain.ErrBusy):
		writeProblemCode(w, http.StatusConflict, "Busy", err.Error(), "busy")
	case errors.Is(err, domain.ErrReviewNotMatched), errors.Is(err, domain.ErrAmbiguousMatch):
		writeProblemCode(w, http.StatusConflict, "Review not matched", err.Error()+"; refresh the list and retry", "review_not_matched")
	case errors.Is(err, domain.ErrFlowClosed):
		writeProblemCode(w, http.StatusConflict, "Reply form closed", err.Error(), "flow_closed")
	case errors.Is(err, domain.ErrNoSet), errors.Is(err, domain.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.As(err, &ke):
		writeProblemCode(w, http.StatusBadGateway, "Task failed", err.Error(), "task_"+string(ke.Code))
	case errors.As(err, &te):
		writeProblemCode(w, http.StatusBadGateway, "Backend unreachable", err.Error(), "transient")
	case errors.As(err, &he) && he.Status >= 400 && he.Status < 500:
		writeProblem(w, he.Status, http.StatusText(he.Status), he.Detail)
	case errors.As(err, &he):
		writeProblemCode(w, http.StatusBadGateway, "Backend error", he.Error(), "transient")
	default:
		log.Error().Err(err).Msg("unhandled error")
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// writeCached answers with an ETag and honors If-None-Match.
func writeCached(w http.ResponseWriter, r *http.Request, v any) {
	etag, body := calcETagAndBody(v)
	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.Header().Set("ETag", etag)
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Error().Err(err).Msg("failed to write body")
	}
}

// calcETagAndBody marshals once and hashes once, returning both ETag and body.
func calcETagAndBody(v any) (string, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal object for ETag/body")
		return "", nil
	}
	sum := sha1.Sum(body)
	etag := `W/"` + hex.EncodeToString(sum[:]) + `"`
	return etag, body
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &domain.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// pathParam unescapes a URL parameter; profile location names carry a slash
// and arrive as "locations%2F123".
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func (h *Handlers) ready(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// ---- session ----

type sessionView struct {
	Authenticated bool   `json:"authenticated"`
	Identity      string `json:"identity,omitempty"`
	ActiveUser    string `json:"active_user"`
}

func (h *Handlers) getSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionView{
		Authenticated: h.Session.Authenticated(),
		Identity:      h.Session.Identity(),
		ActiveUser:    h.Session.ActiveUser(),
	})
}

type loginRequest struct {
	AccessToken string `json:"access_token" validate:"required"`
	GoogleEmail string `json:"google_email" validate:"required,email"`
}

func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := readJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := app.Validate(in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Session.Login(r.Context(), in.AccessToken, in.GoogleEmail); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) logout(w http.ResponseWriter, r *http.Request) {
	h.Session.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

type accountRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (h *Handlers) switchAccount(w http.ResponseWriter, r *http.Request) {
	var in accountRequest
	if err := readJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := app.Validate(in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Session.SwitchAccount(r.Context(), in.UserID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- catalog ----

func (h *Handlers) listAccounts(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.Accounts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, r, out)
}

func (h *Handlers) listLocations(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.Locations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, r, out)
}

func (h *Handlers) listPlaces(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.Places(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeCached(w, r, out)
}

func (h *Handlers) placeStatus(w http.ResponseWriter, r *http.Request) {
	out, err := h.Catalog.Status(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- review lists ----

type loadRequest struct {
	// "all" or one of the presets; numbers and strings are both accepted
	LoadCount any `json:"load_count"`
}

type loadAccepted struct {
	TaskID          string `json:"task_id"`
	LoadCount       string `json:"load_count"`
	EstimateSeconds int    `json:"estimate_seconds"`
}

func (h *Handlers) startLoad(w http.ResponseWriter, r *http.Request) {
	placeID := pathParam(r, "placeID")
	var in loadRequest
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &in); err != nil {
			writeError(w, err)
			return
		}
	}
	count := app.LoadCount(50)
	if in.LoadCount != nil {
		c, err := app.ParseLoadCount(fmt.Sprint(in.LoadCount))
		if err != nil {
			writeError(w, err)
			return
		}
		count = c
	}

	handle, err := h.Store.Load(r.Context(), placeID, count)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, loadAccepted{
		TaskID:          handle.ID(),
		LoadCount:       count.String(),
		EstimateSeconds: int(count.Estimate().Seconds()),
	})
}

type loadView struct {
	Active bool              `json:"active"`
	Task   *domain.TaskState `json:"task,omitempty"`
	Error  string            `json:"error,omitempty"`
}

func (h *Handlers) loadStatus(w http.ResponseWriter, r *http.Request) {
	placeID := pathParam(r, "placeID")
	var out loadView
	if handle, ok := h.Store.ActiveLoad(placeID); ok {
		st := handle.Snapshot()
		st.Result = nil // the set is served by /reviews
		out.Active, out.Task = true, &st
	}
	if err := h.Store.LoadError(placeID); err != nil {
		out.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// cancelLoad stops watching the place's load, e.g. when the view is left.
func (h *Handlers) cancelLoad(w http.ResponseWriter, r *http.Request) {
	placeID := pathParam(r, "placeID")
	if !h.Store.CancelLoad(placeID) {
		writeProblem(w, http.StatusNotFound, "Not Found", "no load in progress for "+placeID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listReviews(w http.ResponseWriter, r *http.Request) {
	placeID := pathParam(r, "placeID")
	q := r.URL.Query()
	if f := q.Get("filter"); f != "" {
		pred, err := app.ParsePredicate(f)
		if err != nil {
			writeError(w, err)
			return
		}
		if pred != h.Store.Filter(placeID) {
			h.Store.SetFilter(placeID, pred)
		}
	}
	if ps := q.Get("page"); ps != "" {
		n, err := strconv.Atoi(ps)
		if err != nil {
			writeError(w, &domain.ValidationError{Field: "page", Reason: "must be a number"})
			return
		}
		h.Store.SetPage(placeID, n)
	}
	if _, ok := h.Store.Cached(r.Context(), placeID); !ok {
		writeError(w, fmt.Errorf("place %s: %w", placeID, domain.ErrNoSet))
		return
	}
	writeCached(w, r, h.Store.View(placeID))
}

func (h *Handlers) invalidate(w http.ResponseWriter, r *http.Request) {
	h.Store.Invalidate(r.Context(), pathParam(r, "placeID"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) loadProfile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	location := q.Get("location_name")
	pred, err := app.ParsePredicate(q.Get("filter"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.Store.LoadProfile(r.Context(), location, pred); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Store.View(location))
}

// ---- replies ----

func (h *Handlers) draft(w http.ResponseWriter, r *http.Request) {
	var in app.DraftContext
	if r.ContentLength != 0 {
		if err := readJSON(w, r, &in); err != nil {
			writeError(w, err)
			return
		}
	}
	flow, err := h.Desk.Open(pathParam(r, "placeID"), pathParam(r, "reviewID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := flow.GenerateDraft(r.Context(), in); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flow.Status())
}

type replyRequest struct {
	Text string `json:"text"`
}

func (h *Handlers) postReply(w http.ResponseWriter, r *http.Request) {
	var in replyRequest
	if err := readJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	flow, err := h.Desk.Open(pathParam(r, "placeID"), pathParam(r, "reviewID"))
	if err != nil {
		writeError(w, err)
		return
	}
	handle, err := flow.Post(r.Context(), in.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if handle != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, flow.Status())
}

func (h *Handlers) replyStatus(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.Desk.Flow(pathParam(r, "placeID"), pathParam(r, "reviewID"))
	if !ok {
		writeProblem(w, http.StatusNotFound, "Not Found", "no reply form open for this review")
		return
	}
	writeJSON(w, http.StatusOK, flow.Status())
}

func (h *Handlers) closeReply(w http.ResponseWriter, r *http.Request) {
	flow, ok := h.Desk.Flow(pathParam(r, "placeID"), pathParam(r, "reviewID"))
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := flow.Close(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- ai settings ----

func (h *Handlers) getSettings(w http.ResponseWriter, r *http.Request) {
	out, err := h.Settings.Get(r.Context(), pathParam(r, "placeID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) putSettings(w http.ResponseWriter, r *http.Request) {
	var in domain.AISettings
	if err := readJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if err := h.Settings.Save(r.Context(), pathParam(r, "placeID"), in); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
