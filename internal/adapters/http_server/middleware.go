package httpserver

import (
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"replydesk/internal/adapters/observability"
)

// Timeout bounds a request; the body is a problem document like every other error.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	const body = `{"type":"about:blank","title":"Timeout","status":503,"detail":"request took too long"}`
	return func(next http.Handler) http.Handler { return http.TimeoutHandler(next, d, body) }
}

// NoStore keeps session answers out of browser and proxy caches.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// health checks and scrapes are logged at debug
var quietRoutes = map[string]bool{"/healthz": true, "/readyz": true, "/metrics": true}

// Observe records request metrics and writes one log line per request.
func Observe(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := routeOf(r)
			dur := time.Since(start)
			observability.ObserveHTTP(route, r.Method, status, dur)

			var ev *zerolog.Event
			switch {
			case status >= 500:
				ev = l.Error()
			case status >= 400 && status != http.StatusNotFound:
				ev = l.Warn()
			case quietRoutes[route]:
				ev = l.Debug()
			default:
				ev = l.Info()
			}
			ev.Str("request_id", chimw.GetReqID(r.Context())).
				Str("route", route).
				Str("method", r.Method).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", dur).
				Str("remote", remoteHost(r)).
				Msg("http_request")
		})
	}
}

// routeOf prefers the chi pattern so metrics stay low-cardinality.
func routeOf(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// remoteHost strips the port; RealIP has already applied forwarding headers.
func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
