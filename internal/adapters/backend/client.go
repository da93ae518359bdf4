// internal/adapters/backend/client.go
package backend

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"replydesk/internal/adapters/observability"
	"replydesk/internal/domain"
)

// Session is the identity the client attaches to every call.
type Session interface {
	Token() string
	Identity() string
	ActiveUser() string
	Authenticated() bool
	Clear(ctx context.Context)
}

type Client struct {
	base string
	hc   *http.Client
	rl   *rate.Limiter
	sess Session
}

func New(base string, sess Session, rps int, timeout time.Duration) (*Client, error) {
	if base == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if sess == nil {
		return nil, fmt.Errorf("session is required")
	}
	if rps <= 0 {
		rps = 10
	}
	if timeout <= 0 {
		// some endpoints proxy browser automation synchronously
		timeout = 180 * time.Second
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: timeout},
		rl:   rate.NewLimiter(rate.Limit(rps), rps),
		sess: sess,
	}, nil
}

type requestOpts struct {
	endpoint string
	public   bool
}

type RequestOption func(*requestOpts)

// WithEndpoint names the call for metrics; defaults to the path.
func WithEndpoint(name string) RequestOption {
	return func(o *requestOpts) { o.endpoint = name }
}

// Public skips the session check for calls that work signed out.
func Public() RequestOption {
	return func(o *requestOpts) { o.public = true }
}

// Request sends body as JSON and decodes a 2xx answer into out (when non-nil).
// Non-2xx answers come back as *domain.HTTPError; a 401 also clears the session.
// GETs are retried on 429 and transient 5xx; other methods are sent once.
func (c *Client) Request(ctx context.Context, method, path string, body, out any, opts ...RequestOption) error {
	o := requestOpts{endpoint: path}
	for _, fn := range opts {
		fn(&o)
	}

	if !o.public && !c.sess.Authenticated() {
		if c.sess.Token() != "" {
			// expired token: sign out before anyone tries again
			c.sess.Clear(context.WithoutCancel(ctx))
		}
		return domain.ErrUnauthorized
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", o.endpoint, err)
		}
		payload = b
	}

	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	attempts := 1
	if method == http.MethodGet {
		attempts = 4
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		start := time.Now()
		status, err := c.once(ctx, method, path, payload, out)
		observability.ObserveExternal("backend", o.endpoint, status, time.Since(start))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		if errors.Is(err, domain.ErrUnauthorized) {
			log.Warn().Str("endpoint", o.endpoint).Msg("backend rejected session; signing out")
			c.sess.Clear(context.WithoutCancel(ctx))
			return err
		}
		if !retryable(err) || i == attempts-1 {
			break
		}
		wait := backoff(i)
		var re *retryAfterError
		if errors.As(err, &re) && re.wait > 0 {
			wait = re.wait
		}
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
	var re *retryAfterError
	if errors.As(lastErr, &re) {
		return re.HTTPError
	}
	return lastErr
}

// once performs a single round trip and returns the status (0 on transport failure).
func (c *Client) once(ctx context.Context, method, path string, payload []byte, out any) (int, error) {
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "replydesk/1.0")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.sess.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if id := c.sess.Identity(); id != "" {
		req.Header.Set("X-Google-Email", id)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, &domain.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
		return resp.StatusCode, nil

	default:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		herr := &domain.HTTPError{Status: resp.StatusCode, Detail: detail(b)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return resp.StatusCode, &retryAfterError{HTTPError: herr, wait: retryAfter(resp)}
		}
		return resp.StatusCode, herr
	}
}

// retryAfterError carries a retryable status plus the server's Retry-After hint.
type retryAfterError struct {
	*domain.HTTPError
	wait time.Duration
}

func (e *retryAfterError) Unwrap() error { return e.HTTPError }

func retryable(err error) bool {
	var te *domain.TransportError
	if errors.As(err, &te) {
		return true
	}
	var re *retryAfterError
	if !errors.As(err, &re) {
		return false
	}
	switch re.Status {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// detail extracts the backend's "detail" field; it may be a string or an object.
func detail(b []byte) string {
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(b, &env); err == nil && len(env.Detail) > 0 {
		var s string
		if err := json.Unmarshal(env.Detail, &s); err == nil {
			return s
		}
		return string(env.Detail)
	}
	return strings.TrimSpace(string(b))
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After header (seconds or HTTP-date). Returns 0 if absent/invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff returns 200ms, 400ms, 800ms... with up to +50% jitter.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}
