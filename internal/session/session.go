// Package session holds the dashboard's local identity: the bearer token, the
// signed-in owner's email and the active place-platform account. It is passed
// to the gateway client explicitly instead of being read from global storage.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	KeyAccessToken = "access_token"
	KeyIdentity    = "google_email"
	KeyActiveUser  = "active_naver_user"

	DefaultUser = "default"
)

// Store persists the session entries. Values are best-effort; losing them
// only forces a new login.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Del(ctx context.Context, keys ...string) error
}

type Change int

const (
	Cleared       Change = iota // logout or unauthorized answer
	LoggedIn                    // new token or identity
	AccountSwitch               // active place account changed
)

func (c Change) String() string {
	switch c {
	case Cleared:
		return "cleared"
	case LoggedIn:
		return "logged_in"
	case AccountSwitch:
		return "account_switch"
	}
	return "unknown"
}

type Session struct {
	mu        sync.RWMutex
	store     Store
	token     string
	identity  string
	user      string
	now       func() time.Time
	listeners []func(Change)
}

// Open restores a session from store. Missing entries yield a signed-out session.
func Open(ctx context.Context, store Store) (*Session, error) {
	s := &Session{store: store, now: time.Now}
	var err error
	if s.token, _, err = store.Get(ctx, KeyAccessToken); err != nil {
		return nil, err
	}
	if s.identity, _, err = store.Get(ctx, KeyIdentity); err != nil {
		return nil, err
	}
	if s.user, _, err = store.Get(ctx, KeyActiveUser); err != nil {
		return nil, err
	}
	return s, nil
}

// OnChange registers fn to run after every identity change.
func (s *Session) OnChange(fn func(Change)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// ActiveUser is the place-platform account whose stored browser session the
// backend should use.
func (s *Session) ActiveUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == "" {
		return DefaultUser
	}
	return s.user
}

// Authenticated reports whether a token is present and, when it is a JWT with
// an exp claim, not yet expired. Opaque tokens are trusted until the backend
// rejects them.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	tok, now := s.token, s.now
	s.mu.RUnlock()
	if tok == "" {
		return false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return now().Before(exp.Time)
}

func (s *Session) Login(ctx context.Context, token, identity string) error {
	if err := s.store.Set(ctx, KeyAccessToken, token); err != nil {
		return err
	}
	if err := s.store.Set(ctx, KeyIdentity, identity); err != nil {
		return err
	}
	s.mu.Lock()
	s.token, s.identity = token, identity
	s.mu.Unlock()
	s.notify(LoggedIn)
	return nil
}

// SwitchAccount changes the active place account. Everything cached under the
// previous account is stale afterwards, so listeners are told.
func (s *Session) SwitchAccount(ctx context.Context, user string) error {
	if user == s.ActiveUser() {
		return nil
	}
	if err := s.store.Set(ctx, KeyActiveUser, user); err != nil {
		return err
	}
	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	s.notify(AccountSwitch)
	return nil
}

// Clear drops every entry. It is unconditional: store errors are logged, the
// in-memory session is signed out regardless.
func (s *Session) Clear(ctx context.Context) {
	if err := s.store.Del(ctx, KeyAccessToken, KeyIdentity, KeyActiveUser); err != nil {
		log.Warn().Err(err).Msg("session store clear failed")
	}
	s.mu.Lock()
	s.token, s.identity, s.user = "", "", ""
	s.mu.Unlock()
	s.notify(Cleared)
}

func (s *Session) notify(c Change) {
	s.mu.RLock()
	ls := append([]func(Change){}, s.listeners...)
	s.mu.RUnlock()
	log.Info().Str("change", c.String()).Msg("session changed")
	for _, fn := range ls {
		fn(c)
	}
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{m: map[string]string{}} }

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.m[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.m[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.m, k)
	}
	m.mu.Unlock()
	return nil
}
