package shared

import (
	"context"

	"github.com/rs/zerolog/log"

	"replydesk/internal/session"
)

// OpenSession restores the stored session and seeds it from the environment
// when the store has nothing yet. A stored session always wins.
func OpenSession(ctx context.Context, store session.Store, cfg Config) (*session.Session, error) {
	s, err := session.Open(ctx, store)
	if err != nil {
		return nil, err
	}
	if s.Token() == "" && cfg.AccessToken != "" {
		if err := s.Login(ctx, cfg.AccessToken, cfg.GoogleEmail); err != nil {
			return nil, err
		}
		log.Info().Str("identity", cfg.GoogleEmail).Msg("session seeded from environment")
	}
	if cfg.NaverUser != "" && s.ActiveUser() == session.DefaultUser {
		if err := s.SwitchAccount(ctx, cfg.NaverUser); err != nil {
			return nil, err
		}
	}
	if !s.Authenticated() {
		log.Warn().Msg("no valid session; sign in through POST /v1/session")
	}
	return s, nil
}
