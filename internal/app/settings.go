package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"replydesk/internal/domain"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	// report fields by their wire names
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Validate checks v against its struct tags and returns the first violation
// as a *domain.ValidationError.
func Validate(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) || len(ves) == 0 {
		return err
	}
	fe := ves[0]
	reason := fe.Tag()
	if fe.Param() != "" {
		reason += " " + fe.Param()
	}
	return &domain.ValidationError{Field: fe.Field(), Reason: reason}
}

// SettingsView is what a client sees for one place.
type SettingsView struct {
	Settings  domain.AISettings `json:"settings"`
	IsDefault bool              `json:"is_default"`
}

type SettingsService struct {
	api   domain.SettingsAPI
	cache domain.Cache
	ttl   time.Duration
}

func NewSettingsService(api domain.SettingsAPI, cache domain.Cache, ttl time.Duration) *SettingsService {
	return &SettingsService{api: api, cache: cache, ttl: ttl}
}

func settingsKey(placeID string) string { return "ai-settings:" + placeID }

func (s *SettingsService) Get(ctx context.Context, placeID string) (SettingsView, error) {
	key := settingsKey(placeID)
	var v SettingsView
	if s.cache != nil {
		if ok, err := s.cache.Get(ctx, key, &v); err == nil && ok {
			return v, nil
		}
	}
	st, isDefault, err := s.api.AISettings(ctx, placeID)
	if err != nil {
		return SettingsView{}, fmt.Errorf("ai settings for %s: %w", placeID, err)
	}
	v = SettingsView{Settings: st, IsDefault: isDefault}
	if s.cache != nil {
		_ = s.cache.Set(ctx, key, v, int(s.ttl.Seconds()))
	}
	return v, nil
}

// Save validates before anything is sent; invalid settings never reach the
// backend.
func (s *SettingsService) Save(ctx context.Context, placeID string, in domain.AISettings) error {
	if err := Validate(in); err != nil {
		return err
	}
	if err := s.api.SaveAISettings(ctx, placeID, in); err != nil {
		return fmt.Errorf("save ai settings for %s: %w", placeID, err)
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, settingsKey(placeID)); err != nil {
			log.Warn().Err(err).Str("place_id", placeID).Msg("ai settings cache not evicted")
		}
	}
	log.Info().Str("place_id", placeID).Msg("ai settings saved")
	return nil
}
