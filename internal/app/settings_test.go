package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"replydesk/internal/app"
	"replydesk/internal/domain"
)

type fakeSettings struct {
	stored    *domain.AISettings
	saves     int
	readCalls int
}

func (f *fakeSettings) AISettings(ctx context.Context, placeID string) (domain.AISettings, bool, error) {
	f.readCalls++
	if f.stored == nil {
		return domain.DefaultAISettings(), true, nil
	}
	return *f.stored, false, nil
}

func (f *fakeSettings) SaveAISettings(ctx context.Context, placeID string, s domain.AISettings) error {
	f.saves++
	f.stored = &s
	return nil
}

func TestSettings_DefaultsThenSavedValuesThroughCache(t *testing.T) {
	api := &fakeSettings{}
	cache := &fakeCache{}
	svc := app.NewSettingsService(api, cache, time.Minute)
	ctx := context.Background()

	v, err := svc.Get(ctx, "p1")
	if err != nil || !v.IsDefault || v.Settings.Friendliness != 7 {
		t.Fatalf("defaults: %+v %v", v, err)
	}
	if _, _ = svc.Get(ctx, "p1"); api.readCalls != 1 {
		t.Fatalf("second read should hit the cache, backend reads=%d", api.readCalls)
	}

	next := domain.DefaultAISettings()
	next.Formality = 3
	if err := svc.Save(ctx, "p1", next); err != nil {
		t.Fatalf("save: %v", err)
	}
	v, _ = svc.Get(ctx, "p1")
	if v.IsDefault || v.Settings.Formality != 3 {
		t.Fatalf("saved settings not visible: %+v", v)
	}
}

func TestSettings_BoundsAreValidatedBeforeSending(t *testing.T) {
	cases := map[string]func(*domain.AISettings){
		"friendliness":     func(s *domain.AISettings) { s.Friendliness = 11 },
		"reply_length_min": func(s *domain.AISettings) { s.ReplyLengthMin = 10 },
		"reply_length_max": func(s *domain.AISettings) { s.ReplyLengthMin, s.ReplyLengthMax = 300, 200 },
		"diversity":        func(s *domain.AISettings) { s.Diversity = 0.2 },
		"brand_voice":      func(s *domain.AISettings) { s.BrandVoice = "" },
	}
	for field, mutate := range cases {
		api := &fakeSettings{}
		svc := app.NewSettingsService(api, nil, time.Minute)
		s := domain.DefaultAISettings()
		mutate(&s)

		err := svc.Save(context.Background(), "p1", s)
		var ve *domain.ValidationError
		if !errors.As(err, &ve) || ve.Field != field {
			t.Fatalf("%s: expected validation error on that field, got %v", field, err)
		}
		if api.saves != 0 {
			t.Fatalf("%s: invalid settings must not be sent", field)
		}
	}
}

func TestValidate_AcceptsDefaults(t *testing.T) {
	if err := app.Validate(domain.DefaultAISettings()); err != nil {
		t.Fatalf("defaults should be valid: %v", err)
	}
}
