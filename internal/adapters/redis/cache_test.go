package redisad_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	redisad "replydesk/internal/adapters/redis"
	"replydesk/internal/domain"
	"replydesk/internal/session"
)

func newCache(t *testing.T) (*redisad.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redisad.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCache_ReviewSetRoundTripAndTTL(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t)

	in := domain.ReviewSet{
		PlaceID:   "p1",
		Items:     []domain.Review{{ID: "r1", Author: "kim", HasReply: true, Reply: &domain.Reply{Text: "thanks"}}},
		FetchedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	if err := c.Set(ctx, "reviews:default:p1", in, 60); err != nil {
		t.Fatalf("set: %v", err)
	}

	var out domain.ReviewSet
	ok, err := c.Get(ctx, "reviews:default:p1", &out)
	if err != nil || !ok {
		t.Fatalf("expected hit, ok=%v err=%v", ok, err)
	}
	if len(out.Items) != 1 || out.Items[0].Reply == nil || out.Items[0].Reply.Text != "thanks" {
		t.Fatalf("unexpected set: %+v", out)
	}

	mr.FastForward(61 * time.Second)
	ok, err = c.Get(ctx, "reviews:default:p1", &out)
	if err != nil || ok {
		t.Fatalf("expected miss after ttl, ok=%v err=%v", ok, err)
	}
}

func TestCache_Del(t *testing.T) {
	ctx := context.Background()
	c, _ := newCache(t)
	_ = c.Set(ctx, "k", map[string]int{"a": 1}, 60)
	if err := c.Del(ctx, "k"); err != nil {
		t.Fatalf("del: %v", err)
	}
	var v map[string]int
	if ok, _ := c.Get(ctx, "k", &v); ok {
		t.Fatalf("expected miss after del")
	}
}

func TestSessionStore_BacksSession(t *testing.T) {
	ctx := context.Background()
	c, mr := newCache(t)

	s, err := session.Open(ctx, c.Sessions())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Login(ctx, "tok", "owner@example.com"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if got, _ := mr.Get("replydesk:session:access_token"); got != "tok" {
		t.Fatalf("token not persisted, got %q", got)
	}

	// a restarted process sees the same session
	again, err := session.Open(ctx, c.Sessions())
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if again.Token() != "tok" {
		t.Fatalf("restored token %q", again.Token())
	}

	again.Clear(ctx)
	if mr.Exists("replydesk:session:access_token") {
		t.Fatalf("token should be deleted")
	}
}
