package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"replydesk/internal/domain"
)

// WarmReport summarizes one warm run.
type WarmReport struct {
	Places  int `json:"places"`
	Loaded  int `json:"loaded"`
	Skipped int `json:"skipped"` // a load was already running
	Failed  int `json:"failed"`
	Reviews int `json:"reviews"`
}

// Warmer loads every place of the active account so the dashboard opens on
// fresh sets.
type Warmer struct {
	catalog *Catalog
	store   *ReviewStore
	workers int
}

func NewWarmer(catalog *Catalog, store *ReviewStore, workers int) *Warmer {
	if workers <= 0 {
		workers = 2
	}
	return &Warmer{catalog: catalog, store: store, workers: workers}
}

// WarmAll runs at most workers loads at a time. A single place failing is
// logged and counted; an authorization failure stops the whole run.
func (w *Warmer) WarmAll(ctx context.Context, count LoadCount) (WarmReport, error) {
	places, err := w.catalog.Places(ctx)
	if err != nil {
		return WarmReport{}, err
	}

	var (
		mu  sync.Mutex
		rep = WarmReport{Places: len(places)}
	)
	sem := semaphore.NewWeighted(int64(w.workers))
	g, gctx := errgroup.WithContext(ctx)

	for _, pl := range places {
		// acquire before launching the goroutine; release inside it
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		placeID := pl.PlaceID
		g.Go(func() error {
			defer sem.Release(1)

			n, err := w.warmOne(gctx, placeID, count)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				rep.Loaded++
				rep.Reviews += n
				log.Info().Str("place_id", placeID).Int("reviews", n).Msg("warm ok")
			case errors.Is(err, domain.ErrBusy):
				rep.Skipped++
			case errors.Is(err, domain.ErrUnauthorized):
				return err
			default:
				rep.Failed++
				log.Warn().Err(err).Str("place_id", placeID).Msg("warm failed")
			}
			return nil
		})
	}

	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	return rep, err
}

func (w *Warmer) warmOne(ctx context.Context, placeID string, count LoadCount) (int, error) {
	h, err := w.store.Load(ctx, placeID, count)
	if err != nil {
		return 0, err
	}
	if _, err := h.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			h.Cancel()
		}
		return 0, err
	}
	return w.store.Counts(placeID).All, nil
}
