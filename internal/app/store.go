package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"replydesk/internal/domain"
)

// LoadCount is how many reviews a place load asks the backend to collect.
type LoadCount int

// LoadAll is the backend's sentinel for "every review".
const LoadAll LoadCount = 9999

var LoadCounts = []LoadCount{50, 150, 300, 500, 1000, LoadAll}

func ParseLoadCount(s string) (LoadCount, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "all" {
		return LoadAll, nil
	}
	n, err := strconv.Atoi(s)
	if err == nil {
		for _, c := range LoadCounts {
			if int(c) == n {
				return c, nil
			}
		}
	}
	return 0, &domain.ValidationError{Field: "load_count", Reason: fmt.Sprintf("%q is not one of 50, 150, 300, 500, 1000, all", s)}
}

// Estimate is the rough wall time a load of this size takes, scrolling included.
func (c LoadCount) Estimate() time.Duration {
	switch {
	case c <= 50:
		return 15 * time.Second
	case c <= 150:
		return 30 * time.Second
	case c <= 300:
		return 50 * time.Second
	case c <= 500:
		return 70 * time.Second
	case c <= 1000:
		return 2 * time.Minute
	}
	return 4 * time.Minute
}

func (c LoadCount) String() string {
	if c == LoadAll {
		return "all"
	}
	return strconv.Itoa(int(c))
}

type Predicate string

const (
	FilterAll       Predicate = "all"
	FilterUnreplied Predicate = "unreplied"
	FilterReplied   Predicate = "replied"
)

func ParsePredicate(s string) (Predicate, error) {
	switch p := Predicate(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FilterAll, nil
	case FilterAll, FilterUnreplied, FilterReplied:
		return p, nil
	}
	return "", &domain.ValidationError{Field: "filter", Reason: fmt.Sprintf("%q is not all, unreplied or replied", s)}
}

func (p Predicate) match(r domain.Review) bool {
	switch p {
	case FilterUnreplied:
		return !r.HasReply
	case FilterReplied:
		return r.HasReply
	}
	return true
}

type Counts struct {
	All       int `json:"all"`
	Unreplied int `json:"unreplied"`
	Replied   int `json:"replied"`
}

// Page is the FilterView of one place: the visible slice plus what a list
// header needs.
type Page struct {
	PlaceID    string          `json:"place_id"`
	Predicate  Predicate       `json:"filter"`
	Page       int             `json:"page"`
	PageSize   int             `json:"page_size"`
	TotalPages int             `json:"total_pages"`
	Filtered   int             `json:"filtered"`
	Counts     Counts          `json:"counts"`
	Items      []domain.Review `json:"items"`
	FetchedAt  time.Time       `json:"fetched_at"`
	Loaded     bool            `json:"loaded"`
}

type StoreConfig struct {
	PageSize int
	// Grace is how long an optimistic reply mark beats a reload that does not
	// show the reply yet.
	Grace    time.Duration
	CacheTTL time.Duration
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.PageSize <= 0 {
		c.PageSize = 20
	}
	if c.Grace <= 0 {
		c.Grace = time.Minute
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 15 * time.Minute
	}
	return c
}

type view struct {
	pred Predicate
	page int
}

type mark struct {
	at    time.Time
	reply domain.Reply
}

// ReviewStore owns every ReviewSet. It is the only writer; everything else
// reads through View/Find/Snapshot.
type ReviewStore struct {
	places  domain.PlaceAPI
	profile domain.ProfileAPI
	poller  *Poller
	cache   domain.Cache // optional
	account func() string
	cfg     StoreConfig
	now     func() time.Time

	mu        sync.Mutex
	epoch     uint64 // bumped when the account changes
	sets      map[string]domain.ReviewSet
	views     map[string]view
	marks     map[string]map[string]mark
	loadErr   map[string]error
	refresher map[string]func(context.Context) error
	timers    map[string]*time.Timer
}

func NewReviewStore(places domain.PlaceAPI, profile domain.ProfileAPI, poller *Poller, cache domain.Cache, account func() string, cfg StoreConfig) *ReviewStore {
	if account == nil {
		account = func() string { return "default" }
	}
	return &ReviewStore{
		places:    places,
		profile:   profile,
		poller:    poller,
		cache:     cache,
		account:   account,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		sets:      map[string]domain.ReviewSet{},
		views:     map[string]view{},
		marks:     map[string]map[string]mark{},
		loadErr:   map[string]error{},
		refresher: map[string]func(context.Context) error{},
		timers:    map[string]*time.Timer{},
	}
}

// SetClock replaces the time source; tests drive the grace window with it.
func (s *ReviewStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

const loadSlotPrefix = "load:"

func loadSlot(placeID string) string { return loadSlotPrefix + placeID }

func (s *ReviewStore) cacheKey(placeID string) string {
	return fmt.Sprintf("reviews:%s:%s", s.account(), placeID)
}

// Load submits a place-platform load task. On completion the place's set is
// replaced wholesale; a result that arrives after an account switch is dropped.
func (s *ReviewStore) Load(ctx context.Context, placeID string, count LoadCount) (*Handle, error) {
	if placeID == "" {
		return nil, &domain.ValidationError{Field: "place_id", Reason: "required"}
	}
	s.mu.Lock()
	epoch := s.epoch
	s.refresher[placeID] = func(ctx context.Context) error {
		_, err := s.Load(ctx, placeID, count)
		return err
	}
	s.mu.Unlock()

	user := s.account()
	return s.poller.Submit(ctx, Job{
		Slot: loadSlot(placeID),
		Kind: domain.TaskLoad,
		Submit: func(ctx context.Context) (string, error) {
			return s.places.SubmitLoad(ctx, domain.LoadRequest{PlaceID: placeID, LoadCount: int(count), UserID: user})
		},
		OnDone: func(st domain.TaskState, err error) {
			if s.currentEpoch() != epoch {
				log.Info().Str("place_id", placeID).Str("task_id", st.ID).Msg("dropping load outcome from previous account")
				return
			}
			if errors.Is(err, context.Canceled) {
				log.Info().Str("place_id", placeID).Str("task_id", st.ID).Msg("load no longer watched")
				return
			}
			if err != nil {
				s.setLoadErr(placeID, err)
				return
			}
			raws, derr := decodeReviewList(st.Result)
			if derr != nil {
				log.Error().Err(derr).Str("place_id", placeID).Str("task_id", st.ID).Msg("load result unreadable")
				s.setLoadErr(placeID, derr)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.Replace(ctx, placeID, NormalizeAll(domain.PlatformPlace, raws))
		},
	})
}

// ActiveLoad returns the outstanding load task for a place.
func (s *ReviewStore) ActiveLoad(placeID string) (*Handle, bool) {
	return s.poller.Active(loadSlot(placeID))
}

// CancelLoad stops watching a place's outstanding load. The backend task may
// still finish; its result is not applied.
func (s *ReviewStore) CancelLoad(placeID string) bool {
	return s.poller.Cancel(loadSlot(placeID))
}

// LoadError is the last failed load for a place, cleared by the next success.
func (s *ReviewStore) LoadError(placeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr[placeID]
}

const profilePageSize = 50

// LoadProfile fetches a profile-platform location synchronously and stores it
// under the location name. The whole list is fetched; filter only selects the
// view, so counts stay correct for both platforms.
func (s *ReviewStore) LoadProfile(ctx context.Context, locationName string, filter Predicate) error {
	if locationName == "" {
		return &domain.ValidationError{Field: "location_name", Reason: "required"}
	}
	s.mu.Lock()
	s.refresher[locationName] = func(ctx context.Context) error {
		return s.LoadProfile(ctx, locationName, s.Filter(locationName))
	}
	s.mu.Unlock()

	page, err := s.profile.ProfileReviews(ctx, domain.ProfileReviewQuery{
		LocationName: locationName, Filter: string(FilterAll), PageSize: profilePageSize,
	})
	if err != nil {
		s.setLoadErr(locationName, err)
		return fmt.Errorf("load reviews for %s: %w", locationName, err)
	}
	s.Replace(ctx, locationName, NormalizeAll(domain.PlatformProfile, page.Reviews))
	if filter != "" && filter != s.Filter(locationName) {
		s.SetFilter(locationName, filter)
	}
	return nil
}

// Replace stores items as the place's new set. Reviews marked replied within
// the grace window keep their reply even if items do not show it yet.
func (s *ReviewStore) Replace(ctx context.Context, placeID string, items []domain.Review) domain.ReviewSet {
	s.mu.Lock()
	now := s.now()
	out := make([]domain.Review, len(items))
	copy(out, items)

	marks := s.marks[placeID]
	kept := 0
	for i := range out {
		m, ok := marks[out[i].ID]
		if !ok {
			continue
		}
		switch {
		case out[i].HasReply:
			delete(marks, out[i].ID) // the platform caught up
		case now.Sub(m.at) < s.cfg.Grace:
			r := m.reply
			out[i] = out[i].WithReply(&r)
			kept++
		}
	}
	for id, m := range marks {
		if now.Sub(m.at) >= s.cfg.Grace {
			delete(marks, id)
		}
	}

	set := domain.ReviewSet{PlaceID: placeID, Items: out, FetchedAt: now}
	s.sets[placeID] = set
	delete(s.loadErr, placeID)
	s.mu.Unlock()

	log.Info().Str("place_id", placeID).Int("reviews", len(out)).Int("optimistic", kept).Msg("review set replaced")
	s.persist(ctx, set)
	return set.Clone()
}

func (s *ReviewStore) persist(ctx context.Context, set domain.ReviewSet) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, s.cacheKey(set.PlaceID), set, int(s.cfg.CacheTTL.Seconds())); err != nil {
		log.Warn().Err(err).Str("place_id", set.PlaceID).Msg("review snapshot not cached")
	}
}

// MarkReplied records a posted reply locally right away.
func (s *ReviewStore) MarkReplied(placeID, reviewID, text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(placeID, reviewID, text)
}

// confirmReply marks the reply and schedules the refresh in one step, unless
// the account changed since epoch. It reports whether anything was applied.
func (s *ReviewStore) confirmReply(epoch uint64, placeID, reviewID, text string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.markLocked(placeID, reviewID, text)
	s.refreshLocked(placeID, delay)
	return true
}

func (s *ReviewStore) markLocked(placeID, reviewID, text string) bool {
	now := s.now()
	reply := domain.Reply{Text: text, UpdatedAt: &now}

	if s.marks[placeID] == nil {
		s.marks[placeID] = map[string]mark{}
	}
	s.marks[placeID][reviewID] = mark{at: now, reply: reply}

	set, ok := s.sets[placeID]
	if !ok {
		return false
	}
	for i, r := range set.Items {
		if r.ID != reviewID {
			continue
		}
		// copy on write: readers may hold the previous slice
		next := set.Clone()
		next.Items[i] = r.WithReply(&reply)
		s.sets[placeID] = next
		return true
	}
	return false
}

// RefreshLater invalidates and reloads a place after delay, using the same
// parameters as its last load. A place never loaded in this session keeps its
// set, since nothing could reload it.
func (s *ReviewStore) RefreshLater(placeID string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshLocked(placeID, delay)
}

func (s *ReviewStore) refreshLocked(placeID string, delay time.Duration) {
	if t, ok := s.timers[placeID]; ok {
		t.Stop()
	}
	epoch := s.epoch
	s.timers[placeID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		delete(s.timers, placeID)
		reload := s.refresher[placeID]
		s.mu.Unlock()
		if reload == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Invalidate(ctx, placeID)
		if err := reload(ctx); err != nil {
			log.Warn().Err(err).Str("place_id", placeID).Msg("refresh after reply failed")
		}
	})
}

// Invalidate discards a place's set so the next read must load again.
func (s *ReviewStore) Invalidate(ctx context.Context, placeID string) {
	s.mu.Lock()
	delete(s.sets, placeID)
	s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.Del(ctx, s.cacheKey(placeID)); err != nil {
			log.Warn().Err(err).Str("place_id", placeID).Msg("review snapshot not evicted")
		}
	}
}

// InvalidateAll forgets every set, mark and view. Called when the account
// behind the session changes, since every set belongs to the old account.
func (s *ReviewStore) InvalidateAll(ctx context.Context) {
	s.mu.Lock()
	s.epoch++
	placeIDs := make([]string, 0, len(s.sets))
	for id := range s.sets {
		placeIDs = append(placeIDs, id)
	}
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.sets = map[string]domain.ReviewSet{}
	s.views = map[string]view{}
	s.marks = map[string]map[string]mark{}
	s.loadErr = map[string]error{}
	s.refresher = map[string]func(context.Context) error{}
	s.mu.Unlock()

	// the old account's loads would hold their slots until they end
	stopped := s.poller.CancelPrefix(loadSlotPrefix)

	// snapshots of the old account are keyed by it; nothing reads them again
	log.Info().Int("places", len(placeIDs)).Int("loads_stopped", stopped).Msg("all review sets invalidated")
}

// Close stops pending refreshes.
func (s *ReviewStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// ---- read side ----

func (s *ReviewStore) Snapshot(placeID string) (domain.ReviewSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[placeID]
	if !ok {
		return domain.ReviewSet{}, false
	}
	return set.Clone(), true
}

// Cached returns the in-memory set, falling back to the redis snapshot.
func (s *ReviewStore) Cached(ctx context.Context, placeID string) (domain.ReviewSet, bool) {
	if set, ok := s.Snapshot(placeID); ok {
		return set, true
	}
	if s.cache == nil {
		return domain.ReviewSet{}, false
	}
	var set domain.ReviewSet
	if ok, err := s.cache.Get(ctx, s.cacheKey(placeID), &set); err != nil || !ok {
		return domain.ReviewSet{}, false
	}
	s.mu.Lock()
	if _, raced := s.sets[placeID]; !raced {
		s.sets[placeID] = set
	}
	set = s.sets[placeID].Clone()
	s.mu.Unlock()
	return set, true
}

func (s *ReviewStore) Find(placeID, reviewID string) (domain.Review, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.sets[placeID].Items {
		if r.ID == reviewID {
			return r, true
		}
	}
	return domain.Review{}, false
}

// Matches counts reviews sharing key; more than one means a reply cannot be
// targeted reliably.
func (s *ReviewStore) Matches(placeID string, key domain.MatchKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.sets[placeID].Items {
		if r.MatchKey() == key {
			n++
		}
	}
	return n
}

func (s *ReviewStore) SetFilter(placeID string, p Predicate) {
	s.mu.Lock()
	s.views[placeID] = view{pred: p, page: 1}
	s.mu.Unlock()
}

func (s *ReviewStore) SetPage(placeID string, n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	v := s.viewOf(placeID)
	v.page = n
	s.views[placeID] = v
	s.mu.Unlock()
}

func (s *ReviewStore) Filter(placeID string) Predicate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewOf(placeID).pred
}

func (s *ReviewStore) PageNumber(placeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewOf(placeID).page
}

func (s *ReviewStore) viewOf(placeID string) view {
	v, ok := s.views[placeID]
	if !ok {
		return view{pred: FilterAll, page: 1}
	}
	return v
}

func (s *ReviewStore) Counts(placeID string) Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countOf(s.sets[placeID].Items)
}

// View computes the visible page from the current set, filter and page.
func (s *ReviewStore) View(placeID string) Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, loaded := s.sets[placeID]
	v := s.viewOf(placeID)

	filtered := filterReviews(set.Items, v.pred)
	size := s.cfg.PageSize
	return Page{
		PlaceID:    placeID,
		Predicate:  v.pred,
		Page:       v.page,
		PageSize:   size,
		TotalPages: (len(filtered) + size - 1) / size,
		Filtered:   len(filtered),
		Counts:     countOf(set.Items),
		Items:      paginate(filtered, v.page, size),
		FetchedAt:  set.FetchedAt,
		Loaded:     loaded,
	}
}

func (s *ReviewStore) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *ReviewStore) setLoadErr(placeID string, err error) {
	s.mu.Lock()
	s.loadErr[placeID] = err
	s.mu.Unlock()
	log.Warn().Err(err).Str("place_id", placeID).Msg("review load failed")
}

func countOf(items []domain.Review) Counts {
	c := Counts{All: len(items)}
	for _, r := range items {
		if r.HasReply {
			c.Replied++
		}
	}
	c.Unreplied = c.All - c.Replied
	return c
}

func filterReviews(items []domain.Review, p Predicate) []domain.Review {
	if p == FilterAll || p == "" {
		return items
	}
	out := make([]domain.Review, 0, len(items))
	for _, r := range items {
		if p.match(r) {
			out = append(out, r)
		}
	}
	return out
}

// paginate returns a copy of page n (1-based); out of range pages are empty.
func paginate(items []domain.Review, page, size int) []domain.Review {
	start := (page - 1) * size
	if page < 1 || start >= len(items) {
		return []domain.Review{}
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	out := make([]domain.Review, end-start)
	copy(out, items[start:end])
	return out
}
