package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"replydesk/internal/domain"
)

type ReplyState string

const (
	ReplyIdle       ReplyState = "idle"
	ReplyDrafting   ReplyState = "drafting"
	ReplyGenerating ReplyState = "generating"
	ReplySubmitting ReplyState = "submitting"
	ReplyPosted     ReplyState = "posted"
	ReplyError      ReplyState = "error"
)

// DraftContext is what the AI draft call knows besides the review itself.
type DraftContext struct {
	StoreName          string `json:"store_name"`
	CustomInstructions string `json:"custom_instructions"`
}

// FlowStatus is a point-in-time copy of a ReplyFlow.
type FlowStatus struct {
	ID       string        `json:"id"`
	PlaceID  string        `json:"place_id"`
	ReviewID string        `json:"review_id"`
	State    ReplyState    `json:"state"`
	Text     string        `json:"text"`
	Error    string        `json:"error,omitempty"`
	Code     string        `json:"error_code,omitempty"`
	TaskID   string        `json:"task_id,omitempty"`
	Review   domain.Review `json:"review"`
}

type ReplyConfig struct {
	RefreshDelay time.Duration
}

// ReplyDesk keeps one ReplyFlow per (place, review).
type ReplyDesk struct {
	store   *ReviewStore
	places  domain.PlaceAPI
	profile domain.ProfileAPI
	drafts  domain.DraftAPI
	poller  *Poller
	account func() string
	cfg     ReplyConfig

	mu    sync.Mutex
	flows map[string]*ReplyFlow
}

func NewReplyDesk(store *ReviewStore, places domain.PlaceAPI, profile domain.ProfileAPI, drafts domain.DraftAPI, poller *Poller, account func() string, cfg ReplyConfig) *ReplyDesk {
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = 3 * time.Second
	}
	if account == nil {
		account = func() string { return "default" }
	}
	return &ReplyDesk{
		store: store, places: places, profile: profile, drafts: drafts,
		poller: poller, account: account, cfg: cfg,
		flows: map[string]*ReplyFlow{},
	}
}

func flowKey(placeID, reviewID string) string { return placeID + "/" + reviewID }

const replySlotPrefix = "reply:"

func replySlot(placeID, reviewID string) string { return replySlotPrefix + placeID + ":" + reviewID }

// Open returns the flow for a review, creating it in the drafting state.
// The review must be in the place's current set.
func (d *ReplyDesk) Open(placeID, reviewID string) (*ReplyFlow, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.flows[flowKey(placeID, reviewID)]; ok {
		return f, nil
	}
	r, ok := d.store.Find(placeID, reviewID)
	if !ok {
		if _, loaded := d.store.Snapshot(placeID); !loaded {
			return nil, fmt.Errorf("place %s: %w", placeID, domain.ErrNoSet)
		}
		return nil, fmt.Errorf("review %s in %s: %w", reviewID, placeID, domain.ErrNotFound)
	}
	f := &ReplyFlow{
		id:       uuid.NewString(),
		desk:     d,
		placeID:  placeID,
		reviewID: reviewID,
		epoch:    d.store.currentEpoch(),
		review:   r,
		state:    ReplyDrafting,
	}
	if r.Reply != nil {
		f.text = r.Reply.Text
	}
	d.flows[flowKey(placeID, reviewID)] = f
	return f, nil
}

// Flow returns an open flow without creating one.
func (d *ReplyDesk) Flow(placeID, reviewID string) (*ReplyFlow, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.flows[flowKey(placeID, reviewID)]
	return f, ok
}

// Reset drops every flow and stops watching their reply tasks; used when the
// account changes. A reply already submitted still posts on the backend.
func (d *ReplyDesk) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n := d.poller.CancelPrefix(replySlotPrefix); n > 0 {
		log.Info().Int("replies", n).Msg("stopped watching replies of previous account")
	}
	for k, f := range d.flows {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		delete(d.flows, k)
	}
}

func (d *ReplyDesk) forget(f *ReplyFlow) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := flowKey(f.placeID, f.reviewID)
	if d.flows[k] == f {
		delete(d.flows, k)
	}
}

// ReplyFlow is the editing and posting state machine of one review reply.
type ReplyFlow struct {
	id       string
	desk     *ReplyDesk
	placeID  string
	reviewID string
	epoch    uint64 // store epoch the flow was opened in

	mu     sync.Mutex
	review domain.Review
	state  ReplyState
	text   string
	err    error
	task   *Handle
	closed bool
}

func (f *ReplyFlow) Status() FlowStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := FlowStatus{
		ID: f.id, PlaceID: f.placeID, ReviewID: f.reviewID,
		State: f.state, Text: f.text, Review: f.review,
	}
	if f.err != nil {
		st.Error = f.err.Error()
		st.Code = errorCode(f.err)
	}
	if f.task != nil {
		st.TaskID = f.task.ID()
	}
	return st
}

func (f *ReplyFlow) State() ReplyState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *ReplyFlow) Text() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text
}

func (f *ReplyFlow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Task is the outstanding or last postReply task, nil on the profile platform.
func (f *ReplyFlow) Task() *Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.task
}

func (f *ReplyFlow) SetText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return domain.ErrFlowClosed
	}
	if f.state == ReplySubmitting {
		return domain.ErrBusy
	}
	f.text = text
	if f.state == ReplyIdle {
		f.state = ReplyDrafting
	}
	return nil
}

// Close drops the flow. A submitted task keeps running and still updates
// the review list when it finishes.
func (f *ReplyFlow) Close() error {
	f.mu.Lock()
	if f.state == ReplySubmitting {
		f.mu.Unlock()
		return domain.ErrBusy
	}
	f.closed = true
	f.state = ReplyIdle
	f.mu.Unlock()
	f.desk.forget(f)
	return nil
}

// GenerateDraft asks for an AI reply and puts it in the editor. A failure
// leaves the current text alone; there is no automatic retry.
func (f *ReplyFlow) GenerateDraft(ctx context.Context, dc DraftContext) (string, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return "", domain.ErrFlowClosed
	}
	if f.state == ReplySubmitting || f.state == ReplyGenerating {
		f.mu.Unlock()
		return "", domain.ErrBusy
	}
	f.state = ReplyGenerating
	r := f.review
	f.mu.Unlock()

	rating := r.Rating
	if rating == 0 {
		rating = 3
	}
	req := domain.DraftRequest{ReviewText: r.Content, Rating: rating}
	if dc.StoreName != "" {
		req.StoreName = &dc.StoreName
	}
	if dc.CustomInstructions != "" {
		req.CustomInstructions = &dc.CustomInstructions
	}
	draft, err := f.desk.drafts.GenerateReply(ctx, req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = ReplyDrafting
	if err != nil {
		f.err = err
		log.Warn().Err(err).Str("review_id", r.ID).Msg("draft generation failed")
		return "", err
	}
	f.err = nil
	if !f.closed {
		f.text = draft
	}
	return draft, nil
}

// Post publishes text as the review's reply. On the profile platform this is
// synchronous and the returned handle is nil; on the place platform a
// postReply task is submitted and its handle returned.
func (f *ReplyFlow) Post(ctx context.Context, text string) (*Handle, error) {
	text = strings.TrimSpace(text)
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, domain.ErrFlowClosed
	}
	if f.state == ReplySubmitting || f.state == ReplyGenerating {
		f.mu.Unlock()
		return nil, domain.ErrBusy
	}
	if text == "" {
		f.mu.Unlock()
		return nil, domain.ErrEmptyReply
	}
	f.state = ReplySubmitting
	f.text = text
	f.err = nil
	r := f.review
	f.mu.Unlock()

	if r.Platform == domain.PlatformProfile {
		return nil, f.postProfile(ctx, r, text)
	}
	return f.postPlace(ctx, r, text)
}

func (f *ReplyFlow) postProfile(ctx context.Context, r domain.Review, text string) error {
	d := f.desk
	location := locationOf(r.ResourceName)
	if location == "" {
		location = f.placeID
	}
	err := d.profile.PostProfileReply(ctx, domain.ProfileReplyRequest{
		ReviewID: r.ID, ReplyText: text, LocationName: location,
	})
	if err != nil {
		f.fail(err)
		return err
	}
	f.posted(text)
	return nil
}

func (f *ReplyFlow) postPlace(ctx context.Context, r domain.Review, text string) (*Handle, error) {
	d := f.desk
	key := r.MatchKey()
	if n := d.store.Matches(f.placeID, key); n > 1 {
		err := fmt.Errorf("%d reviews by %q on %s: %w", n, key.Author, key.Date, domain.ErrAmbiguousMatch)
		f.fail(err)
		return nil, err
	}

	user := d.account()
	h, err := d.poller.Submit(ctx, Job{
		Slot: replySlot(f.placeID, r.ID),
		Kind: domain.TaskPostReply,
		Submit: func(ctx context.Context) (string, error) {
			return d.places.SubmitReply(ctx, domain.PlaceReplyRequest{
				PlaceID: f.placeID, Author: key.Author, Date: key.Date, Content: key.Content,
				ReplyText: text, UserID: user,
			})
		},
		OnDone: func(_ domain.TaskState, err error) {
			if err != nil {
				f.fail(err)
				return
			}
			f.posted(text)
		},
	})
	if err != nil {
		f.fail(err)
		return nil, err
	}
	f.mu.Lock()
	f.task = h
	f.mu.Unlock()
	return h, nil
}

// posted applies a confirmed reply to the review list. A flow dropped by an
// account change, or opened before one, leaves the list alone: it belongs to
// another account now.
func (f *ReplyFlow) posted(text string) {
	d := f.desk
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		log.Info().Str("place_id", f.placeID).Str("review_id", f.reviewID).Msg("reply posted for a dropped form")
		return
	}
	applied := d.store.confirmReply(f.epoch, f.placeID, f.reviewID, text, d.cfg.RefreshDelay)

	var (
		r     domain.Review
		found bool
	)
	if applied {
		r, found = d.store.Find(f.placeID, f.reviewID)
	}
	f.mu.Lock()
	if found {
		f.review = r
	}
	f.state = ReplyPosted
	f.err = nil
	f.mu.Unlock()

	log.Info().Str("place_id", f.placeID).Str("review_id", f.reviewID).Bool("applied", applied).Msg("reply posted")
}

// fail keeps the text so the user can retry as is. Nothing was marked yet, so
// the review list is left alone.
func (f *ReplyFlow) fail(err error) {
	f.mu.Lock()
	closed := f.closed
	f.state = ReplyError
	f.err = err
	f.mu.Unlock()
	if closed {
		return
	}
	ev := log.Warn().Err(err).Str("place_id", f.placeID).Str("review_id", f.reviewID)
	if errors.Is(err, domain.ErrReviewNotMatched) {
		ev = ev.Bool("refresh_advised", true)
	}
	ev.Msg("reply failed")
}

// errorCode gives the UI a stable handle on the failure family.
func errorCode(err error) string {
	var te *domain.TaskError
	switch {
	case errors.Is(err, domain.ErrReviewNotMatched):
		return "review_not_matched"
	case errors.Is(err, domain.ErrAmbiguousMatch):
		return "ambiguous_match"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrBusy):
		return "busy"
	case errors.As(err, &te):
		return "task_" + string(te.Code)
	case domain.Retryable(err):
		return "transient"
	}
	return "error"
}
