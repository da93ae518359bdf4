package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"replydesk/internal/adapters/observability"
	"replydesk/internal/domain"
)

// Job describes one "submit now, observe later" operation.
type Job struct {
	// Slot names the logical owner (a place's load, a review's reply).
	// Only one task may be outstanding per slot.
	Slot   string
	Kind   domain.TaskKind
	Submit func(ctx context.Context) (taskID string, err error)

	// OnUpdate sees every non-terminal observation.
	OnUpdate func(domain.TaskState)
	// OnDone runs once, before Handle.Done is closed. err is nil only for a
	// completed task.
	OnDone func(st domain.TaskState, err error)
}

type PollerConfig struct {
	Interval    time.Duration // between status reads
	MaxFailures int           // consecutive failed reads before giving up locally
	Timeout     time.Duration // overall local wait; 0 disables
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 30
	}
	return c
}

// Poller tracks backend tasks by polling their status endpoint.
type Poller struct {
	api  domain.TaskAPI
	cfg  PollerConfig
	base context.Context
	stop context.CancelFunc

	mu    sync.Mutex
	slots map[string]*Handle
	wg    sync.WaitGroup
}

func NewPoller(api domain.TaskAPI, cfg PollerConfig) *Poller {
	base, stop := context.WithCancel(context.Background())
	return &Poller{api: api, cfg: cfg.withDefaults(), base: base, stop: stop, slots: map[string]*Handle{}}
}

// Submit reserves the job's slot, submits the task and starts polling it.
// An occupied slot yields domain.ErrBusy without touching the outstanding task.
func (p *Poller) Submit(ctx context.Context, job Job) (*Handle, error) {
	h := &Handle{slot: job.Slot, kind: job.Kind, done: make(chan struct{})}

	p.mu.Lock()
	if p.base.Err() != nil {
		p.mu.Unlock()
		return nil, context.Canceled
	}
	if _, busy := p.slots[job.Slot]; busy {
		p.mu.Unlock()
		return nil, domain.ErrBusy
	}
	p.slots[job.Slot] = h // reserved before the network call
	p.mu.Unlock()

	id, err := job.Submit(ctx)
	if err != nil {
		p.release(h)
		return nil, err
	}

	var (
		pctx   context.Context
		cancel context.CancelFunc
	)
	if p.cfg.Timeout > 0 {
		pctx, cancel = context.WithTimeout(p.base, p.cfg.Timeout)
	} else {
		pctx, cancel = context.WithCancel(p.base)
	}

	p.mu.Lock()
	h.id = id
	h.cancel = cancel
	if h.stopped {
		cancel() // canceled while the submit call was in flight
	}
	h.mu.Lock()
	h.state = domain.TaskState{ID: id, Kind: job.Kind, Status: domain.TaskPending}
	h.mu.Unlock()
	p.mu.Unlock()

	log.Info().Str("task_id", id).Str("kind", string(job.Kind)).Str("slot", job.Slot).Msg("task submitted")
	observability.ObserveTaskStart()

	p.wg.Add(1)
	go p.run(pctx, h, job)
	return h, nil
}

// Active returns the outstanding handle for slot, if any.
func (p *Poller) Active(slot string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.slots[slot]
	if !ok || h.id == "" {
		return nil, false
	}
	return h, true
}

// Cancel stops local polling of the task in slot and frees the slot at once,
// so a new job may take it before the old loop has wound down.
func (p *Poller) Cancel(slot string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.slots[slot]
	if !ok {
		return false
	}
	p.stopLocked(h)
	return true
}

// CancelPrefix cancels every slot starting with prefix and returns how many.
func (p *Poller) CancelPrefix(prefix string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for slot, h := range p.slots {
		if strings.HasPrefix(slot, prefix) {
			p.stopLocked(h)
			n++
		}
	}
	return n
}

func (p *Poller) stopLocked(h *Handle) {
	delete(p.slots, h.slot)
	h.stopped = true
	if h.cancel != nil {
		h.cancel()
	}
}

// Close stops every poll loop. Backend tasks keep running.
func (p *Poller) Close() {
	p.stop()
	p.wg.Wait()
}

func (p *Poller) release(h *Handle) {
	p.mu.Lock()
	if p.slots[h.slot] == h {
		delete(p.slots, h.slot)
	}
	p.mu.Unlock()
}

// run reads the status strictly sequentially until a terminal state.
func (p *Poller) run(ctx context.Context, h *Handle, job Job) {
	defer p.wg.Done()
	defer h.cancel()

	kind := string(job.Kind)
	failures := 0
	timer := time.NewTimer(0) // first read right away
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.finishCanceled(ctx, h, job)
			return
		case <-timer.C:
		}

		st, err := p.api.TaskStatus(ctx, h.id)
		observability.ObservePoll(kind, err)
		if err != nil {
			if ctx.Err() != nil {
				p.finishCanceled(ctx, h, job)
				return
			}
			if errors.Is(err, domain.ErrUnauthorized) {
				p.finish(h, job, err, "failed")
				return
			}
			failures++
			log.Warn().Err(err).Str("task_id", h.id).Int("failures", failures).Msg("task poll failed")
			if failures >= p.cfg.MaxFailures {
				p.finish(h, job, &domain.TaskError{
					TaskID: h.id, Kind: job.Kind, Code: domain.TaskErrorLocal,
					Message: "task status unavailable: " + err.Error(),
				}, "local")
				return
			}
			timer.Reset(p.cfg.Interval)
			continue
		}
		failures = 0

		if !h.observe(st) {
			return // already terminal
		}
		snap := h.Snapshot()
		switch snap.Status {
		case domain.TaskCompleted:
			p.finish(h, job, nil, "completed")
			return
		case domain.TaskFailed:
			p.finish(h, job, domain.NewTaskFailure(h.id, job.Kind, snap.Error), "failed")
			return
		}
		if job.OnUpdate != nil {
			job.OnUpdate(snap)
		}
		timer.Reset(p.cfg.Interval)
	}
}

func (p *Poller) finishCanceled(ctx context.Context, h *Handle, job Job) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.finish(h, job, &domain.TaskError{
			TaskID: h.id, Kind: job.Kind, Code: domain.TaskErrorLocal,
			Message: "gave up waiting for task",
		}, "local")
		return
	}
	p.finish(h, job, context.Canceled, "canceled")
}

func (p *Poller) finish(h *Handle, job Job, err error, outcome string) {
	st := h.Snapshot()
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()

	observability.ObserveTaskEnd(string(job.Kind), outcome)
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("task_id", h.id).Str("kind", string(job.Kind)).Str("outcome", outcome).Msg("task finished")

	// the slot stays taken until the outcome is consumed
	if job.OnDone != nil {
		job.OnDone(st, err)
	}
	p.release(h)
	close(h.done)
}

// Handle is the local view of one submitted task.
type Handle struct {
	slot   string
	kind   domain.TaskKind
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	stopped bool // guarded by Poller.mu

	mu    sync.Mutex
	state domain.TaskState
	err   error
}

func (h *Handle) ID() string            { return h.id }
func (h *Handle) Kind() domain.TaskKind { return h.kind }
func (h *Handle) Slot() string          { return h.slot }

// Done is closed once the outcome has been delivered.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) Snapshot() domain.TaskState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err is the outcome after Done; nil means completed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the task finishes or ctx ends. Leaving early does not
// stop polling.
func (h *Handle) Wait(ctx context.Context) (domain.TaskState, error) {
	select {
	case <-h.done:
		return h.Snapshot(), h.Err()
	case <-ctx.Done():
		return h.Snapshot(), ctx.Err()
	}
}

// Cancel stops local polling only; the backend task may still run.
func (h *Handle) Cancel() {
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *Handle) observe(next domain.TaskState) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	next.ID, next.Kind = h.id, h.kind
	st, ok := h.state.Advance(next)
	h.state = st
	return ok
}
