package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mkarlsen/quantd/internal/model"
	"github.com/mkarlsen/quantd/internal/notify"
	"github.com/mkarlsen/quantd/internal/store"
)

// ErrConflict is returned by Create when a single-active class already has a
// pending or running job.
var ErrConflict = errors.New("job class already has an active job")

// cancelWait bounds how long Cancel waits for the owning task to unwind.
// Cancellation is cooperative; a work function that never observes its
// context keeps running, but the job record is already terminal.
const cancelWait = 5 * time.Second

// CancelOutcome is the result of a Cancel call.
type CancelOutcome int

// Cancel outcomes.
const (
	CancelDone CancelOutcome = iota
	CancelNotFound
	CancelNotCancellable
)

// Update carries the optional fields of a status update.
type Update struct {
	Message  string
	Progress *model.Progress
	Result   json.RawMessage
	Error    string
}

// entry pairs a job record with its task handle. cancel and done are set by
// Attach once the execution bridge has launched the orchestration goroutine.
type entry struct {
	job    model.Job
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Registry owns the in-process job table and enforces the job state machine.
// It is constructed once in main and passed by handle to the execution
// bridge and the HTTP layer. All mutation happens under a single mutex;
// callers only ever see snapshots.
//
// Terminal transitions are written through to the durable store so history
// and stats survive registry eviction. Persistence failures are logged and
// never abort the transition.
type Registry struct {
	mu       sync.Mutex
	jobs     map[string]*entry
	notifier *notify.Notifier
	store    store.Store
	logger   *slog.Logger
}

// NewRegistry creates a registry. store may be nil when durability is not
// needed (tests).
func NewRegistry(n *notify.Notifier, s store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		jobs:     make(map[string]*entry),
		notifier: n,
		store:    s,
		logger:   logger,
	}
}

// Notifier returns the registry's notifier for stream subscription.
func (r *Registry) Notifier() *notify.Notifier {
	return r.notifier
}

// Create registers a new pending job of the given class. For single-active
// classes it atomically checks that no job of that class is pending or
// running and returns ErrConflict if one is.
func (r *Registry) Create(class model.Class, payload json.RawMessage) (*model.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if model.SingleActive(class) {
		for _, e := range r.jobs {
			if e.job.Class == class && !e.job.Status.Terminal() {
				return nil, ErrConflict
			}
		}
	}

	j := model.Job{
		ID:        model.NewID(),
		Class:     class,
		Status:    model.StatusPending,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	r.jobs[j.ID] = &entry{job: j}
	recordCreated()
	r.persist(&j)

	snap := j
	return &snap, nil
}

// Attach binds the owning task's cancel function and completion channel to
// the job. Called by the execution bridge before the task starts; done must
// be closed when the orchestration goroutine exits.
func (r *Registry) Attach(id string, cancel context.CancelFunc, done <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.jobs[id]; ok {
		e.cancel = cancel
		e.done = done
	}
}

// Get returns a snapshot of the job, if known.
func (r *Registry) Get(id string) (*model.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[id]
	if !ok {
		return nil, false
	}
	snap := e.job
	return &snap, true
}

// UpdateStatus applies a status transition with optional fields. It is a
// no-op if the job is unknown, already terminal, or the transition is not
// allowed. Updating a running job to running refreshes progress and message
// without transitioning. StartedAt is set exactly once, on the first
// transition to running. Terminal transitions set CompletedAt, publish the
// terminal event, and close the job's event stream.
//
// It returns the post-update snapshot, or nil if nothing was applied.
func (r *Registry) UpdateStatus(id string, status model.Status, upd Update) *model.Job {
	r.mu.Lock()

	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	j := &e.job
	if j.Status.Terminal() {
		r.mu.Unlock()
		return nil
	}

	sameStatus := j.Status == status
	if !sameStatus && !model.ValidTransition(j.Status, status) {
		r.mu.Unlock()
		return nil
	}

	if status == model.StatusRunning && j.StartedAt == nil {
		now := time.Now().UTC()
		j.StartedAt = &now
	}
	j.Status = status
	if upd.Progress != nil {
		p := *upd.Progress
		j.Progress = &p
	}
	if upd.Result != nil {
		j.Result = upd.Result
	}
	if upd.Error != "" {
		j.Error = upd.Error
	}
	if status.Terminal() {
		now := time.Now().UTC()
		j.CompletedAt = &now
		if e.cancel != nil {
			// Stop the owning task if it is still running; redundant when
			// the task itself drove the transition.
			e.cancel()
		}
	}

	snap := *j
	statusChanged := !sameStatus
	r.mu.Unlock()

	if status.Terminal() {
		recordTerminal(snap.Class, snap.Status)
	}

	if statusChanged || status.Terminal() {
		r.persist(&snap)
	}

	ev := model.Event{
		JobID:    snap.ID,
		Status:   snap.Status,
		Progress: snap.Progress,
		Message:  upd.Message,
	}
	if snap.Status == model.StatusFailed && ev.Message == "" {
		ev.Message = snap.Error
	}
	if snap.Status == model.StatusCompleted {
		ev.Data = snap.Result
	}
	r.notifier.Publish(snap.ID, ev)
	if snap.Status.Terminal() {
		r.notifier.Close(snap.ID)
	}

	return &snap
}

// Cancel requests cancellation of a pending or running job. Cancelling an
// already-cancelled job is idempotent and returns the existing record;
// cancelling a completed or failed job reports CancelNotCancellable.
// On success it signals the owning task and waits (bounded) for it to unwind.
func (r *Registry) Cancel(id string) (*model.Job, CancelOutcome) {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, CancelNotFound
	}
	if e.job.Status == model.StatusCancelled {
		snap := e.job
		r.mu.Unlock()
		return &snap, CancelDone
	}
	if e.job.Status.Terminal() {
		r.mu.Unlock()
		return nil, CancelNotCancellable
	}
	done := e.done
	r.mu.Unlock()

	snap := r.UpdateStatus(id, model.StatusCancelled, Update{Message: "cancelled by request"})
	if snap == nil {
		// Lost the race to another terminal transition.
		r.mu.Lock()
		cur := e.job
		r.mu.Unlock()
		if cur.Status == model.StatusCancelled {
			return &cur, CancelDone
		}
		return nil, CancelNotCancellable
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(cancelWait):
			r.logger.Warn("job did not unwind within cancel wait", "job_id", id)
		}
	}

	return snap, CancelDone
}

// CleanupOld evicts terminal jobs beyond the retention count, oldest first
// (by completion time, then creation time), dropping their event topics.
// It returns the number of jobs evicted. Durable history is unaffected.
func (r *Registry) CleanupOld(retain int) int {
	if retain < 0 {
		retain = 0
	}

	r.mu.Lock()
	var terminal []*entry
	for _, e := range r.jobs {
		if e.job.Status.Terminal() {
			terminal = append(terminal, e)
		}
	}
	if len(terminal) <= retain {
		r.mu.Unlock()
		return 0
	}

	sort.Slice(terminal, func(i, j int) bool {
		ti, tj := evictionTime(&terminal[i].job), evictionTime(&terminal[j].job)
		if ti.Equal(tj) {
			return terminal[i].job.ID < terminal[j].job.ID
		}
		return ti.Before(tj)
	})

	evict := terminal[:len(terminal)-retain]
	ids := make([]string, len(evict))
	for i, e := range evict {
		ids[i] = e.job.ID
		delete(r.jobs, e.job.ID)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.notifier.Remove(id)
	}
	return len(ids)
}

// Running returns the number of non-terminal jobs, for metrics.
func (r *Registry) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.jobs {
		if !e.job.Status.Terminal() {
			n++
		}
	}
	return n
}

func evictionTime(j *model.Job) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.CreatedAt
}

// persist writes the job record through to the durable store, best effort.
func (r *Registry) persist(j *model.Job) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if j.Status == model.StatusPending && j.StartedAt == nil {
		err = r.store.CreateJob(ctx, j)
	} else {
		err = r.store.UpdateJob(ctx, j)
	}
	if err != nil {
		r.logger.Error("persist job", "job_id", j.ID, "status", j.Status, "error", err)
	}
}
