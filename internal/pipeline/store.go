package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"heartcards/internal/domain"
)

// Store keeps run state in memory. Every mutation of a run happens under
// that run's own lock so the orchestrator and webhook deliveries never
// interleave on the same request.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*run
	now  func() time.Time
}

type run struct {
	mu           sync.Mutex
	snap         domain.Snapshot
	cancel       context.CancelFunc
	pendingSince time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{runs: make(map[string]*run), now: time.Now}
}

// Begin registers a new run with every stage pending. A request id can only
// be registered once. cancel, when set, is what Cancel invokes until the
// run clears it.
func (s *Store) Begin(req domain.GenerationRequest, cancel context.CancelFunc) (domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[req.ID]; ok {
		return domain.Snapshot{}, fmt.Errorf("%w: %s", domain.ErrDuplicateRun, req.ID)
	}
	stages := make([]domain.StageState, len(domain.Stages))
	for i, id := range domain.Stages {
		stages[i] = domain.StageState{ID: id, Status: domain.StagePending}
	}
	r := &run{snap: domain.Snapshot{
		Request:   req,
		Stages:    stages,
		Outcome:   domain.OutcomeRunning,
		UpdatedAt: s.now(),
	}, cancel: cancel}
	s.runs[req.ID] = r
	return copySnapshot(r.snap), nil
}

// Snapshot returns a copy of the run's current state.
func (s *Store) Snapshot(id string) (domain.Snapshot, error) {
	r, err := s.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return copySnapshot(r.snap), nil
}

// Update runs fn with exclusive access to one run. Changes made through the
// Entry are kept even when fn returns an error, so callers should return
// before mutating when a precondition fails.
func (s *Store) Update(id string, fn func(e *Entry) error) (domain.Snapshot, error) {
	r, err := s.get(id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &Entry{run: r, now: s.now()}
	err = fn(e)
	if e.dirty {
		r.snap.Outcome = outcomeOf(r)
		r.snap.UpdatedAt = e.now
	}
	return copySnapshot(r.snap), err
}

// Cancel stops an in-flight run. It reports whether a cancel func was registered.
func (s *Store) Cancel(id string) (bool, error) {
	r, err := s.get(id)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel == nil {
		return false, nil
	}
	cancel()
	return true, nil
}

// AwaitingSince lists runs whose assembly stage has been waiting for a
// webhook since before cutoff, oldest first.
func (s *Store) AwaitingSince(cutoff time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type item struct {
		id    string
		since time.Time
	}
	var items []item
	for id, r := range s.runs {
		r.mu.Lock()
		if r.snap.Outcome == domain.OutcomeSubmitted && !r.pendingSince.IsZero() && r.pendingSince.Before(cutoff) {
			items = append(items, item{id: id, since: r.pendingSince})
		}
		r.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].since.Before(items[j].since) })
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.id
	}
	return ids
}

// Prune drops terminal runs last updated before cutoff and returns how many
// were removed.
func (s *Store) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, r := range s.runs {
		r.mu.Lock()
		drop := r.snap.Outcome.Terminal() && r.cancel == nil && r.snap.UpdatedAt.Before(cutoff)
		r.mu.Unlock()
		if drop {
			delete(s.runs, id)
			removed++
		}
	}
	return removed
}

// Len reports how many runs are tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}

func (s *Store) get(id string) (*run, error) {
	s.mu.RLock()
	r, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: run %s", domain.ErrNotFound, id)
	}
	return r, nil
}

// Entry is the mutable view of a run handed to Update callbacks. Its
// methods enforce the stage state machine.
type Entry struct {
	run   *run
	now   time.Time
	dirty bool
}

// Request returns the run's generation request.
func (e *Entry) Request() domain.GenerationRequest { return e.run.snap.Request }

// Stage returns the current state of a stage.
func (e *Entry) Stage(id domain.StageID) domain.StageState {
	st, _ := e.run.snap.Stage(id)
	return st
}

// Outcome returns the run's current outcome.
func (e *Entry) Outcome() domain.Outcome { return outcomeOf(e.run) }

// Start moves a pending stage to processing. Every earlier stage must be
// completed and no stage may have failed.
func (e *Entry) Start(id domain.StageID) error {
	idx := e.index(id)
	if idx < 0 {
		return fmt.Errorf("%w: unknown stage %s", domain.ErrStageOrder, id)
	}
	stages := e.run.snap.Stages
	for i := 0; i < idx; i++ {
		if stages[i].Status != domain.StageCompleted {
			return fmt.Errorf("%w: %s before %s completed", domain.ErrStageOrder, id, stages[i].ID)
		}
	}
	if stages[idx].Status != domain.StagePending {
		return fmt.Errorf("%w: %s is %s", domain.ErrStageOrder, id, stages[idx].Status)
	}
	now := e.now
	stages[idx].Status = domain.StageProcessing
	stages[idx].StartedAt = &now
	e.dirty = true
	return nil
}

// Complete finishes a processing stage with its payload.
func (e *Entry) Complete(id domain.StageID, payload any, preview domain.PreviewHint) error {
	st, err := e.processing(id)
	if err != nil {
		return err
	}
	now := e.now
	st.Status = domain.StageCompleted
	st.Result = payload
	st.Preview = previewPtr(preview)
	st.Error, st.ErrorKind = "", ""
	st.FinishedAt = &now
	if id == domain.StageAssembly {
		e.run.pendingSince = time.Time{}
	}
	e.dirty = true
	return nil
}

// Fail marks a processing stage as errored. Later stages stay pending.
func (e *Entry) Fail(id domain.StageID, kind, message string) error {
	st, err := e.processing(id)
	if err != nil {
		return err
	}
	now := e.now
	st.Status = domain.StageError
	st.Error = message
	st.ErrorKind = kind
	st.FinishedAt = &now
	if id == domain.StageAssembly {
		e.run.pendingSince = time.Time{}
	}
	e.dirty = true
	return nil
}

// AwaitWebhook records that the assembly provider accepted the render
// asynchronously. The stage stays processing.
func (e *Entry) AwaitWebhook(payload any, preview domain.PreviewHint) error {
	st, err := e.processing(domain.StageAssembly)
	if err != nil {
		return err
	}
	st.Result = payload
	st.Preview = previewPtr(preview)
	e.run.pendingSince = e.now
	e.dirty = true
	return nil
}

// SetDownloadURL records the final card URL on the snapshot.
func (e *Entry) SetDownloadURL(u string) {
	e.run.snap.DownloadURL = u
	e.dirty = true
}

// PendingSince is when the run started waiting for a webhook, or zero.
func (e *Entry) PendingSince() time.Time { return e.run.pendingSince }

func (e *Entry) setCancel(cancel context.CancelFunc) {
	e.run.cancel = cancel
}

func (e *Entry) index(id domain.StageID) int {
	for i, st := range e.run.snap.Stages {
		if st.ID == id {
			return i
		}
	}
	return -1
}

func (e *Entry) processing(id domain.StageID) (*domain.StageState, error) {
	idx := e.index(id)
	if idx < 0 {
		return nil, fmt.Errorf("%w: unknown stage %s", domain.ErrStageOrder, id)
	}
	st := &e.run.snap.Stages[idx]
	switch st.Status {
	case domain.StageProcessing:
		return st, nil
	case domain.StageCompleted, domain.StageError:
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrStageTerminal, id, st.Status)
	}
	return nil, fmt.Errorf("%w: %s is %s", domain.ErrStageOrder, id, st.Status)
}

func outcomeOf(r *run) domain.Outcome {
	completed := 0
	for _, st := range r.snap.Stages {
		switch st.Status {
		case domain.StageError:
			return domain.OutcomeFailed
		case domain.StageCompleted:
			completed++
		}
	}
	if completed == len(r.snap.Stages) {
		return domain.OutcomeCompleted
	}
	if !r.pendingSince.IsZero() {
		return domain.OutcomeSubmitted
	}
	return domain.OutcomeRunning
}

func previewPtr(p domain.PreviewHint) *domain.PreviewHint {
	if p == (domain.PreviewHint{}) {
		return nil
	}
	return &p
}

func copySnapshot(s domain.Snapshot) domain.Snapshot {
	out := s
	out.Stages = make([]domain.StageState, len(s.Stages))
	copy(out.Stages, s.Stages)
	for i := range out.Stages {
		if p := out.Stages[i].Preview; p != nil {
			cp := *p
			out.Stages[i].Preview = &cp
		}
	}
	return out
}
