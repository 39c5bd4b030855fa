package runs

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Run states.
const (
	StatusQueued    = "QUEUED"
	StatusExecuting = "EXECUTING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCanceled  = "CANCELED"
)

// Failure codes recorded by the runner.
const (
	CodeGenerationFailed    = "GENERATION_FAILED"
	CodeMaxDurationExceeded = "MAX_DURATION_EXCEEDED"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeTriggerError        = "TRIGGER_ERROR"
)

var (
	// ErrNotFound is returned for unknown or expired run ids.
	ErrNotFound = errors.New("runs: not found")
	// ErrTerminal is returned when a transition targets a finished run.
	ErrTerminal = errors.New("runs: run already finished")
	// ErrInvalidTransition is returned for transitions the state machine forbids.
	ErrInvalidTransition = errors.New("runs: invalid transition")
)

// Payload is the input of one generation run.
type Payload struct {
	UserID      string `json:"userId"`
	Theme       string `json:"theme"`
	Description string `json:"description"`
	Size        string `json:"size"`
}

// Output is the terminal payload of a completed run.
type Output struct {
	Text        string  `json:"text"`
	Image       *string `json:"image"`
	ImageBase64 *string `json:"imageBase64"`
}

// Error is the terminal payload of a failed run.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is a snapshot of one run record.
type Run struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Status     string     `json:"status"`
	Payload    Payload    `json:"-"`
	Attempts   int        `json:"attempts"`
	Output     *Output    `json:"output,omitempty"`
	Error      *Error     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Terminal reports whether no further transition can happen.
func (r Run) Terminal() bool {
	return IsTerminal(r.Status)
}

// IsTerminal reports whether status is COMPLETED, FAILED or CANCELED.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

type entry struct {
	run     Run
	changed chan struct{}
}

// Store is a bounded in-memory registry of runs. Finished runs expire after ttl;
// above maxRuns the oldest finished runs are evicted first. Queued and executing
// runs are never evicted.
type Store struct {
	mu      sync.Mutex
	runs    map[string]*entry
	order   []string
	ttl     time.Duration
	maxRuns int
	now     func() time.Time
}

// NewStore constructs a Store.
func NewStore(ttl time.Duration, maxRuns int) *Store {
	return &Store{
		runs:    make(map[string]*entry),
		order:   make([]string, 0),
		ttl:     ttl,
		maxRuns: maxRuns,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Create registers a new QUEUED run.
func (s *Store) Create(payload Payload) Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := &entry{
		run: Run{
			ID:        uuid.NewString(),
			UserID:    strings.TrimSpace(payload.UserID),
			Status:    StatusQueued,
			Payload:   payload,
			CreatedAt: now,
		},
		changed: make(chan struct{}),
	}
	s.runs[e.run.ID] = e
	s.order = append(s.order, e.run.ID)
	s.cleanupExpiredLocked(now)
	s.enforceMaxRunsLocked()

	return cloneRun(&e.run)
}

// Get returns a snapshot of the run.
func (s *Store) Get(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return cloneRun(&e.run), true
}

// Watch returns the current snapshot and a channel closed on the next
// transition or when the run is evicted.
func (s *Store) Watch(id string) (Run, <-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[id]
	if !ok {
		return Run{}, nil, false
	}
	return cloneRun(&e.run), e.changed, true
}

// Start moves a QUEUED run to EXECUTING.
func (s *Store) Start(id string) error {
	return s.transition(id, func(r *Run, now time.Time) error {
		if r.Status != StatusQueued {
			if r.Terminal() {
				return ErrTerminal
			}
			return ErrInvalidTransition
		}
		r.Status = StatusExecuting
		r.StartedAt = &now
		return nil
	})
}

// RecordAttempt increments the attempt counter of an executing run and returns it.
func (s *Store) RecordAttempt(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[id]
	if !ok || e.run.Status != StatusExecuting {
		return 0
	}
	e.run.Attempts++
	return e.run.Attempts
}

// Complete moves an EXECUTING run to COMPLETED with output.
func (s *Store) Complete(id string, output Output) error {
	return s.transition(id, func(r *Run, now time.Time) error {
		if r.Status != StatusExecuting {
			if r.Terminal() {
				return ErrTerminal
			}
			return ErrInvalidTransition
		}
		out := output
		r.Status = StatusCompleted
		r.Output = &out
		r.FinishedAt = &now
		return nil
	})
}

// Fail moves a QUEUED or EXECUTING run to FAILED.
func (s *Store) Fail(id string, runErr Error) error {
	return s.transition(id, func(r *Run, now time.Time) error {
		if r.Terminal() {
			return ErrTerminal
		}
		e := runErr
		r.Status = StatusFailed
		r.Error = &e
		r.FinishedAt = &now
		return nil
	})
}

// Cancel moves a QUEUED or EXECUTING run to CANCELED.
func (s *Store) Cancel(id string) error {
	return s.transition(id, func(r *Run, now time.Time) error {
		if r.Terminal() {
			return ErrTerminal
		}
		r.Status = StatusCanceled
		r.FinishedAt = &now
		return nil
	})
}

// CleanupExpired drops finished runs past their ttl and enforces maxRuns.
func (s *Store) CleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked(s.now())
	s.enforceMaxRunsLocked()
}

// Len returns the number of tracked runs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *Store) transition(id string, apply func(r *Run, now time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	if errApply := apply(&e.run, now); errApply != nil {
		return errApply
	}
	close(e.changed)
	e.changed = make(chan struct{})
	if e.run.Terminal() {
		s.cleanupExpiredLocked(now)
		s.enforceMaxRunsLocked()
	}
	return nil
}

func (s *Store) cleanupExpiredLocked(now time.Time) {
	if s.ttl <= 0 || len(s.order) == 0 {
		return
	}

	kept := make([]string, 0, len(s.order))
	for _, id := range s.order {
		e, ok := s.runs[id]
		if !ok {
			continue
		}
		if e.run.FinishedAt != nil && now.Sub(*e.run.FinishedAt) >= s.ttl {
			s.evictLocked(id)
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
}

func (s *Store) enforceMaxRunsLocked() {
	if s.maxRuns <= 0 {
		return
	}
	for len(s.runs) > s.maxRuns {
		index := s.oldestFinishedIndexLocked()
		if index < 0 {
			return
		}
		s.evictLocked(s.order[index])
		s.order = append(s.order[:index], s.order[index+1:]...)
	}
}

func (s *Store) oldestFinishedIndexLocked() int {
	for i, id := range s.order {
		e, ok := s.runs[id]
		if ok && e.run.FinishedAt != nil {
			return i
		}
	}
	return -1
}

// evictLocked wakes watchers of id and forgets it. The caller updates order.
func (s *Store) evictLocked(id string) {
	if e, ok := s.runs[id]; ok {
		close(e.changed)
		delete(s.runs, id)
	}
}

func cloneRun(src *Run) Run {
	if src == nil {
		return Run{}
	}
	cloned := *src
	if src.Output != nil {
		out := *src.Output
		cloned.Output = &out
	}
	if src.Error != nil {
		e := *src.Error
		cloned.Error = &e
	}
	if src.StartedAt != nil {
		t := *src.StartedAt
		cloned.StartedAt = &t
	}
	if src.FinishedAt != nil {
		t := *src.FinishedAt
		cloned.FinishedAt = &t
	}
	return cloned
}
