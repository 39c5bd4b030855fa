package runs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultJanitorInterval = time.Minute

var (
	// ErrQueueFull is returned by Enqueue when the run queue is at capacity.
	ErrQueueFull = errors.New("runs: queue full")
	// ErrShuttingDown is returned by Enqueue after Shutdown began.
	ErrShuttingDown = errors.New("runs: runner shutting down")
)

// Execution is handed to the Handler for one run.
type Execution struct {
	RunID   string
	Payload Payload
	store   *Store
}

// BeginAttempt records the start of one attempt and returns its 1-based number.
func (e *Execution) BeginAttempt() int {
	if e == nil || e.store == nil {
		return 0
	}
	return e.store.RecordAttempt(e.RunID)
}

// Handler executes one run. A returned error carrying a Code() string method
// sets the failure code, otherwise GENERATION_FAILED is recorded.
type Handler func(ctx context.Context, exec *Execution) (Output, error)

// Options tunes a Runner.
type Options struct {
	Workers         int
	QueueSize       int
	MaxDuration     time.Duration
	JanitorInterval time.Duration
}

// Runner executes queued runs on a fixed pool of workers.
type Runner struct {
	store   *Store
	handler Handler
	opts    Options
	queue   chan string

	mu      sync.Mutex
	closed  bool
	cancels map[string]context.CancelFunc

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	startOnce  sync.Once
}

// NewRunner constructs a Runner. Call Start before Enqueue.
func NewRunner(store *Store, handler Handler, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = defaultJanitorInterval
	}
	return &Runner{
		store:   store,
		handler: handler,
		opts:    opts,
		queue:   make(chan string, opts.QueueSize),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Store returns the run registry.
func (r *Runner) Store() *Store {
	if r == nil {
		return nil
	}
	return r.store
}

// Start launches the workers and the janitor. Runs in flight are cancelled when
// ctx is done.
func (r *Runner) Start(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.startOnce.Do(func() {
		r.baseCtx, r.baseCancel = context.WithCancel(ctx)
		for i := 0; i < r.opts.Workers; i++ {
			r.wg.Add(1)
			go r.worker()
		}
		go r.janitor(r.baseCtx)
		log.Infof("run runner started (workers=%d queue=%d max_duration=%s)", r.opts.Workers, r.opts.QueueSize, r.opts.MaxDuration)
	})
}

// Enqueue registers a QUEUED run for payload and hands it to the workers
// without blocking.
func (r *Runner) Enqueue(ctx context.Context, payload Payload) (Run, error) {
	if r == nil || r.store == nil {
		return Run{}, errors.New("runs: runner not configured")
	}
	if ctx != nil && ctx.Err() != nil {
		return Run{}, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Run{}, ErrShuttingDown
	}
	run := r.store.Create(payload)
	select {
	case r.queue <- run.ID:
		return run, nil
	default:
		_ = r.store.Fail(run.ID, Error{Code: CodeTriggerError, Message: "run queue is full"})
		return Run{}, ErrQueueFull
	}
}

// Cancel marks the run CANCELED and interrupts it if it is executing.
func (r *Runner) Cancel(id string) error {
	if r == nil || r.store == nil {
		return ErrNotFound
	}
	if errCancel := r.store.Cancel(id); errCancel != nil {
		return errCancel
	}
	r.mu.Lock()
	cancel := r.cancels[id]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Shutdown stops intake and waits for queued and executing runs. When ctx
// expires first, runs still in flight are cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	if r.baseCancel == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.baseCancel()
		return nil
	case <-ctx.Done():
		r.baseCancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for id := range r.queue {
		if r.baseCtx.Err() != nil {
			if errCancel := r.store.Cancel(id); errCancel == nil {
				log.WithField("run_id", id).Warn("run canceled by shutdown before start")
			}
			continue
		}
		r.execute(id)
	}
}

func (r *Runner) execute(id string) {
	run, ok := r.store.Get(id)
	if !ok {
		return
	}
	if errStart := r.store.Start(id); errStart != nil {
		// Canceled while queued.
		return
	}

	ctx := r.baseCtx
	var cancel context.CancelFunc
	if r.opts.MaxDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.opts.MaxDuration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	r.mu.Lock()
	r.cancels[id] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, id)
		r.mu.Unlock()
		cancel()
	}()

	fields := log.Fields{"run_id": id, "user_id": run.UserID}
	defer func() {
		if recovered := recover(); recovered != nil {
			stack := strings.TrimSpace(string(debug.Stack()))
			log.WithFields(fields).Errorf("run panic: %v\n%s", recovered, stack)
			_ = r.store.Fail(id, Error{Code: CodeInternalError, Message: fmt.Sprintf("panic: %v", recovered)})
		}
	}()

	exec := &Execution{RunID: id, Payload: run.Payload, store: r.store}
	output, errRun := r.handler(ctx, exec)
	if errRun == nil {
		if errComplete := r.store.Complete(id, output); errComplete != nil && !errors.Is(errComplete, ErrTerminal) {
			log.WithFields(fields).WithError(errComplete).Warn("run: complete failed")
		}
		log.WithFields(fields).Info("run completed")
		return
	}

	current, _ := r.store.Get(id)
	if current.Status == StatusCanceled {
		log.WithFields(fields).Info("run canceled")
		return
	}

	runErr := Error{Code: CodeGenerationFailed, Message: errRun.Error()}
	var coded interface{ Code() string }
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		runErr = Error{Code: CodeMaxDurationExceeded, Message: fmt.Sprintf("run exceeded max duration %s", r.opts.MaxDuration)}
	case r.baseCtx.Err() != nil:
		if errCancel := r.store.Cancel(id); errCancel == nil {
			log.WithFields(fields).Warn("run canceled by shutdown")
		}
		return
	case errors.As(errRun, &coded) && coded.Code() != "":
		runErr.Code = coded.Code()
	}
	if errFail := r.store.Fail(id, runErr); errFail != nil && !errors.Is(errFail, ErrTerminal) {
		log.WithFields(fields).WithError(errFail).Warn("run: fail transition failed")
	}
	log.WithFields(fields).WithError(errRun).Warnf("run failed (code=%s)", runErr.Code)
}

func (r *Runner) janitor(ctx context.Context) {
	for {
		timer := time.NewTimer(r.opts.JanitorInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		r.store.CleanupExpired()
	}
}
