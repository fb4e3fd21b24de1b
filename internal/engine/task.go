package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/extraction"
	"github.com/datallboy/gopod/internal/infra/logger"
	"github.com/datallboy/gopod/internal/netx"
	"github.com/segmentio/ksuid"
)

// TransitionFunc observes lifecycle changes of a task. It runs on the goroutine
// that made the transition, after the task's lock has been released.
type TransitionFunc func(t *Task, from, to domain.State)

// Task downloads one episode: page fetch, audio link extraction, media fetch,
// then a move onto the destination. It is Finished exactly once, whatever happens.
type Task struct {
	id          string
	attemptID   string
	episode     domain.Episode
	destination string

	opts      Options
	client    *netx.Client
	grab      *grab.Client
	extractor extraction.Extractor
	log       *logger.Logger

	// ctx is the parent of every request the task makes; Cancel cancels it
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool

	mu           sync.Mutex
	state        domain.State
	phase        phase
	err          error
	started      bool
	onTransition TransitionFunc
	updatedAt    time.Time
	done         chan struct{}

	bytesWritten atomic.Int64
	totalBytes   atomic.Int64
}

// NewTask builds a Ready task for episode. It fails only when the episode has
// no usable page link; an empty destination falls back to the sanitized title.
func NewTask(episode domain.Episode, destination string, opts Options) (*Task, error) {
	id, err := episode.Identifier()
	if err != nil {
		return nil, err
	}

	if destination == "" {
		destination = defaultFileName(episode.Title, id)
	}

	opts = opts.withDefaults()

	var client *netx.Client
	if opts.HTTPClient != nil {
		client = netx.NewClientWithHTTPClient(opts.HTTPClient, netx.Options{UserAgent: opts.UserAgent, Retry: opts.PageRetry})
	} else {
		// Timeouts are applied per phase through the context
		client = netx.NewClient(netx.Options{UserAgent: opts.UserAgent, Retry: opts.PageRetry})
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Task{
		id:          id,
		attemptID:   ksuid.New().String(),
		episode:     episode,
		destination: filepath.Clean(destination),
		opts:        opts,
		client:      client,
		grab: &grab.Client{
			HTTPClient: client.HTTPClient(),
			UserAgent:  client.UserAgent(),
			BufferSize: 32 * 1024,
		},
		extractor: opts.Extractor,
		log:       opts.Logger.With("task", id),
		ctx:       ctx,
		cancel:    cancel,
		state:     domain.StateReady,
		phase:     phaseIdle,
		updatedAt: time.Now(),
		done:      make(chan struct{}),
	}, nil
}

func (t *Task) ID() string              { return t.id }
func (t *Task) AttemptID() string       { return t.attemptID }
func (t *Task) Episode() domain.Episode { return t.episode }
func (t *Task) Destination() string     { return t.destination }
func (t *Task) Cancelled() bool         { return t.cancelled.Load() }

// Key is the identity used for registries and sets.
func (t *Task) Key() string { return t.id }

// Equal reports whether both tasks download the same episode. Only the
// identifier counts, the episode contents don't.
func (t *Task) Equal(other *Task) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.id == other.id
}

func (t *Task) State() domain.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err is the failure reason once the task is Finished, nil on success.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the task reached Finished and its observer returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// finished reports whether Done is closed.
func (t *Task) finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Progress returns bytes written to the temporary artifact and the announced
// total, -1 when the server didn't send a length.
func (t *Task) Progress() (written, total int64) {
	return t.bytesWritten.Load(), t.totalBytes.Load()
}

// OnTransition registers the single transition observer. Set it before Start.
func (t *Task) OnTransition(fn TransitionFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTransition = fn
}

// Record snapshots the fields needed to recreate the task after a restart.
func (t *Task) Record() *domain.TaskRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := &domain.TaskRecord{
		ID:           t.id,
		AttemptID:    t.attemptID,
		PageLink:     t.episode.PageLink,
		Title:        t.episode.Title,
		Destination:  t.destination,
		State:        t.state,
		BytesWritten: t.bytesWritten.Load(),
		TotalBytes:   t.totalBytes.Load(),
		UpdatedAt:    t.updatedAt,
	}
	if t.err != nil {
		rec.Error = t.err.Error()
	}
	return rec
}

// Start moves the task to Executing and runs it on its own goroutine.
// Only the first call has an effect. A task cancelled before it started goes
// straight to Finished.
func (t *Task) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	if t.cancelled.Load() {
		t.finish(fmt.Errorf("%w: before start", domain.ErrCancelled))
		return
	}

	t.transition(domain.StateExecuting, nil)
	go t.run()
}

// Cancel asks the task to stop. The request in flight is aborted through its
// context and the running phase winds the task down to Finished; no file is
// moved onto the destination once the cancellation is seen.
func (t *Task) Cancel() {
	if t.State() == domain.StateFinished {
		return
	}
	t.cancelled.Store(true)
	t.cancel()
}

func (t *Task) run() {
	err := t.execute()
	if err == nil {
		t.log.Info("Completed: %s -> %s", t.episode.Title, t.destination)
	} else if errors.Is(err, domain.ErrCancelled) {
		t.log.Info("Cancelled: %s", t.episode.Title)
	} else {
		t.log.Error("Download failed for %s: %v", t.episode.Title, err)
	}
	t.finish(err)
	t.cancel()
}

func (t *Task) execute() error {
	mediaURL, err := t.fetchPage()
	if err != nil {
		return err
	}

	if t.cancelled.Load() {
		return fmt.Errorf("%w: after page fetch", domain.ErrCancelled)
	}

	return t.fetchMedia(mediaURL)
}

func (t *Task) finish(err error) {
	t.transition(domain.StateFinished, err)
}

// transition moves the state forward and notifies the observer. Backwards or
// repeated transitions are ignored, which is what keeps Finished unique.
func (t *Task) transition(to domain.State, err error) bool {
	t.mu.Lock()
	from := t.state
	if !from.Before(to) {
		t.mu.Unlock()
		return false
	}

	t.state = to
	t.updatedAt = time.Now()
	if to == domain.StateFinished {
		t.err = err
		t.phase = phaseDone
	}
	observer := t.onTransition
	t.mu.Unlock()

	t.log.Debug("state %s -> %s", from, to)
	if observer != nil {
		observer(t, from, to)
	}

	// Done closes after the observer so waiters see its effects
	if to == domain.StateFinished {
		close(t.done)
	}
	return true
}

func (t *Task) setPhase(p phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.phase = p
}

func (t *Task) currentPhase() phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// phaseContext derives the context of one phase, bounded by timeout when set.
func (t *Task) phaseContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(t.ctx, timeout)
	}
	return context.WithCancel(t.ctx)
}

// classify wraps err with the error kind of the phase, or with ErrCancelled
// when the failure comes from the task being cancelled.
func (t *Task) classify(err error, kind error, op string) error {
	if t.cancelled.Load() || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s", domain.ErrCancelled, op)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timed out: %w", kind, op, err)
	}
	return fmt.Errorf("%w: %s: %w", kind, op, err)
}
