package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/datallboy/gopod/internal/app"
	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/infra/logger"
	"golang.org/x/sync/semaphore"
)

var (
	ErrManagerClosed   = errors.New("download manager is shut down")
	ErrTaskNotFound    = errors.New("task not found")
	ErrTaskNotFinished = errors.New("task has not finished")
)

// storeTimeout bounds a single persistence call made from a transition
const storeTimeout = 5 * time.Second

// Manager owns every download task. It deduplicates episodes by identifier,
// limits how many run at once, persists their lifecycle and reports every
// transition to a single callback.
type Manager struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	saveDir  string
	opts     Options
	store    app.Store
	log      *logger.Logger
	slots    *semaphore.Weighted
	onChange func(*Task)
	closed   bool

	// attempts cancelled by Shutdown; their Finished state is not persisted
	// so Restore picks them up again
	interrupted map[string]struct{}

	wg sync.WaitGroup
}

// NewManager builds a Manager from the application context. The store is
// optional; without one nothing survives a restart.
func NewManager(appCtx *app.Context, opts Options) (*Manager, error) {
	if appCtx == nil || appCtx.Config == nil {
		return nil, errors.New("manager needs a configuration")
	}

	saveDir := appCtx.Config.Download.SaveDir
	if saveDir == "" {
		return nil, errors.New("download.save_dir is not set")
	}

	if opts.Logger == nil {
		opts.Logger = appCtx.Logger
	}
	opts = opts.withDefaults()

	m := &Manager{
		tasks:       make(map[string]*Task),
		saveDir:     saveDir,
		opts:        opts,
		store:       appCtx.Store,
		log:         opts.Logger,
		interrupted: make(map[string]struct{}),
	}
	if opts.MaxConcurrent > 0 {
		m.slots = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}

	return m, nil
}

// OnTaskChanged registers the callback invoked after every task transition.
// It replaces any previous callback and is never called with the registry locked.
func (m *Manager) OnTaskChanged(fn func(*Task)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// AddEpisode creates a task for episode and schedules it. An empty
// destination defaults to the save directory plus the sanitized title.
//
// While a task for the same identifier is registered and not finished, that
// task is returned and nothing new is scheduled. A finished task is replaced
// once its observer returned, so its last record can't overwrite the new one.
func (m *Manager) AddEpisode(episode domain.Episode, destination string) (*Task, error) {
	id, err := episode.Identifier()
	if err != nil {
		return nil, err
	}

	if destination == "" {
		destination = filepath.Join(m.saveDir, defaultFileName(episode.Title, id))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}

	if existing, ok := m.tasks[id]; ok && !existing.finished() {
		m.mu.Unlock()
		m.log.Debug("Episode %s already queued", id)
		return existing, nil
	}

	t, err := NewTask(episode, destination, m.opts)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	t.OnTransition(m.handleTransition)

	m.tasks[id] = t
	m.wg.Add(1)
	m.mu.Unlock()

	m.save(t)
	m.log.Info("Queued %s -> %s", episode.Title, destination)

	go m.execute(t)
	return t, nil
}

// execute waits for a free slot, then runs t to completion.
func (m *Manager) execute(t *Task) {
	defer m.wg.Done()

	if m.slots != nil {
		// Acquire only fails once the task is cancelled, Start then finishes it
		if err := m.slots.Acquire(t.ctx, 1); err != nil {
			t.Start()
			return
		}
		defer m.slots.Release(1)
	}

	t.Start()
	<-t.Done()
}

func (m *Manager) handleTransition(t *Task, from, to domain.State) {
	m.mu.Lock()
	_, interrupted := m.interrupted[t.attemptID]
	current := m.tasks[t.id] == t
	fn := m.onChange
	m.mu.Unlock()

	finished := to == domain.StateFinished
	switch {
	case !current:
		// replaced or acknowledged, the record belongs to someone else now
		m.log.Debug("Not persisting stale attempt %s of %s", t.attemptID, t.id)
	case finished && interrupted && errors.Is(t.Err(), domain.ErrCancelled):
		m.log.Debug("Leaving %s pending for the next start", t.id)
	default:
		m.save(t)
	}

	if fn != nil {
		fn(t)
	}

	if finished && m.opts.EvictFinished {
		m.evict(t)
	}
}

// evict drops t from the registry unless a newer task took its place. Its
// finished record stays in the store for lookups.
func (m *Manager) evict(t *Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tasks[t.id] == t {
		delete(m.tasks, t.id)
	}
	delete(m.interrupted, t.attemptID)
}

func (m *Manager) save(t *Task) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := m.store.SaveTask(ctx, t.Record()); err != nil {
		m.log.Warn("Failed to persist task %s: %v", t.id, err)
	}
}

func (m *Manager) deleteRecord(id string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := m.store.DeleteTask(ctx, id); err != nil {
		m.log.Warn("Failed to delete task %s: %v", id, err)
	}
}

// Get returns the registered task for id.
func (m *Manager) Get(id string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// List returns the registered tasks in the order they were created.
func (m *Manager) List() []*Task {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		tasks = append(tasks, t)
	}
	m.mu.Unlock()

	// ksuids sort by creation time
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].attemptID < tasks[j].attemptID
	})
	return tasks
}

// Cancel requests cancellation of the task for id. It reports false when
// there is no such task or it already finished.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()

	if !ok || t.State() == domain.StateFinished {
		return false
	}

	t.Cancel()
	return true
}

// Acknowledge removes a finished task from the registry and the store. A task
// whose Done channel is still open counts as not finished.
func (m *Manager) Acknowledge(id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	if !t.finished() {
		m.mu.Unlock()
		return ErrTaskNotFinished
	}
	delete(m.tasks, id)
	delete(m.interrupted, t.attemptID)
	m.mu.Unlock()

	m.deleteRecord(id)
	return nil
}

// Restore re-adds every unfinished task found in the store. Restored tasks
// start over from the page fetch.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}

	records, err := m.store.PendingTasks(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending tasks: %w", err)
	}

	restored := 0
	for _, rec := range records {
		if _, err := m.AddEpisode(rec.Episode(), rec.Destination); err != nil {
			if errors.Is(err, ErrManagerClosed) {
				return restored, err
			}
			m.log.Warn("Skipping stored task %s: %v", rec.ID, err)
			continue
		}
		restored++
	}

	if restored > 0 {
		m.log.Info("Restored %d pending downloads", restored)
	}
	return restored, nil
}

// Shutdown stops accepting episodes, cancels every running task and waits
// for them to finish or for ctx to expire. Interrupted tasks stay pending in
// the store.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var running []*Task
	for _, t := range m.tasks {
		if t.State() != domain.StateFinished {
			m.interrupted[t.attemptID] = struct{}{}
			running = append(running, t)
		}
	}
	m.mu.Unlock()

	for _, t := range running {
		t.Cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
