package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/datallboy/gopod/internal/app"
	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/infra/config"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]domain.TaskRecord
	deleted []string
	saves   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]domain.TaskRecord)}
}

func (s *fakeStore) SaveTask(_ context.Context, rec *domain.TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ID] = *rec
	s.saves++
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, id string) (*domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *fakeStore) PendingTasks(context.Context) ([]*domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.TaskRecord
	for _, rec := range s.records {
		if rec.State != domain.StateFinished {
			r := rec
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) record(id string) (domain.TaskRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func newTestManager(t *testing.T, opts Options, store app.Store) (*Manager, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Download.SaveDir = t.TempDir()

	appCtx := app.NewContext(cfg, nil)
	if store != nil {
		appCtx.Store = store
	}

	m, err := NewManager(appCtx, opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, cfg.Download.SaveDir
}

func TestNewManagerRequiresSaveDir(t *testing.T) {
	cfg := config.Default()
	cfg.Download.SaveDir = ""
	if _, err := NewManager(app.NewContext(cfg, nil), testOptions()); err == nil {
		t.Fatal("expected an error without a save directory")
	}
	if _, err := NewManager(nil, testOptions()); err == nil {
		t.Fatal("expected an error without an application context")
	}
}

func TestManagerDownloadsToDefaultDestination(t *testing.T) {
	s := newSite(t, htmlPage(episodePage("/media/ep.mp3")), serveAudio)
	m, saveDir := newTestManager(t, testOptions(), nil)

	task, err := m.AddEpisode(domain.Episode{PageLink: s.URL + "/episode/+ep", Title: "Show: Part 1"}, "")
	if err != nil {
		t.Fatalf("AddEpisode: %v", err)
	}

	want := filepath.Join(saveDir, "Show_ Part 1")
	if task.Destination() != want {
		t.Fatalf("destination = %q, want %q", task.Destination(), want)
	}

	waitFinished(t, task)
	if err := task.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("downloaded file: %v", err)
	}
}

func TestManagerRejectsEpisodeWithoutLink(t *testing.T) {
	m, _ := newTestManager(t, testOptions(), nil)

	task, err := m.AddEpisode(domain.Episode{Title: "no link"}, "")
	if !errors.Is(err, domain.ErrNoPageLink) || task != nil {
		t.Fatalf("AddEpisode = %v, %v", task, err)
	}
	if n := len(m.List()); n != 0 {
		t.Fatalf("registry has %d tasks", n)
	}
}

func TestManagerDeduplicatesByIdentifier(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	s := newSite(t, htmlPage(episodePage("/media/dup.mp3")), stallingMedia(started, release))
	m, _ := newTestManager(t, testOptions(), nil)

	ep := domain.Episode{PageLink: s.URL + "/episode/+dup", Title: "Dup"}
	first, err := m.AddEpisode(ep, "")
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, started, "media transfer")

	// same identifier under a different host and title
	second, err := m.AddEpisode(domain.Episode{PageLink: "https://example.com/elsewhere/+dup", Title: "Other"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatal("second AddEpisode should return the running task")
	}
	if n := len(m.List()); n != 1 {
		t.Fatalf("registry has %d tasks, want 1", n)
	}

	if !m.Cancel(first.ID()) {
		t.Fatal("Cancel returned false for a running task")
	}
	waitFinished(t, first)

	third, err := m.AddEpisode(ep, "")
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Fatal("a finished task should be replaced by a fresh one")
	}
	if got, _ := m.Get("+dup"); got != third {
		t.Fatal("registry should hold the fresh task")
	}
	m.Cancel(third.ID())
	waitFinished(t, third)
}

func TestManagerLimitsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})

	media := func(w http.ResponseWriter, r *http.Request) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		serveAudio(w, r)
	}
	s := newSite(t, htmlPage(episodePage("/media/c.mp3")), media)

	opts := testOptions()
	opts.MaxConcurrent = 2
	m, _ := newTestManager(t, opts, nil)

	var tasks []*Task
	for i := 0; i < 5; i++ {
		task, err := m.AddEpisode(domain.Episode{PageLink: fmt.Sprintf("%s/episode/+c%d", s.URL, i)}, "")
		if err != nil {
			t.Fatal(err)
		}
		tasks = append(tasks, task)
	}

	deadline := time.Now().Add(5 * time.Second)
	for active.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	executing := 0
	for _, task := range m.List() {
		if task.State() == domain.StateExecuting {
			executing++
		}
	}
	if executing != 2 {
		t.Fatalf("%d tasks executing, want 2", executing)
	}

	close(release)
	for _, task := range tasks {
		waitFinished(t, task)
		if err := task.Err(); err != nil {
			t.Fatalf("task %s: %v", task.ID(), err)
		}
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrent transfers = %d, want <= 2", p)
	}
}

func TestManagerCallbackRunsOutsideLock(t *testing.T) {
	s := newSite(t, htmlPage(episodePage("/media/cb.mp3")), serveAudio)
	m, _ := newTestManager(t, testOptions(), nil)

	finished := make(chan *Task, 1)
	var calls atomic.Int32
	m.OnTaskChanged(func(task *Task) {
		calls.Add(1)
		// re-entering the manager must not deadlock
		_ = m.List()
		if _, ok := m.Get(task.ID()); !ok {
			t.Errorf("task %s not registered during callback", task.ID())
		}
		if task.State() == domain.StateFinished {
			finished <- task
		}
	})

	task, err := m.AddEpisode(domain.Episode{PageLink: s.URL + "/episode/+cb"}, "")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-finished:
		if got != task {
			t.Fatal("callback received a different task")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("callback never reported Finished")
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("callback invoked %d times, want 2", n)
	}
}

func TestManagerCancelUnknownOrFinished(t *testing.T) {
	s := newSite(t, htmlPage(episodePage("/media/f.mp3")), serveAudio)
	m, _ := newTestManager(t, testOptions(), nil)

	if m.Cancel("+missing") {
		t.Fatal("Cancel of an unknown id should report false")
	}

	task, err := m.AddEpisode(domain.Episode{PageLink: s.URL + "/episode/+f"}, "")
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, task)

	if m.Cancel(task.ID()) {
		t.Fatal("Cancel of a finished task should report false")
	}
}

func TestManagerAcknowledge(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	s := newSite(t, htmlPage(episodePage("/media/ack.mp3")), stallingMedia(started, release))
	store := newFakeStore()
	m, _ := newTestManager(t, testOptions(), store)

	if err := m.Acknowledge("+nope"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("Acknowledge unknown = %v", err)
	}

	task, err := m.AddEpisode(domain.Episode{PageLink: s.URL + "/episode/+ack"}, "")
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, started, "media transfer")

	if err := m.Acknowledge(task.ID()); !errors.Is(err, ErrTaskNotFinished) {
		t.Fatalf("Acknowledge running = %v", err)
	}

	close(release)
	waitFinished(t, task)

	if err := m.Acknowledge(task.ID()); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if _, ok := m.Get(task.ID()); ok {
		t.Fatal("acknowledged task still registered")
	}
	if _, ok := store.record(task.ID()); ok {
		t.Fatal("acknowledged task still stored")
	}
}

func TestManagerEvictsFinishedWhenConfigured(t *testing.T) {
	s := newSite(t, htmlPage(episodePage("/media/ev.mp3")), serveAudio)
	opts := testOptions()
	opts.EvictFinished = true
	m, _ := newTestManager(t, opts, nil)

	evicted := make(chan struct{})
	m.OnTaskChanged(func(task *Task) {
		if task.State() == domain.StateFinished {
			// still registered while the callback runs
			if _, ok := m.Get(task.ID()); !ok {
				t.Error("task evicted before the callback")
			}
			close(evicted)
		}
	})

	task, err := m.AddEpisode(domain.Episode{PageLink: s.URL + "/episode/+ev"}, "")
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, evicted, "finished callback")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Get(task.ID()); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("finished task was not evicted")
}

func TestManagerPersistsTransitions(t *testing.T) {
	s := newSite(t, htmlPage(`<html><body>nothing here</body></html>`), serveAudio)
	store := newFakeStore()
	m, _ := newTestManager(t, testOptions(), store)

	task, err := m.AddEpisode(domain.Episode{PageLink: s.URL + "/episode/+p", Title: "Persisted"}, "")
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, task)

	deadline := time.Now().Add(5 * time.Second)
	var rec domain.TaskRecord
	for time.Now().Before(deadline) {
		rec, _ = store.record(task.ID())
		if rec.State == domain.StateFinished {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if rec.State != domain.StateFinished {
		t.Fatalf("stored state = %s", rec.State)
	}
	if rec.Error == "" || rec.Title != "Persisted" {
		t.Fatalf("stored record = %+v", rec)
	}
}

func TestManagerRestore(t *testing.T) {
	s := newSite(t, htmlPage(episodePage("/media/r.mp3")), serveAudio)
	store := newFakeStore()
	dest := filepath.Join(t.TempDir(), "restored.mp3")

	store.records["+r"] = domain.TaskRecord{
		ID:          "+r",
		AttemptID:   "old",
		PageLink:    s.URL + "/episode/+r",
		Title:       "Restored",
		Destination: dest,
		State:       domain.StateExecuting,
	}
	store.records["+done"] = domain.TaskRecord{
		ID:       "+done",
		PageLink: s.URL + "/episode/+done",
		State:    domain.StateFinished,
	}
	store.records["+bad"] = domain.TaskRecord{ID: "+bad", State: domain.StateReady}

	m, _ := newTestManager(t, testOptions(), store)
	n, err := m.Restore(context.Background())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("restored %d tasks, want 1", n)
	}

	task, ok := m.Get("+r")
	if !ok {
		t.Fatal("restored task not registered")
	}
	if task.Destination() != dest {
		t.Fatalf("destination = %q", task.Destination())
	}
	waitFinished(t, task)
	if err := task.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("restored download missing: %v", err)
	}
}

func TestManagerShutdownLeavesInterruptedTasksPending(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	s := newSite(t, htmlPage(episodePage("/media/sd.mp3")), stallingMedia(started, release))
	store := newFakeStore()
	m, _ := newTestManager(t, testOptions(), store)

	task, err := m.AddEpisode(domain.Episode{PageLink: s.URL + "/episode/+sd"}, "")
	if err != nil {
		t.Fatal(err)
	}
	waitClosed(t, started, "media transfer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if task.State() != domain.StateFinished || !errors.Is(task.Err(), domain.ErrCancelled) {
		t.Fatalf("task state = %s err = %v", task.State(), task.Err())
	}

	rec, ok := store.record(task.ID())
	if !ok || rec.State == domain.StateFinished {
		t.Fatalf("stored record = %+v, want it still pending", rec)
	}

	if _, err := m.AddEpisode(domain.Episode{PageLink: s.URL + "/episode/+late"}, ""); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("AddEpisode after Shutdown = %v", err)
	}
}

func TestManagerStaleAttemptDoesNotOverwriteReplacement(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	var pageCalls atomic.Int32
	page := func(w http.ResponseWriter, r *http.Request) {
		// first attempt fails, the replacement gets a real page
		if pageCalls.Add(1) == 1 {
			http.NotFound(w, r)
			return
		}
		htmlPage(episodePage("/media/st.mp3"))(w, r)
	}
	s := newSite(t, page, stallingMedia(started, release))
	store := newFakeStore()
	m, _ := newTestManager(t, testOptions(), store)

	ep := domain.Episode{PageLink: s.URL + "/episode/+st"}
	old, err := m.AddEpisode(ep, "")
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, old)

	fresh, err := m.AddEpisode(ep, "")
	if err != nil {
		t.Fatal(err)
	}
	if fresh == old {
		t.Fatal("expected a replacement task")
	}
	waitClosed(t, started, "media transfer")

	// a late transition of the replaced attempt must not reach the store
	m.handleTransition(old, domain.StateExecuting, domain.StateFinished)

	rec, ok := store.record("+st")
	if !ok {
		t.Fatal("no stored record")
	}
	if rec.AttemptID != fresh.AttemptID() || rec.State == domain.StateFinished {
		t.Fatalf("stored record = %+v, want attempt %s still running", rec, fresh.AttemptID())
	}

	m.Cancel(fresh.ID())
	waitFinished(t, fresh)
}

func TestManagerEvictionKeepsStoredRecord(t *testing.T) {
	s := newSite(t, http.NotFound, serveAudio)
	store := newFakeStore()
	opts := testOptions()
	opts.EvictFinished = true
	m, _ := newTestManager(t, opts, store)

	task, err := m.AddEpisode(domain.Episode{PageLink: s.URL + "/episode/+kept"}, "")
	if err != nil {
		t.Fatal(err)
	}
	waitFinished(t, task)

	if _, ok := m.Get(task.ID()); ok {
		t.Fatal("finished task still registered")
	}
	rec, ok := store.record(task.ID())
	if !ok || rec.State != domain.StateFinished || rec.Error == "" {
		t.Fatalf("stored record = %+v, %v", rec, ok)
	}
}
