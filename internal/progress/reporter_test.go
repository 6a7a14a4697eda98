package progress

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"appforge/internal/hub"
	"appforge/internal/models"
	"appforge/internal/store"
)

type fakeMirror struct {
	mu        sync.Mutex
	updates   []store.ProgressUpdate
	completed []string
	failed    []string
	err       error
}

func (f *fakeMirror) MirrorProgress(_ context.Context, _ string, u store.ProgressUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return f.err
}

func (f *fakeMirror) MarkProjectCompleted(_ context.Context, _, buildID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, buildID)
	return f.err
}

func (f *fakeMirror) MarkProjectFailed(_ context.Context, _, _, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, msg)
	return f.err
}

type fakeHub struct {
	mu     sync.Mutex
	events []hub.Event
}

func (f *fakeHub) Broadcast(evt hub.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

type fakeNotifier struct {
	kinds []string
}

func (f *fakeNotifier) Notify(_ context.Context, _, kind, _, _ string) {
	f.kinds = append(f.kinds, kind)
}

func newTestReporter(t *testing.T) (*Reporter, *fakeMirror, *fakeHub, *fakeNotifier) {
	t.Helper()
	m, h, n := &fakeMirror{}, &fakeHub{}, &fakeNotifier{}
	return New(newRegistry(t), m, h, n), m, h, n
}

func TestAbsentJobIsNoop(t *testing.T) {
	r, m, h, _ := newTestReporter(t)
	if r.Report(context.Background(), "missing", PhaseProgress{Progress: 10}) {
		t.Fatal("report on unknown build should return false")
	}
	if len(m.updates) != 0 || len(h.events) != 0 {
		t.Fatal("no side effects expected for unknown build")
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	r, _, _, _ := newTestReporter(t)
	ctx := context.Background()

	r.Report(ctx, "b1", PhaseStarted{Phase: models.PhaseStrategy, Progress: 40, Message: "planning"})
	r.Report(ctx, "b1", PhaseProgress{Progress: 20, Message: "late write"})

	job, _ := r.reg.Get("b1")
	if job.Progress != 40 {
		t.Fatalf("progress = %d, want 40", job.Progress)
	}
	if job.Message != "late write" {
		t.Fatalf("message should still update, got %q", job.Message)
	}
	r.Report(ctx, "b1", PhaseProgress{Progress: 150})
	job, _ = r.reg.Get("b1")
	if job.Progress != 99 {
		t.Fatalf("progress before completion should cap at 99, got %d", job.Progress)
	}
}

func TestFilesMergeAdditively(t *testing.T) {
	r, _, h, _ := newTestReporter(t)
	ctx := context.Background()

	r.Report(ctx, "b1", FilesAdded{Files: map[string]string{"frontend/App.js": "v1", "frontend/index.html": "<html>"}})
	r.Report(ctx, "b1", FilesAdded{Files: map[string]string{"backend/server.js": "srv", "frontend/App.js": "v2"}})

	job, _ := r.reg.Get("b1")
	if len(job.Files) != 3 {
		t.Fatalf("files = %v, want 3 entries", job.Files)
	}
	if job.Files["frontend/App.js"] != "v2" {
		t.Fatalf("last writer should win, got %q", job.Files["frontend/App.js"])
	}
	if h.events[0].Type != "build.files" {
		t.Fatalf("event type = %s, want build.files", h.events[0].Type)
	}
}

func TestStatsMergePerField(t *testing.T) {
	r, _, _, _ := newTestReporter(t)
	ctx := context.Background()

	r.Report(ctx, "b1", StatsUpdated{Stats: models.StatsDelta{CompetitorsAnalyzed: models.Int(5), ReviewsScanned: models.Int(120)}})
	r.Report(ctx, "b1", StatsUpdated{Stats: models.StatsDelta{FilesGenerated: models.Int(9), ReviewsScanned: models.Int(150)}})

	job, _ := r.reg.Get("b1")
	want := models.Stats{CompetitorsAnalyzed: 5, ReviewsScanned: 150, FilesGenerated: 9}
	if job.Stats != want {
		t.Fatalf("stats = %+v, want %+v", job.Stats, want)
	}
}

func TestLogsBoundedOldestFirst(t *testing.T) {
	r, _, _, _ := newTestReporter(t)
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		r.Report(ctx, "b1", PhaseProgress{Progress: i, Message: fmt.Sprintf("step %d", i)})
	}
	job, _ := r.reg.Get("b1")
	if len(job.Logs) != models.MaxLogEntries {
		t.Fatalf("logs = %d, want %d", len(job.Logs), models.MaxLogEntries)
	}
	if job.Logs[0].Message != "step 10" || job.Logs[len(job.Logs)-1].Message != "step 59" {
		t.Fatalf("unexpected log window: first=%q last=%q", job.Logs[0].Message, job.Logs[len(job.Logs)-1].Message)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	r, m, h, n := newTestReporter(t)
	ctx := context.Background()

	if !r.Report(ctx, "b1", Failed{Err: errors.New("rate limited"), Stack: "trace"}) {
		t.Fatal("failure should apply")
	}
	events := len(h.events)
	if r.Report(ctx, "b1", Completed{Result: models.BuildResult{FileCount: 3}}) {
		t.Fatal("completion after failure should be dropped")
	}
	if r.Report(ctx, "b1", PhaseProgress{Progress: 90}) {
		t.Fatal("progress after failure should be dropped")
	}

	job, _ := r.reg.Get("b1")
	if job.Status != models.StatusFailed || job.Error != "rate limited" || job.Result != nil {
		t.Fatalf("unexpected job after failure: status=%s error=%q result=%v", job.Status, job.Error, job.Result)
	}
	if job.Phase != models.PhaseError || job.FailedAt == nil || job.ErrorStack != "trace" {
		t.Fatalf("failure fields not set: %+v", job)
	}
	if len(h.events) != events {
		t.Fatal("dropped updates must not broadcast")
	}
	if len(m.failed) != 1 || m.failed[0] != "rate limited" {
		t.Fatalf("project failure mark = %v", m.failed)
	}
	if len(n.kinds) != 1 {
		t.Fatalf("notifications = %v, want one", n.kinds)
	}
}

func TestCompletedSetsResult(t *testing.T) {
	r, m, h, _ := newTestReporter(t)
	ctx := context.Background()

	r.Report(ctx, "b1", Completed{Result: models.BuildResult{ZipPath: "/tmp/x.zip", FileCount: 12}})
	job, _ := r.reg.Get("b1")
	if job.Status != models.StatusCompleted || job.Progress != 100 || job.Phase != models.PhaseDone {
		t.Fatalf("unexpected completed job: %+v", job)
	}
	if job.Result == nil || job.Result.FileCount != 12 || job.Error != "" || job.CompletedAt == nil {
		t.Fatalf("result not recorded: %+v", job)
	}
	if len(m.completed) != 1 {
		t.Fatal("project should be marked completed")
	}
	if last := h.events[len(h.events)-1]; last.Type != "build.completed" {
		t.Fatalf("last event = %s", last.Type)
	}
}

func TestCancelledAbsorbsLateWrites(t *testing.T) {
	r, _, _, _ := newTestReporter(t)
	ctx := context.Background()

	r.Report(ctx, "b1", Cancelled{})
	if r.Report(ctx, "b1", FilesAdded{Files: map[string]string{"a": "b"}}) {
		t.Fatal("write after cancel should be a no-op")
	}
	job, _ := r.reg.Get("b1")
	if job.Status != models.StatusCancelled || len(job.Files) != 0 || job.CancelledAt == nil {
		t.Fatalf("unexpected cancelled job: %+v", job)
	}
}

func TestMirrorFailureDoesNotFailUpdate(t *testing.T) {
	r, m, _, _ := newTestReporter(t)
	m.err = errors.New("db unavailable")
	if !r.Report(context.Background(), "b1", PhaseProgress{Progress: 10, Message: "x"}) {
		t.Fatal("update should apply despite mirror error")
	}
}

// stallingMirror blocks its first MirrorProgress call until release is closed.
type stallingMirror struct {
	fakeMirror
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *stallingMirror) MirrorProgress(ctx context.Context, id string, u store.ProgressUpdate) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.fakeMirror.MirrorProgress(ctx, id, u)
}

func (s *stallingMirror) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.updates))
	for _, u := range s.updates {
		out = append(out, u.Status)
	}
	return out
}

func TestSideEffectsFollowApplyOrder(t *testing.T) {
	m := &stallingMirror{entered: make(chan struct{}), release: make(chan struct{})}
	h := &fakeHub{}
	r := New(newRegistry(t), m, h, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Report(ctx, "b1", PhaseProgress{Progress: 30, Message: "researching"})
	}()
	<-m.entered

	go func() {
		defer wg.Done()
		r.Report(ctx, "b1", Cancelled{})
	}()
	time.Sleep(50 * time.Millisecond)
	if got := m.statuses(); len(got) != 0 {
		t.Fatalf("cancel side effects ran before the stalled progress write: %v", got)
	}
	job, _ := r.reg.Get("b1")
	if job.Status != models.StatusCancelled {
		t.Fatalf("state should apply immediately, status = %s", job.Status)
	}

	close(m.release)
	wg.Wait()

	got := m.statuses()
	if len(got) != 2 || got[0] != models.ProjectBuilding || got[1] != models.ProjectDraft {
		t.Fatalf("mirror statuses = %v, want [building draft]", got)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.events) != 2 || h.events[1].Type != "build.cancelled" {
		t.Fatalf("events out of order: %+v", h.events)
	}
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	if len(r.seqs) != 0 {
		t.Fatalf("sequences should be released once drained, %d left", len(r.seqs))
	}
}
