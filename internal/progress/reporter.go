// Package progress is the single write path for build state.
//
// Every mutation of a registry entry goes through Reporter.Report. The reporter applies the
// update under the entry lock, keeps the log bounded, and then performs the side effects
// (project mirror, websocket broadcast, notifications) outside the lock. Side effects of one
// build run in the order its updates were applied. They are best-effort and never fail the
// update.
package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"appforge/internal/hub"
	"appforge/internal/models"
	"appforge/internal/notify"
	"appforge/internal/registry"
	"appforge/internal/store"
	"appforge/internal/telemetry"
)

// ProjectMirror receives a copy of build progress on the durable project record.
type ProjectMirror interface {
	MirrorProgress(ctx context.Context, projectID string, u store.ProgressUpdate) error
	MarkProjectCompleted(ctx context.Context, projectID, buildID string) error
	MarkProjectFailed(ctx context.Context, projectID, buildID, msg string) error
}

// Broadcaster pushes live events to subscribed clients.
type Broadcaster interface {
	Broadcast(evt hub.Event)
}

// Notifier delivers user-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, body string)
}

type Reporter struct {
	reg      *registry.Registry
	mirror   ProjectMirror
	hub      Broadcaster
	notifier Notifier
	now      func() time.Time

	seqMu sync.Mutex
	seqs  map[string]*sequence
}

// sequence hands out tickets in apply order and admits side effects one ticket at a time.
type sequence struct {
	turn       *sync.Cond
	next, done uint64
}

// New builds a reporter. Any collaborator may be nil.
func New(reg *registry.Registry, mirror ProjectMirror, b Broadcaster, n Notifier) *Reporter {
	return &Reporter{reg: reg, mirror: mirror, hub: b, notifier: n, now: time.Now, seqs: make(map[string]*sequence)}
}

// EventPayload is the body of every hub event emitted by the reporter.
type EventPayload struct {
	Status   models.BuildStatus `json:"status"`
	Phase    string             `json:"phase"`
	Progress int                `json:"progress"`
	Message  string             `json:"message"`
	Stats    models.Stats       `json:"stats"`
	Files    []string           `json:"files,omitempty"`
}

// Report applies u to the build. It returns false when the build is unknown or already
// terminal, in which case nothing changes and no side effects run.
func (r *Reporter) Report(ctx context.Context, buildID string, u Update) bool {
	var (
		applied bool
		snap    models.BuildJob
		prev    models.BuildStatus
		seq     *sequence
		ticket  uint64
	)
	found := r.reg.Update(buildID, func(job *models.BuildJob) {
		if job.Status.Terminal() {
			return
		}
		applied = true
		prev = job.Status
		now := r.now()
		job.LastUpdated = now

		msg := u.apply(job)
		if msg != "" {
			job.Message = msg
		}
		job.Logs = append(job.Logs, models.LogEntry{
			Timestamp: now,
			Phase:     job.Phase,
			Progress:  job.Progress,
			Message:   job.Message,
		})
		if n := len(job.Logs); n > models.MaxLogEntries {
			job.Logs = append([]models.LogEntry(nil), job.Logs[n-models.MaxLogEntries:]...)
		}
		snap = job.Clone()
		seq, ticket = r.take(buildID)
	})
	if !found || !applied {
		return false
	}

	r.await(seq, ticket)
	defer r.release(buildID, seq)
	r.afterUpdate(ctx, snap, prev, u)
	return true
}

// take issues the next ticket for buildID. It runs under the entry lock so ticket order is
// apply order.
func (r *Reporter) take(buildID string) (*sequence, uint64) {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	s := r.seqs[buildID]
	if s == nil {
		s = &sequence{turn: sync.NewCond(&r.seqMu)}
		r.seqs[buildID] = s
	}
	t := s.next
	s.next++
	return s, t
}

func (r *Reporter) await(s *sequence, ticket uint64) {
	r.seqMu.Lock()
	for s.done != ticket {
		s.turn.Wait()
	}
	r.seqMu.Unlock()
}

func (r *Reporter) release(buildID string, s *sequence) {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	s.done++
	if s.done == s.next && r.seqs[buildID] == s {
		delete(r.seqs, buildID)
	}
	s.turn.Broadcast()
}

func (r *Reporter) afterUpdate(ctx context.Context, job models.BuildJob, prev models.BuildStatus, u Update) {
	// Side effects must survive the build context being cancelled.
	ctx = context.WithoutCancel(ctx)

	if job.Status.Terminal() && !prev.Terminal() {
		telemetry.ActiveBuilds.Dec()
		switch job.Status {
		case models.StatusCompleted:
			telemetry.BuildsCompleted.Inc()
		case models.StatusFailed:
			telemetry.BuildsFailed.Inc()
		case models.StatusCancelled:
			telemetry.BuildsCancelled.Inc()
		}
	}

	r.mirrorProject(ctx, job)

	if r.hub != nil {
		payload := EventPayload{
			Status:   job.Status,
			Phase:    job.Phase,
			Progress: job.Progress,
			Message:  job.Message,
			Stats:    job.Stats,
		}
		evtType := "build.progress"
		switch v := u.(type) {
		case FilesAdded:
			evtType = "build.files"
			payload.Files = sortedKeys(v.Files)
		case Completed:
			evtType = "build.completed"
		case Failed:
			evtType = "build.failed"
		case Cancelled:
			evtType = "build.cancelled"
		}
		r.hub.Broadcast(hub.Event{Type: evtType, BuildID: job.BuildID, UserID: job.OwnerUserID, Payload: payload})
	}

	if r.notifier != nil {
		name := job.ProjectName
		switch job.Status {
		case models.StatusCompleted:
			r.notifier.Notify(ctx, job.OwnerUserID, notify.KindBuildCompleted,
				fmt.Sprintf("%s is ready", name),
				fmt.Sprintf("Build %s finished with %d files.", job.BuildID, resultFiles(job)))
		case models.StatusFailed:
			r.notifier.Notify(ctx, job.OwnerUserID, notify.KindBuildFailed,
				fmt.Sprintf("%s failed to build", name),
				fmt.Sprintf("Build %s failed: %s", job.BuildID, job.Error))
		}
	}
}

func (r *Reporter) mirrorProject(ctx context.Context, job models.BuildJob) {
	if r.mirror == nil || job.ProjectID == "" {
		return
	}
	switch job.Status {
	case models.StatusCompleted:
		telemetry.BestEffort("progress: mark project completed", r.mirror.MarkProjectCompleted(ctx, job.ProjectID, job.BuildID))
	case models.StatusFailed:
		telemetry.BestEffort("progress: mark project failed", r.mirror.MarkProjectFailed(ctx, job.ProjectID, job.BuildID, job.Error))
	case models.StatusCancelled:
		telemetry.BestEffort("progress: mirror project", r.mirror.MirrorProgress(ctx, job.ProjectID, store.ProgressUpdate{
			Status:   models.ProjectDraft,
			Progress: job.Progress,
			Phase:    job.Phase,
			Message:  job.Message,
			Stats:    job.Stats,
		}))
	default:
		telemetry.BestEffort("progress: mirror project", r.mirror.MirrorProgress(ctx, job.ProjectID, store.ProgressUpdate{
			Status:   models.ProjectBuilding,
			Progress: job.Progress,
			Phase:    job.Phase,
			Message:  job.Message,
			Stats:    job.Stats,
		}))
	}
}

func resultFiles(job models.BuildJob) int {
	if job.Result != nil {
		return job.Result.FileCount
	}
	return len(job.Files)
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
