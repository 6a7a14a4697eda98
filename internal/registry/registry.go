// Package registry holds the in-memory state of every build the process knows about.
//
// A Registry is constructed once at startup and passed to every component that needs it.
// Readers always receive deep copies; mutation goes through Update, which the progress
// reporter is the only caller of.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"appforge/internal/models"
)

type entry struct {
	mu      sync.Mutex
	job     models.BuildJob
	cancel  context.CancelFunc
	removed bool
}

// Registry maps build ids to their mutable job records.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	now     func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Create inserts a fresh building record. An existing record with the same id is replaced.
func (r *Registry) Create(job models.BuildJob) models.BuildJob {
	now := r.now()
	job.Status = models.StatusBuilding
	job.Phase = models.PhaseInitializing
	job.Progress = 0
	job.Stats = models.Stats{}
	job.Logs = nil
	job.Files = map[string]string{}
	job.Result = nil
	job.Error = ""
	if job.StartedAt.IsZero() {
		job.StartedAt = now
	}
	job.LastUpdated = now

	r.mu.Lock()
	old := r.entries[job.BuildID]
	r.entries[job.BuildID] = &entry{job: job}
	r.mu.Unlock()

	if old != nil && old.cancel != nil {
		old.cancel()
	}
	return job.Clone()
}

// Get returns a snapshot of the job, or ok=false when the id is unknown.
func (r *Registry) Get(id string) (models.BuildJob, bool) {
	e := r.lookup(id)
	if e == nil {
		return models.BuildJob{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), true
}

// Update applies fn to the job under its lock. It returns false when the id is unknown or
// the job was deleted while the caller waited for the lock.
func (r *Registry) Update(id string, fn func(job *models.BuildJob)) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	fn(&e.job)
	return true
}

// Attach records the cancel function of the job's background task.
func (r *Registry) Attach(id string, cancel context.CancelFunc) bool {
	e := r.lookup(id)
	if e == nil {
		return false
	}
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
	return true
}

// Interrupt cancels the job's background task, if one is attached, without removing the record.
func (r *Registry) Interrupt(id string) {
	e := r.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Delete removes the job and cancels its task. It returns the job as it was at removal;
// no update applies after that point. ok is false for unknown ids.
func (r *Registry) Delete(id string) (job models.BuildJob, ok bool) {
	r.mu.Lock()
	e := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if e == nil {
		return models.BuildJob{}, false
	}
	e.mu.Lock()
	e.removed = true
	job = e.job.Clone()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return job, true
}

// List returns snapshots of every job ordered by start time, oldest first.
func (r *Registry) List() []models.BuildJob {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]models.BuildJob, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.job.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].BuildID < out[j].BuildID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len reports how many jobs are tracked.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountByStatus tallies jobs per status.
func (r *Registry) CountByStatus() map[models.BuildStatus]int {
	counts := map[models.BuildStatus]int{
		models.StatusBuilding:  0,
		models.StatusCompleted: 0,
		models.StatusFailed:    0,
		models.StatusCancelled: 0,
	}
	for _, job := range r.List() {
		counts[job.Status]++
	}
	return counts
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}
