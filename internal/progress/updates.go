package progress

import "appforge/internal/models"

// Update is one of the tagged update kinds accepted by Reporter.Report.
type Update interface {
	apply(job *models.BuildJob) (message string)
}

// PhaseStarted moves the job into a new phase.
type PhaseStarted struct {
	Phase    string
	Progress int
	Message  string
}

// PhaseProgress advances progress inside the current phase, optionally with stats.
type PhaseProgress struct {
	Progress int
	Message  string
	Stats    models.StatsDelta
}

// FilesAdded merges files into the live preview cache. Existing paths are overwritten.
type FilesAdded struct {
	Files   map[string]string
	Message string
}

// StatsUpdated merges stats without touching progress.
type StatsUpdated struct {
	Stats   models.StatsDelta
	Message string
}

// Completed finishes the build successfully.
type Completed struct {
	Result  models.BuildResult
	Message string
}

// Failed finishes the build with an error. Stack is kept out of API responses in production.
type Failed struct {
	Err   error
	Stack string
}

// Cancelled records an owner-initiated cancellation.
type Cancelled struct{}

func (u PhaseStarted) apply(job *models.BuildJob) string {
	job.Phase = u.Phase
	raise(job, u.Progress)
	return u.Message
}

func (u PhaseProgress) apply(job *models.BuildJob) string {
	raise(job, u.Progress)
	job.Stats.Merge(u.Stats)
	return u.Message
}

func (u FilesAdded) apply(job *models.BuildJob) string {
	if job.Files == nil {
		job.Files = make(map[string]string, len(u.Files))
	}
	for path, content := range u.Files {
		job.Files[path] = content
	}
	return u.Message
}

func (u StatsUpdated) apply(job *models.BuildJob) string {
	job.Stats.Merge(u.Stats)
	return u.Message
}

func (u Completed) apply(job *models.BuildJob) string {
	now := job.LastUpdated
	result := u.Result
	job.Status = models.StatusCompleted
	job.Phase = models.PhaseDone
	job.Progress = 100
	job.Result = &result
	job.Error = ""
	job.ErrorStack = ""
	job.CompletedAt = &now
	msg := u.Message
	if msg == "" {
		msg = "Build completed"
	}
	return msg
}

func (u Failed) apply(job *models.BuildJob) string {
	now := job.LastUpdated
	msg := "build failed"
	if u.Err != nil {
		msg = u.Err.Error()
	}
	job.Status = models.StatusFailed
	job.Phase = models.PhaseError
	job.Result = nil
	job.Error = msg
	job.ErrorStack = u.Stack
	job.FailedAt = &now
	return "Build failed: " + msg
}

func (Cancelled) apply(job *models.BuildJob) string {
	now := job.LastUpdated
	job.Status = models.StatusCancelled
	job.Phase = models.PhaseCancelled
	job.CancelledAt = &now
	return "Build cancelled"
}

// raise keeps progress monotonic and below 100 until completion.
func raise(job *models.BuildJob, p int) {
	if p > 99 {
		p = 99
	}
	if p > job.Progress {
		job.Progress = p
	}
}
