package models

import (
	"time"
)

// BuildStatus enumerates the lifecycle states of a build job.
type BuildStatus string

const (
	StatusBuilding  BuildStatus = "building"
	StatusCompleted BuildStatus = "completed"
	StatusFailed    BuildStatus = "failed"
	StatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s BuildStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Phase labels are descriptive; ordering only matters for progress bands.
const (
	PhaseInitializing = "initializing"
	PhaseResearch     = "research"
	PhaseStrategy     = "strategy"
	PhaseCode         = "code"
	PhaseTesting      = "testing"
	PhasePackaging    = "packaging"
	PhaseDone         = "done"
	PhaseError        = "error"
	PhaseCancelled    = "cancelled"
)

// MaxLogEntries bounds the per-build log.
const MaxLogEntries = 50

// BuildJob is the in-memory record for one end-to-end pipeline run.
type BuildJob struct {
	BuildID     string            `json:"build_id"`
	OwnerUserID string            `json:"owner_user_id"`
	ProjectID   string            `json:"project_id"`
	ProjectName string            `json:"project_name"`
	Request     BuildRequest      `json:"request"`
	Status      BuildStatus       `json:"status"`
	Phase       string            `json:"phase"`
	Progress    int               `json:"progress"`
	Message     string            `json:"message"`
	Stats       Stats             `json:"stats"`
	Logs        []LogEntry        `json:"logs"`
	Files       map[string]string `json:"files"`
	StartedAt   time.Time         `json:"started_at"`
	LastUpdated time.Time         `json:"last_updated"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	FailedAt    *time.Time        `json:"failed_at,omitempty"`
	CancelledAt *time.Time        `json:"cancelled_at,omitempty"`
	Result      *BuildResult      `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorStack  string            `json:"-"`
}

// BuildRequest is the project metadata a build was started with.
type BuildRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Platform    string   `json:"platform"`
	Framework   string   `json:"framework"`
	Database    string   `json:"database"`
	Features    []string `json:"features"`
}

// BuildResult is populated only on successful completion.
type BuildResult struct {
	ZipPath      string `json:"-"`
	FileCount    int    `json:"file_count"`
	Bytes        int64  `json:"bytes"`
	SkippedFiles int    `json:"skipped_files"`
	QAScore      int    `json:"qa_score"`
}

// LogEntry is one line of build progress history.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Phase     string    `json:"phase"`
	Progress  int       `json:"progress"`
	Message   string    `json:"message"`
}

// Stats accumulates build counters. Pointer fields in StatsDelta mark presence.
type Stats struct {
	FilesGenerated      int `json:"files_generated"`
	LinesOfCode         int `json:"lines_of_code"`
	CompetitorsAnalyzed int `json:"competitors_analyzed"`
	ReviewsScanned      int `json:"reviews_scanned"`
	ComponentsCreated   int `json:"components_created"`
	APIsGenerated       int `json:"apis_generated"`
	TestsWritten        int `json:"tests_written"`
}

// StatsDelta is a partial stats update; nil fields are left untouched.
type StatsDelta struct {
	FilesGenerated      *int
	LinesOfCode         *int
	CompetitorsAnalyzed *int
	ReviewsScanned      *int
	ComponentsCreated   *int
	APIsGenerated       *int
	TestsWritten        *int
}

// Merge overwrites each field present in d. Values are already cumulative.
func (s *Stats) Merge(d StatsDelta) {
	set := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.FilesGenerated, d.FilesGenerated)
	set(&s.LinesOfCode, d.LinesOfCode)
	set(&s.CompetitorsAnalyzed, d.CompetitorsAnalyzed)
	set(&s.ReviewsScanned, d.ReviewsScanned)
	set(&s.ComponentsCreated, d.ComponentsCreated)
	set(&s.APIsGenerated, d.APIsGenerated)
	set(&s.TestsWritten, d.TestsWritten)
}

// Int returns a pointer to v, for building StatsDelta literals.
func Int(v int) *int { return &v }

// Clone returns a deep copy safe to hand to readers.
func (j *BuildJob) Clone() BuildJob {
	out := *j
	out.Logs = append([]LogEntry(nil), j.Logs...)
	out.Files = make(map[string]string, len(j.Files))
	for k, v := range j.Files {
		out.Files[k] = v
	}
	out.Request.Features = append([]string(nil), j.Request.Features...)
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	out.CompletedAt = cloneTime(j.CompletedAt)
	out.FailedAt = cloneTime(j.FailedAt)
	out.CancelledAt = cloneTime(j.CancelledAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
