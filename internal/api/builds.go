package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"appforge/internal/models"
	"appforge/internal/notify"
	"appforge/internal/packaging"
	"appforge/internal/pipeline"
	"appforge/internal/ratelimit"
	"appforge/internal/store"
	"appforge/internal/telemetry"
)

const (
	minDescriptionRunes = 20
	maxNameRunes        = 100
	defaultNameWords    = 6
	recentLogs          = 20
	maxLogPage          = 50
	estimatedBuildTime  = "3-5 minutes"
	errBuildNotFound    = "build not found or expired"
)

type buildRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Platform    string   `json:"platform"`
	Framework   string   `json:"framework"`
	Database    string   `json:"database"`
	Features    []string `json:"features"`
	ProjectID   string   `json:"project_id"`
}

func (b *buildRequest) validate() error {
	b.Name = strings.TrimSpace(b.Name)
	b.Description = strings.TrimSpace(b.Description)
	if utf8.RuneCountInString(b.Description) < minDescriptionRunes {
		return fmt.Errorf("description must be at least %d characters", minDescriptionRunes)
	}
	if b.Name == "" {
		b.Name = nameFromDescription(b.Description)
	}
	if utf8.RuneCountInString(b.Name) > maxNameRunes {
		return fmt.Errorf("name must be at most %d characters", maxNameRunes)
	}
	features := b.Features[:0]
	for _, f := range b.Features {
		if f = strings.TrimSpace(f); f != "" {
			features = append(features, f)
		}
	}
	b.Features = features
	return nil
}

// nameFromDescription titles an unnamed build with the first few words of its idea.
func nameFromDescription(desc string) string {
	words := strings.Fields(desc)
	if len(words) > defaultNameWords {
		words = words[:defaultNameWords]
	}
	name := strings.Join(words, " ")
	if r := []rune(name); len(r) > maxNameRunes {
		name = string(r[:maxNameRunes])
	}
	return name
}

type buildResponse struct {
	BuildID        string `json:"build_id"`
	ProjectID      string `json:"project_id"`
	ProgressURL    string `json:"progress_url"`
	LivePreviewURL string `json:"live_preview_url"`
	EventsURL      string `json:"events_url"`
	EstimatedTime  string `json:"estimated_time"`
}

func (s *Server) handleCreateBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := mustUser(r)

	var req buildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := req.validate(); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.limiter != nil {
		d, err := s.limiter.Allow(ctx, ratelimit.BuildKey(userID))
		if err != nil {
			log.Printf("api: rate limit check for %s: %v", userID, err)
			writeErr(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeErr(w, http.StatusTooManyRequests, "rate limited")
			return
		}
	}

	var project models.Project
	if req.ProjectID != "" {
		p, err := s.store.GetProject(ctx, req.ProjectID)
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "project not found")
			return
		}
		if err != nil {
			writeErr(w, http.StatusInternalServerError, "failed to load project")
			return
		}
		if p.OwnerUserID != userID {
			writeErr(w, http.StatusForbidden, "forbidden")
			return
		}
		project = p
	}

	if err := s.store.DebitCredit(ctx, userID); err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			writeErr(w, http.StatusPaymentRequired, "insufficient credits")
			return
		}
		log.Printf("api: debit credit for %s: %v", userID, err)
		writeErr(w, http.StatusInternalServerError, "failed to debit credit")
		return
	}

	if project.ID == "" {
		p, err := s.store.CreateProject(ctx, models.Project{
			OwnerUserID: userID,
			Name:        req.Name,
			Description: req.Description,
			Status:      models.ProjectDraft,
		})
		if err != nil {
			log.Printf("api: create project for %s after debit: %v", userID, err)
			writeErr(w, http.StatusInternalServerError, "failed to create project")
			return
		}
		project = p
	}

	job := s.reg.Create(models.BuildJob{
		BuildID:     uuid.New().String(),
		OwnerUserID: userID,
		ProjectID:   project.ID,
		ProjectName: req.Name,
		Request: models.BuildRequest{
			Name:        req.Name,
			Description: req.Description,
			Platform:    req.Platform,
			Framework:   req.Framework,
			Database:    req.Database,
			Features:    req.Features,
		},
		StartedAt: s.now(),
	})
	s.builds.Start(job)
	log.Printf("api: build %s started for user %s (project %s)", job.BuildID, userID, project.ID)

	if s.notifier != nil {
		s.notifier.Notify(context.WithoutCancel(ctx), userID, notify.KindBuildStarted,
			fmt.Sprintf("Building %s", req.Name),
			fmt.Sprintf("Build %s started. Estimated time: %s.", job.BuildID, estimatedBuildTime))
	}

	writeJSON(w, http.StatusAccepted, buildResponse{
		BuildID:        job.BuildID,
		ProjectID:      project.ID,
		ProgressURL:    s.url("/build/" + job.BuildID),
		LivePreviewURL: s.url("/preview/" + job.BuildID),
		EventsURL:      s.url("/build/" + job.BuildID + "/events"),
		EstimatedTime:  estimatedBuildTime,
	})
}

// ownedJob loads the build named in the URL and writes 404/403 when the caller may not see it.
func (s *Server) ownedJob(w http.ResponseWriter, r *http.Request) (models.BuildJob, bool) {
	job, ok := s.reg.Get(chi.URLParam(r, "id"))
	if !ok {
		writeErr(w, http.StatusNotFound, errBuildNotFound)
		return models.BuildJob{}, false
	}
	if job.OwnerUserID != mustUser(r) {
		writeErr(w, http.StatusForbidden, "forbidden")
		return models.BuildJob{}, false
	}
	return job, true
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	now := s.now()
	logs := job.Logs
	if len(logs) > recentLogs {
		logs = logs[len(logs)-recentLogs:]
	}
	resp := map[string]any{
		"build_id":         job.BuildID,
		"project_id":       job.ProjectID,
		"project_name":     job.ProjectName,
		"status":           job.Status,
		"phase":            job.Phase,
		"progress":         job.Progress,
		"display_progress": pipeline.DisplayProgress(job, now),
		"message":          job.Message,
		"logs":             logs,
		"stats":            job.Stats,
		"files":            job.Files,
		"file_paths":       filePaths(job.Files),
		"file_count":       len(job.Files),
		"elapsed_seconds":  int(elapsed(job, now).Seconds()),
		"started_at":       job.StartedAt,
		"last_updated":     job.LastUpdated,
	}
	switch job.Status {
	case models.StatusCompleted:
		resp["download_url"] = s.url("/download/" + job.BuildID)
		resp["live_preview_url"] = s.url("/preview/" + job.BuildID)
		resp["result"] = job.Result
		resp["completed_at"] = job.CompletedAt
	case models.StatusFailed:
		resp["error"] = job.Error
		resp["can_retry"] = true
		resp["failed_at"] = job.FailedAt
		if !s.cfg.Production() && job.ErrorStack != "" {
			resp["stack"] = job.ErrorStack
		}
	case models.StatusCancelled:
		resp["cancelled_at"] = job.CancelledAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit", maxLogPage)
	if err != nil || limit < 1 {
		writeErr(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	if limit > maxLogPage {
		limit = maxLogPage
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeErr(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	total := len(job.Logs)
	start := min(offset, total)
	end := min(start+limit, total)
	writeJSON(w, http.StatusOK, map[string]any{
		"build_id": job.BuildID,
		"logs":     job.Logs[start:end],
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleBuildEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if s.events == nil {
		writeErr(w, http.StatusServiceUnavailable, "live events are disabled")
		return
	}
	s.events.Subscribe(w, r, job.BuildID)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Status == models.StatusCompleted {
		writeErr(w, http.StatusBadRequest, "build already completed")
		return
	}
	s.builds.Cancel(r.Context(), job.BuildID)
	s.reg.Delete(job.BuildID)
	writeJSON(w, http.StatusOK, map[string]string{"build_id": job.BuildID, "status": string(models.StatusCancelled)})
}

type buildSummary struct {
	BuildID         string             `json:"build_id"`
	ProjectID       string             `json:"project_id"`
	ProjectName     string             `json:"project_name"`
	Status          models.BuildStatus `json:"status"`
	Phase           string             `json:"phase"`
	Progress        int                `json:"progress"`
	DisplayProgress int                `json:"display_progress"`
	StartedAt       time.Time          `json:"started_at"`
	LastUpdated     time.Time          `json:"last_updated"`
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	userID := mustUser(r)
	now := s.now()
	out := make([]buildSummary, 0)
	for _, job := range s.reg.List() {
		if job.OwnerUserID != userID {
			continue
		}
		out = append(out, buildSummary{
			BuildID:         job.BuildID,
			ProjectID:       job.ProjectID,
			ProjectName:     job.ProjectName,
			Status:          job.Status,
			Phase:           job.Phase,
			Progress:        job.Progress,
			DisplayProgress: pipeline.DisplayProgress(job, now),
			StartedAt:       job.StartedAt,
			LastUpdated:     job.LastUpdated,
		})
	}
	// Newest first.
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"builds": out, "total": len(out)})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}
	if job.Status != models.StatusCompleted || job.Result == nil {
		writeErr(w, http.StatusNotFound, "build is not ready for download")
		return
	}
	f, err := os.Open(job.Result.ZipPath)
	if err != nil {
		writeErr(w, http.StatusNotFound, "archive not found or expired")
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeErr(w, http.StatusNotFound, "archive not found or expired")
		return
	}

	if job.ProjectID != "" {
		telemetry.BestEffort("api: record download", s.store.RecordDownload(context.WithoutCancel(r.Context()), job.ProjectID, s.now()))
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, packaging.Slug(job.ProjectName)))
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (s *Server) url(path string) string {
	return s.cfg.PublicURL + path
}

func elapsed(job models.BuildJob, now time.Time) time.Duration {
	end := now
	for _, t := range []*time.Time{job.CompletedAt, job.FailedAt, job.CancelledAt} {
		if t != nil {
			end = *t
			break
		}
	}
	if d := end.Sub(job.StartedAt); d > 0 {
		return d
	}
	return 0
}

func filePaths(files map[string]string) []string {
	out := make([]string, 0, len(files))
	for p := range files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
