package api

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"

	"appforge/internal/models"
	"appforge/internal/pipeline"
	"appforge/internal/preview"
)

// previewJob loads the build named in the URL. Preview links are shareable, so ownership is
// not checked; the build id is the capability.
func (s *Server) previewJob(w http.ResponseWriter, r *http.Request) (models.BuildJob, bool) {
	job, ok := s.reg.Get(chi.URLParam(r, "id"))
	if !ok {
		writeErr(w, http.StatusNotFound, errBuildNotFound)
		return models.BuildJob{}, false
	}
	return job, true
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	job, ok := s.previewJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build_id":         job.BuildID,
		"project_name":     job.ProjectName,
		"status":           job.Status,
		"phase":            job.Phase,
		"progress":         job.Progress,
		"display_progress": pipeline.DisplayProgress(job, s.now()),
		"message":          job.Message,
		"file_count":       len(job.Files),
		"tree":             preview.Tree(filePaths(job.Files)),
		"stats":            preview.Stats(job.Files),
		"last_updated":     job.LastUpdated,
	})
}

func (s *Server) handlePreviewFiles(w http.ResponseWriter, r *http.Request) {
	job, ok := s.previewJob(w, r)
	if !ok {
		return
	}
	category := r.URL.Query().Get("category")
	if category != "" && !slices.Contains(preview.Categories, category) {
		writeErr(w, http.StatusBadRequest, fmt.Sprintf("unknown category %q", category))
		return
	}
	files := preview.List(job.Files, category)
	writeJSON(w, http.StatusOK, map[string]any{
		"build_id":   job.BuildID,
		"category":   category,
		"files":      files,
		"total":      len(files),
		"categories": preview.Categories,
	})
}

func (s *Server) handlePreviewFile(w http.ResponseWriter, r *http.Request) {
	job, ok := s.previewJob(w, r)
	if !ok {
		return
	}
	fc, ok := s.lookupFile(w, job, chi.URLParam(r, "*"))
	if !ok {
		return
	}
	if raw, _ := strconv.ParseBool(r.URL.Query().Get("raw")); raw {
		w.Header().Set("Content-Type", fc.MIME)
		_, _ = w.Write([]byte(fc.Content))
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handlePreviewDownload(w http.ResponseWriter, r *http.Request) {
	job, ok := s.previewJob(w, r)
	if !ok {
		return
	}
	fc, ok := s.lookupFile(w, job, chi.URLParam(r, "*"))
	if !ok {
		return
	}
	w.Header().Set("Content-Type", fc.MIME)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, path.Base(fc.Path)))
	_, _ = w.Write([]byte(fc.Content))
}

func (s *Server) lookupFile(w http.ResponseWriter, job models.BuildJob, p string) (preview.FileContent, bool) {
	fc, err := preview.File(job.Files, p)
	var nf *preview.NotFoundError
	switch {
	case errors.As(err, &nf):
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":           nf.Error(),
			"available_files": nf.Samples,
		})
		return preview.FileContent{}, false
	case err != nil:
		writeErr(w, http.StatusInternalServerError, err.Error())
		return preview.FileContent{}, false
	}
	return fc, true
}

func (s *Server) handlePreviewBundle(w http.ResponseWriter, r *http.Request) {
	job, ok := s.previewJob(w, r)
	if !ok {
		return
	}
	compress, _ := strconv.ParseBool(r.URL.Query().Get("compress"))
	data, err := preview.Bundle(job, compress, s.now())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "failed to build bundle")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handlePreviewSearch(w http.ResponseWriter, r *http.Request) {
	job, ok := s.previewJob(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", preview.DefaultSearchLimit)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	matches, err := preview.Search(job.Files, q.Get("q"), q.Get("type"), limit)
	if errors.Is(err, preview.ErrEmptyQuery) || errors.Is(err, preview.ErrInvalidSearchType) {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	searchType := q.Get("type")
	if searchType == "" {
		searchType = "all"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"query":   q.Get("q"),
		"type":    searchType,
		"results": matches,
		"total":   len(matches),
	})
}

func (s *Server) handlePreviewStats(w http.ResponseWriter, r *http.Request) {
	job, ok := s.previewJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"build_id":    job.BuildID,
		"status":      job.Status,
		"build_stats": job.Stats,
		"files":       preview.Stats(job.Files),
	})
}
