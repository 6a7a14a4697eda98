package models

import (
	"time"
)

// ProjectStatus mirrors build state onto the durable project record.
const (
	ProjectDraft     = "draft"
	ProjectBuilding  = "building"
	ProjectCompleted = "completed"
	ProjectFailed    = "failed"
)

// Project represents a project row owned by a user.
type Project struct {
	ID             string     `json:"id"`
	OwnerUserID    string     `json:"owner_user_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	Status         string     `json:"status"`
	Progress       int        `json:"progress"`
	Phase          string     `json:"phase"`
	Message        string     `json:"message"`
	Stats          Stats      `json:"stats"`
	LastBuildID    *string    `json:"last_build_id,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	LastDownloadAt *time.Time `json:"last_download_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Notification is an in-app message for a user.
type Notification struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	Kind     string    `json:"kind"`
	Title    string    `json:"title"`
	Body     string    `json:"body"`
	Recorded time.Time `json:"recorded_at"`
}
