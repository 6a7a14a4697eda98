// Package store persists the durable side of a build: user credits, project records and
// in-app notifications. Build jobs themselves live in the registry and never touch the database.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"appforge/internal/models"
)

var (
	ErrNotFound            = errors.New("store: not found")
	ErrInsufficientCredits = errors.New("store: insufficient credits")
)

// ProgressUpdate is the subset of build state mirrored onto the project record.
type ProgressUpdate struct {
	Status   string
	Progress int
	Phase    string
	Message  string
	Stats    models.Stats
}

// Store is implemented by the Postgres and SQLite backends.
type Store interface {
	// Credits returns the caller's balance, seeding unseen users with the default grant.
	Credits(ctx context.Context, userID string) (int, error)
	// DebitCredit consumes one credit or returns ErrInsufficientCredits.
	DebitCredit(ctx context.Context, userID string) error
	CreateProject(ctx context.Context, p models.Project) (models.Project, error)
	GetProject(ctx context.Context, id string) (models.Project, error)
	MirrorProgress(ctx context.Context, projectID string, u ProgressUpdate) error
	MarkProjectCompleted(ctx context.Context, projectID, buildID string) error
	MarkProjectFailed(ctx context.Context, projectID, buildID, msg string) error
	RecordDownload(ctx context.Context, projectID string, at time.Time) error
	InsertNotification(ctx context.Context, n models.Notification) error
	Notifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
	Close() error
}

// Open picks the backend from the DSN: postgres:// and postgresql:// use pgx, anything else
// is treated as a SQLite file path. Migrations are applied before returning.
func Open(ctx context.Context, dsn string, defaultCredits int) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		pg, err := NewPostgres(ctx, dsn, defaultCredits)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
	lite, err := OpenSQLite(dsn, defaultCredits)
	if err != nil {
		return nil, err
	}
	if err := lite.RunMigrations(ctx); err != nil {
		lite.Close()
		return nil, err
	}
	return lite, nil
}
