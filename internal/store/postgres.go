package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"appforge/internal/models"
)

// Postgres wraps pgxpool for Postgres persistence.
type Postgres struct {
	pool           *pgxpool.Pool
	defaultCredits int
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, defaultCredits int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, defaultCredits: defaultCredits}, nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (s *Postgres) ensureUser(ctx context.Context, q execer, userID string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO users (id, credits, created_at) VALUES ($1, $2, NOW())
		ON CONFLICT (id) DO NOTHING
	`, userID, s.defaultCredits)
	return err
}

func (s *Postgres) Credits(ctx context.Context, userID string) (int, error) {
	if err := s.ensureUser(ctx, s.pool, userID); err != nil {
		return 0, fmt.Errorf("seed user: %w", err)
	}
	var credits int
	if err := s.pool.QueryRow(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&credits); err != nil {
		return 0, fmt.Errorf("query credits: %w", err)
	}
	return credits, nil
}

// DebitCredit seeds the user if needed and consumes one credit in a single transaction.
func (s *Postgres) DebitCredit(ctx context.Context, userID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if err := s.ensureUser(ctx, tx, userID); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	tag, err := tx.Exec(ctx, `UPDATE users SET credits = credits - 1 WHERE id = $1 AND credits > 0`, userID)
	if err != nil {
		return fmt.Errorf("debit credit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientCredits
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Postgres) CreateProject(ctx context.Context, p models.Project) (models.Project, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Status == "" {
		p.Status = models.ProjectDraft
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	statsJSON, err := json.Marshal(p.Stats)
	if err != nil {
		return models.Project{}, fmt.Errorf("marshal stats: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO projects (id, owner_user_id, name, description, status, progress, phase, message, stats, last_build_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, p.ID, p.OwnerUserID, p.Name, p.Description, p.Status, p.Progress, p.Phase, p.Message, statsJSON, p.LastBuildID, now)
	if err != nil {
		return models.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *Postgres) GetProject(ctx context.Context, id string) (models.Project, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_user_id, name, description, status, progress, phase, message, stats, last_build_id, last_error, last_download_at, created_at, updated_at
		FROM projects WHERE id = $1
	`, id)

	var p models.Project
	var statsJSON []byte
	var lastBuild, lastErr pgtype.Text
	var lastDownload pgtype.Timestamptz
	if err := row.Scan(&p.ID, &p.OwnerUserID, &p.Name, &p.Description, &p.Status, &p.Progress, &p.Phase, &p.Message,
		&statsJSON, &lastBuild, &lastErr, &lastDownload, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Project{}, ErrNotFound
		}
		return models.Project{}, fmt.Errorf("get project: %w", err)
	}
	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &p.Stats); err != nil {
			return models.Project{}, fmt.Errorf("decode stats: %w", err)
		}
	}
	if lastBuild.Valid {
		p.LastBuildID = &lastBuild.String
	}
	if lastErr.Valid {
		p.LastError = &lastErr.String
	}
	if lastDownload.Valid {
		t := lastDownload.Time
		p.LastDownloadAt = &t
	}
	return p, nil
}

func (s *Postgres) MirrorProgress(ctx context.Context, projectID string, u ProgressUpdate) error {
	statsJSON, err := json.Marshal(u.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	return s.execOne(ctx, `
		UPDATE projects SET status = COALESCE(NULLIF($2, ''), status), progress = $3, phase = $4, message = $5, stats = $6, updated_at = NOW()
		WHERE id = $1
	`, projectID, u.Status, u.Progress, u.Phase, u.Message, statsJSON)
}

func (s *Postgres) MarkProjectCompleted(ctx context.Context, projectID, buildID string) error {
	return s.execOne(ctx, `
		UPDATE projects SET status = $2, progress = 100, phase = $3, last_build_id = $4, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, projectID, models.ProjectCompleted, models.PhaseDone, buildID)
}

func (s *Postgres) MarkProjectFailed(ctx context.Context, projectID, buildID, msg string) error {
	return s.execOne(ctx, `
		UPDATE projects SET status = $2, phase = $3, last_build_id = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, projectID, models.ProjectFailed, models.PhaseError, buildID, msg)
}

func (s *Postgres) RecordDownload(ctx context.Context, projectID string, at time.Time) error {
	return s.execOne(ctx, `UPDATE projects SET last_download_at = $2 WHERE id = $1`, projectID, at.UTC())
}

func (s *Postgres) InsertNotification(ctx context.Context, n models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Recorded.IsZero() {
		n.Recorded = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, kind, title, body, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, n.UserID, n.Kind, n.Title, n.Body, n.Recorded)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *Postgres) Notifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, kind, title, body, recorded_at FROM notifications
		WHERE user_id = $1 ORDER BY recorded_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &n.Recorded); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Postgres) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
