package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"appforge/internal/models"
)

// SQLite is the single-file backend used for local development and tests.
type SQLite struct {
	db             *sql.DB
	defaultCredits int
}

func OpenSQLite(path string, defaultCredits int) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; the debit path relies on it.
	db.SetMaxOpenConns(1)
	return &SQLite{db: db, defaultCredits: defaultCredits}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) ensureUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, credits, created_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		userID, s.defaultCredits, time.Now().UnixMilli(),
	)
	return err
}

func (s *SQLite) Credits(ctx context.Context, userID string) (int, error) {
	if err := s.ensureUser(ctx, userID); err != nil {
		return 0, fmt.Errorf("seed user: %w", err)
	}
	var credits int
	if err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = ?`, userID).Scan(&credits); err != nil {
		return 0, fmt.Errorf("query credits: %w", err)
	}
	return credits, nil
}

func (s *SQLite) DebitCredit(ctx context.Context, userID string) error {
	if err := s.ensureUser(ctx, userID); err != nil {
		return fmt.Errorf("seed user: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE users SET credits = credits - 1 WHERE id = ? AND credits > 0`, userID)
	if err != nil {
		return fmt.Errorf("debit credit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit credit: %w", err)
	}
	if n == 0 {
		return ErrInsufficientCredits
	}
	return nil
}

func (s *SQLite) CreateProject(ctx context.Context, p models.Project) (models.Project, error) {
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, owner_user_id, name, description, status, progress, phase, message, stats_json, last_build_id, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OwnerUserID, p.Name, p.Description, p.Status, p.Progress, p.Phase, p.Message,
		string(statsJSON), nullString(p.LastBuildID), now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return models.Project{}, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

func (s *SQLite) GetProject(ctx context.Context, id string) (models.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_user_id, name, description, status, progress, phase, message, stats_json, last_build_id, last_error, last_download_at, created_at, updated_at
       FROM projects WHERE id = ?`, id,
	)
	var (
		p                    models.Project
		statsJSON            string
		lastBuild, lastErr   sql.NullString
		lastDownload         sql.NullInt64
		createdMs, updatedMs int64
	)
	if err := row.Scan(&p.ID, &p.OwnerUserID, &p.Name, &p.Description, &p.Status, &p.Progress, &p.Phase, &p.Message,
		&statsJSON, &lastBuild, &lastErr, &lastDownload, &createdMs, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Project{}, ErrNotFound
		}
		return models.Project{}, fmt.Errorf("get project: %w", err)
	}
	if statsJSON != "" {
		if err := json.Unmarshal([]byte(statsJSON), &p.Stats); err != nil {
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
		t := time.UnixMilli(lastDownload.Int64).UTC()
		p.LastDownloadAt = &t
	}
	p.CreatedAt = time.UnixMilli(createdMs).UTC()
	p.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return p, nil
}

func (s *SQLite) MirrorProgress(ctx context.Context, projectID string, u ProgressUpdate) error {
	statsJSON, err := json.Marshal(u.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	return s.execOne(ctx,
		`UPDATE projects SET status = COALESCE(NULLIF(?, ''), status), progress = ?, phase = ?, message = ?, stats_json = ?, updated_at = ?
       WHERE id = ?`,
		u.Status, u.Progress, u.Phase, u.Message, string(statsJSON), time.Now().UnixMilli(), projectID,
	)
}

func (s *SQLite) MarkProjectCompleted(ctx context.Context, projectID, buildID string) error {
	return s.execOne(ctx,
		`UPDATE projects SET status = ?, progress = 100, phase = ?, last_build_id = ?, last_error = NULL, updated_at = ?
       WHERE id = ?`,
		models.ProjectCompleted, models.PhaseDone, buildID, time.Now().UnixMilli(), projectID,
	)
}

func (s *SQLite) MarkProjectFailed(ctx context.Context, projectID, buildID, msg string) error {
	return s.execOne(ctx,
		`UPDATE projects SET status = ?, phase = ?, last_build_id = ?, last_error = ?, updated_at = ?
       WHERE id = ?`,
		models.ProjectFailed, models.PhaseError, buildID, msg, time.Now().UnixMilli(), projectID,
	)
}

func (s *SQLite) RecordDownload(ctx context.Context, projectID string, at time.Time) error {
	return s.execOne(ctx, `UPDATE projects SET last_download_at = ? WHERE id = ?`, at.UnixMilli(), projectID)
}

func (s *SQLite) InsertNotification(ctx context.Context, n models.Notification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Recorded.IsZero() {
		n.Recorded = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, kind, title, body, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Kind, n.Title, n.Body, n.Recorded.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *SQLite) Notifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, title, body, recorded_at FROM notifications
       WHERE user_id = ? ORDER BY recorded_at DESC, id LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var recordedMs int64
		if err := rows.Scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Body, &recordedMs); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Recorded = time.UnixMilli(recordedMs).UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLite) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
