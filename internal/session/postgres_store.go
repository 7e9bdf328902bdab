package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/proctorhq/vigil/internal/pagination"
	"github.com/proctorhq/vigil/internal/risk"
)

// PostgresStore persists session records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, candidate_ref, status, started_at, ended_at, risk_score, risk_level, total_flags, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, candidate_ref, status, started_at, total_flags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		session.ID,
		session.CandidateRef,
		string(session.Status),
		session.StartedAt,
		session.TotalFlags,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = $1
	`, id)

	sess, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) Update(ctx context.Context, session *Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = $2, ended_at = $3, risk_score = $4, risk_level = $5, total_flags = $6, updated_at = NOW()
		WHERE id = $1
	`,
		session.ID,
		string(session.Status),
		session.EndedAt,
		session.RiskScore,
		nullLevel(session.RiskLevel),
		session.TotalFlags,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int, cursor *pagination.Cursor) ([]*Session, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+sessionColumns+` FROM sessions
			WHERE (created_at, id) < ($1, $2)
			ORDER BY created_at DESC, id DESC
			LIMIT $3
		`, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+sessionColumns+` FROM sessions
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			continue
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions WHERE status = $1
	`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

func nullLevel(level risk.Level) sql.NullString {
	if level == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(level), Valid: true}
}

func scanSession(scan func(...any) error) (*Session, error) {
	var (
		sess      Session
		status    string
		endedAt   sql.NullTime
		score     sql.NullFloat64
		level     sql.NullString
		createdAt time.Time
		updatedAt time.Time
	)
	if err := scan(&sess.ID, &sess.CandidateRef, &status, &sess.StartedAt, &endedAt, &score, &level, &sess.TotalFlags, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	if score.Valid {
		v := score.Float64
		sess.RiskScore = &v
	}
	if level.Valid {
		sess.RiskLevel = risk.Level(level.String)
	}
	sess.CreatedAt = createdAt
	sess.UpdatedAt = updatedAt
	return &sess, nil
}
