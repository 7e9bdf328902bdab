package risk

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists finalized verdicts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed verdict store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the verdicts table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS verdicts (
			session_id      VARCHAR(64) PRIMARY KEY,
			score           NUMERIC(4,3) NOT NULL CHECK (score >= 0 AND score <= 1),
			total_flags     INTEGER NOT NULL DEFAULT 0,
			level           VARCHAR(10) NOT NULL CHECK (level IN ('LOW', 'MEDIUM', 'HIGH')),
			recommendation  TEXT NOT NULL DEFAULT '',
			duration_ms     BIGINT NOT NULL DEFAULT 0,
			finalized_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_verdicts_finalized_at
			ON verdicts (finalized_at DESC);

		CREATE INDEX IF NOT EXISTS idx_verdicts_high
			ON verdicts (finalized_at DESC) WHERE level = 'HIGH';
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, verdict *Verdict) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO verdicts (session_id, score, total_flags, level, recommendation, duration_ms, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO NOTHING
	`,
		verdict.SessionID,
		verdict.Score,
		verdict.TotalFlags,
		string(verdict.Level),
		verdict.Recommendation,
		verdict.Duration.Milliseconds(),
		verdict.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record verdict: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Verdict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, score, total_flags, level, recommendation, duration_ms, finalized_at
		FROM verdicts
		WHERE session_id = $1
	`, sessionID)

	verdict, err := scanVerdict(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get verdict: %w", err)
	}
	return verdict, nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Verdict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, score, total_flags, level, recommendation, duration_ms, finalized_at
		FROM verdicts
		ORDER BY finalized_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list verdicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Verdict
	for rows.Next() {
		verdict, err := scanVerdict(rows.Scan)
		if err != nil {
			continue
		}
		result = append(result, verdict)
	}
	return result, rows.Err()
}

func scanVerdict(scan func(...any) error) (*Verdict, error) {
	var v Verdict
	var level string
	var durationMS int64
	var finalizedAt time.Time

	if err := scan(&v.SessionID, &v.Score, &v.TotalFlags, &level, &v.Recommendation, &durationMS, &finalizedAt); err != nil {
		return nil, err
	}
	v.Level = Level(level)
	v.Duration = time.Duration(durationMS) * time.Millisecond
	v.FinalizedAt = finalizedAt
	return &v, nil
}
