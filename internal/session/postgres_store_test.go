package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorhq/vigil/internal/idgen"
	"github.com/proctorhq/vigil/internal/pagination"
	"github.com/proctorhq/vigil/internal/risk"
	"github.com/proctorhq/vigil/internal/testutil"
)

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	sess := &Session{
		ID:           idgen.WithPrefix("sess_"),
		CandidateRef: "candidate-pg",
		Status:       StatusActive,
		StartedAt:    now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, store.Create(ctx, sess))

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.CandidateRef, got.CandidateRef)
	assert.Equal(t, StatusActive, got.Status)
	assert.Nil(t, got.RiskScore)

	score := 0.35
	ended := now.Add(45 * time.Minute)
	sess.Status = StatusCompleted
	sess.EndedAt = &ended
	sess.RiskScore = &score
	sess.RiskLevel = risk.LevelMedium
	sess.TotalFlags = 3
	require.NoError(t, store.Update(ctx, sess))

	got, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RiskScore)
	assert.Equal(t, 0.35, *got.RiskScore)
	assert.Equal(t, risk.LevelMedium, got.RiskLevel)
	assert.Equal(t, 3, got.TotalFlags)
	require.NotNil(t, got.EndedAt)

	n, err := store.CountByStatus(ctx, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, store.Delete(ctx, sess.ID))
	got, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, store.Delete(ctx, sess.ID), ErrSessionNotFound)
	assert.ErrorIs(t, store.Update(ctx, sess), ErrSessionNotFound)
}

func TestPostgresStoreListPagination(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, &Session{
			ID:           idgen.WithPrefix("sess_"),
			CandidateRef: "candidate-list",
			Status:       StatusCompleted,
			StartedAt:    ts,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		}))
	}

	first, err := store.List(ctx, 3, nil)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.True(t, first[0].CreatedAt.After(first[2].CreatedAt))

	cursor := &pagination.Cursor{CreatedAt: first[2].CreatedAt, ID: first[2].ID}
	rest, err := store.List(ctx, 10, cursor)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.True(t, rest[0].CreatedAt.Before(first[2].CreatedAt))
}
