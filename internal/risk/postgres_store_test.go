package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proctorhq/vigil/internal/idgen"
	"github.com/proctorhq/vigil/internal/testutil"
)

func TestPostgresStoreVerdicts(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	verdict := &Verdict{
		SessionID:      idgen.WithPrefix("sess_"),
		Score:          0.35,
		TotalFlags:     3,
		Level:          LevelMedium,
		Recommendation: Recommendation(LevelMedium, 3, 0.35),
		Duration:       45 * time.Minute,
		FinalizedAt:    time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.Record(ctx, verdict))

	// Recording again is a no-op, not an error.
	dup := *verdict
	dup.Score = 0.99
	require.NoError(t, store.Record(ctx, &dup))

	got, err := store.Get(ctx, verdict.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.35, got.Score)
	assert.Equal(t, LevelMedium, got.Level)
	assert.Equal(t, 3, got.TotalFlags)
	assert.Equal(t, 45*time.Minute, got.Duration)
	assert.Contains(t, got.Recommendation, "Manual review")

	missing, err := store.Get(ctx, "sess_000000000000000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, verdict.SessionID, list[0].SessionID)
}
