package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenSQLite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "vigild.db")

	s, err := OpenSQLite(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestOpenSQLite_RequiresPath(t *testing.T) {
	_, err := OpenSQLite("", zap.NewNop())
	assert.Error(t, err)
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	path := filepath.Join(t.TempDir(), "vigild.db")

	s, err := OpenSQLite(path, zap.NewNop())
	require.NoError(t, err)

	state := sampleState("user-1", base)
	require.NoError(t, s.SaveLongitudinalState(ctx, state))
	require.NoError(t, s.SaveCheckIn(ctx, sampleCheckIn("ci-1", "user-1", base)))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(path, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.LongitudinalState(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, state, *got)

	checkIns, err := reopened.CheckIns(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, checkIns, 1)
}
