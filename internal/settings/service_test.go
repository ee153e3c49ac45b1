package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperstream/paperstream/internal/config"
	"github.com/paperstream/paperstream/internal/testutil"
)

func newService(t *testing.T) *Service {
	t.Helper()
	tdb := testutil.NewTestDB(t)
	t.Cleanup(tdb.Close)

	defaults := config.DownloadConfig{
		OutputRoot:         "/downloads",
		MaxConcurrentTasks: 2,
		StartDelay:         3 * time.Second,
		MaxRetries:         2,
		MaxHistoryItems:    200,
	}
	return NewService(tdb.Conn, defaults, testutil.NopLogger())
}

func TestGetReturnsDefaultsWhenEmpty(t *testing.T) {
	s := newService(t)

	got, err := s.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/downloads", got.OutputRoot)
	assert.Equal(t, 2, got.MaxConcurrentTasks)
	assert.Equal(t, 3, got.StartDelaySeconds)
	assert.Equal(t, 200, got.MaxHistoryItems)
}

func TestUpdateRoundtrip(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, Settings{
		OutputRoot:         "/mnt/archive",
		MaxConcurrentTasks: 4,
		StartDelaySeconds:  10,
		MaxRetries:         3,
		MaxHistoryItems:    500,
		StrictImport:       true,
	}))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/mnt/archive", got.OutputRoot)
	assert.Equal(t, 4, got.MaxConcurrentTasks)
	assert.Equal(t, 10, got.StartDelaySeconds)
	assert.Equal(t, 3, got.MaxRetries)
	assert.Equal(t, 500, got.MaxHistoryItems)
	assert.True(t, got.StrictImport)

	dl, err := s.Download(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, dl.StartDelay)
	assert.True(t, dl.StrictImport)
}

func TestUpdateValidation(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	valid := Settings{OutputRoot: "/d", MaxConcurrentTasks: 2, StartDelaySeconds: 3, MaxRetries: 2, MaxHistoryItems: 100}

	bad := valid
	bad.OutputRoot = ""
	assert.Error(t, s.Update(ctx, bad))

	bad = valid
	bad.MaxConcurrentTasks = 0
	assert.Error(t, s.Update(ctx, bad))

	bad = valid
	bad.MaxConcurrentTasks = 99
	assert.Error(t, s.Update(ctx, bad))

	bad = valid
	bad.MaxHistoryItems = 1
	assert.Error(t, s.Update(ctx, bad))
}
