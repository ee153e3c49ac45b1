package solver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperstream/paperstream/internal/fetch"
	"github.com/paperstream/paperstream/internal/testutil"
)

func newTestSolver(t *testing.T) *Solver {
	t.Helper()
	families := []Family{{
		Key:          "kumo",
		ProofCookie:  "kumo_clearance",
		CookieDomain: ".kumo.to",
		LoginURL:     "https://kumo.to/login",
	}}
	return New(Config{PartitionRoot: t.TempDir()}, families, fetch.NewCookieCache(0), testutil.NopLogger())
}

func TestSolveUnknownFamily(t *testing.T) {
	s := newTestSolver(t)
	_, err := s.Solve(context.Background(), "https://elsewhere.example/g/1", "nope")
	require.ErrorIs(t, err, ErrUnknownFamily)
}

func TestOpenLoginUnknownFamily(t *testing.T) {
	s := newTestSolver(t)
	_, err := s.OpenLogin(context.Background(), "nope")
	require.ErrorIs(t, err, ErrUnknownFamily)
}

func TestOpenLoginRequiresLoginURL(t *testing.T) {
	s := New(Config{}, []Family{{Key: "hibi"}}, fetch.NewCookieCache(0), testutil.NopLogger())
	_, err := s.OpenLogin(context.Background(), "hibi")
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	s := New(Config{}, nil, fetch.NewCookieCache(0), testutil.NopLogger())
	assert.Equal(t, 3*time.Minute, s.cfg.HardTimeout)
	assert.Equal(t, 45*time.Second, s.cfg.VisibleAfter)
	assert.Equal(t, 3*time.Second, s.cfg.PollInterval)
	assert.NotEmpty(t, s.cfg.PartitionRoot)
}
