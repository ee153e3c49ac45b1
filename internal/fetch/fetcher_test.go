package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperstream/paperstream/internal/testutil"
)

func TestIsChallengeBody(t *testing.T) {
	assert.True(t, IsChallengeBody([]byte("<title>Just a Moment...</title>")))
	assert.True(t, IsChallengeBody([]byte("We are CHECKING YOUR BROWSER before accessing")))
	assert.True(t, IsChallengeBody([]byte(`<form class="challenge-form">`)))
	assert.False(t, IsChallengeBody([]byte("<html><body>gallery</body></html>")))
}

func testProfiles(host string) []HostProfile {
	return []HostProfile{{
		Group:        "kumo",
		Hosts:        []string{host},
		SolverFamily: "kumo",
		ProofCookie:  "kumo_clearance",
	}}
}

func hostOf(t *testing.T, server *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return u.Hostname()
}

func TestFetchDirectSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>real content</html>"))
	}))
	defer server.Close()

	f := New(nil, NewCookieCache(0), nil, nil, testutil.NopLogger())
	body, err := f.Fetch(context.Background(), server.URL, "")
	require.NoError(t, err)
	assert.Contains(t, string(body), "real content")
}

func TestFetch200WithChallengeBodyEscalates(t *testing.T) {
	// The direct client trips the wall; the browser-shaped client, identified
	// here by its Sec-Fetch-Mode header, gets real content.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
			w.Write([]byte("<html>the gallery</html>"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<title>Just a moment...</title>"))
	}))
	defer server.Close()

	f := New(testProfiles(hostOf(t, server)), NewCookieCache(0), nil, nil, testutil.NopLogger())
	body, err := f.Fetch(context.Background(), server.URL, "")
	require.NoError(t, err)
	assert.Contains(t, string(body), "the gallery")
}

func TestFetch403Escalates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
			w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	f := New(testProfiles(hostOf(t, server)), NewCookieCache(0), nil, nil, testutil.NopLogger())
	body, err := f.Fetch(context.Background(), server.URL, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

type stubSolver struct {
	called bool
	result *SolveResult
	err    error
}

func (s *stubSolver) Solve(ctx context.Context, rawURL, family string) (*SolveResult, error) {
	s.called = true
	return s.result, s.err
}

func TestFetchFallsThroughToSolver(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<title>Just a moment...</title>"))
	}))
	defer server.Close()

	solver := &stubSolver{result: &SolveResult{
		HTML:    "<html>solved</html>",
		Cookies: map[string]string{"kumo_clearance": "tok123"},
	}}

	cookies := NewCookieCache(0)
	f := New(testProfiles(hostOf(t, server)), cookies, nil, solver, testutil.NopLogger())

	body, err := f.Fetch(context.Background(), server.URL, "")
	require.NoError(t, err)
	assert.True(t, solver.called)
	assert.Contains(t, string(body), "solved")

	// Proof cookies were synced back into the default session.
	header, ok := cookies.Get("kumo")
	require.True(t, ok)
	assert.Contains(t, header, "kumo_clearance=tok123")
}

func TestFetchPlain404DoesNotEscalate(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	solver := &stubSolver{result: &SolveResult{HTML: "solved"}}
	f := New(testProfiles(hostOf(t, server)), NewCookieCache(0), nil, solver, testutil.NopLogger())

	_, err := f.Fetch(context.Background(), server.URL, "")
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusNotFound, netErr.Status)

	// A definitive origin answer never walks the rest of the chain.
	assert.False(t, solver.called)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, hits)
}

func TestChallengeInvalidatesStaleSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<title>Just a moment...</title>"))
	}))
	defer server.Close()

	cookies := NewCookieCache(time.Minute)
	cookies.Set("kumo", "sid=stale")
	f := New(testProfiles(hostOf(t, server)), cookies, nil, nil, testutil.NopLogger())

	_, err := f.Fetch(context.Background(), server.URL, "")
	require.ErrorIs(t, err, ErrChallenge)

	_, ok := cookies.Get("kumo")
	assert.False(t, ok, "challenged session header should be dropped")
}

func TestFetchNotifiesAroundSolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<title>Just a moment...</title>"))
	}))
	defer server.Close()

	solver := &stubSolver{result: &SolveResult{HTML: "<html>solved</html>"}}
	f := New(testProfiles(hostOf(t, server)), NewCookieCache(0), nil, solver, testutil.NopLogger())

	var events []bool
	ctx := WithChallengeNotify(context.Background(), func(active bool) {
		events = append(events, active)
	})
	body, err := f.Fetch(ctx, server.URL, "")
	require.NoError(t, err)
	assert.Contains(t, string(body), "solved")
	assert.Equal(t, []bool{true, false}, events)
}

func TestFetchChallengeWithoutSolverFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<title>Just a moment...</title>"))
	}))
	defer server.Close()

	f := New(testProfiles(hostOf(t, server)), NewCookieCache(0), nil, nil, testutil.NopLogger())
	_, err := f.Fetch(context.Background(), server.URL, "")
	require.ErrorIs(t, err, ErrChallenge)
}

func TestDownloadRejectsChallengeHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<title>Just a moment...</title>"))
	}))
	defer server.Close()

	f := New(nil, NewCookieCache(0), nil, nil, testutil.NopLogger())
	var sb strings.Builder
	_, err := f.Download(context.Background(), server.URL, "", nil, &sb)
	require.ErrorIs(t, err, ErrChallenge)
}

func TestDownloadStreamsBytes(t *testing.T) {
	payload := strings.Repeat("jpegdata", 1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://kumo.to/g/1", r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte(payload))
	}))
	defer server.Close()

	f := New(nil, NewCookieCache(0), nil, nil, testutil.NopLogger())
	var sb strings.Builder
	n, err := f.Download(context.Background(), server.URL, "https://kumo.to/g/1", nil, &sb)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, sb.String())
}

func TestCookieCacheTTL(t *testing.T) {
	c := NewCookieCache(30 * time.Millisecond)
	c.Set("kumo", "sid=abc")

	v, ok := c.Get("kumo")
	require.True(t, ok)
	assert.Equal(t, "sid=abc", v)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("kumo")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Sweep())
}

func TestCookieCacheMergeReplacesByName(t *testing.T) {
	c := NewCookieCache(time.Minute)
	c.Set("kumo", "sid=old; theme=dark")
	c.Merge("kumo", map[string]string{"sid": "new", "kumo_clearance": "tok"}, time.Minute)

	v, ok := c.Get("kumo")
	require.True(t, ok)
	assert.Contains(t, v, "sid=new")
	assert.Contains(t, v, "theme=dark")
	assert.Contains(t, v, "kumo_clearance=tok")
	assert.NotContains(t, v, "sid=old")
}

func TestResolverFallbackTable(t *testing.T) {
	// Point both DoH endpoints at a failing server so the static table wins.
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	saved := dohEndpoints
	dohEndpoints = []string{failing.URL, failing.URL}
	defer func() { dohEndpoints = saved }()

	r := NewResolver(map[string][]string{"kumo.to": {"203.0.113.7"}}, testutil.NopLogger())
	ips, err := r.Resolve(context.Background(), "kumo.to")
	require.NoError(t, err)
	assert.Equal(t, []string{"203.0.113.7"}, ips)
}

func TestResolverParsesAnswers(t *testing.T) {
	doh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/dns-json", r.Header.Get("Accept"))
		w.Write([]byte(`{"Status":0,"Answer":[{"type":1,"data":"198.51.100.4"},{"type":5,"data":"alias.kumo.to."}]}`))
	}))
	defer doh.Close()

	saved := dohEndpoints
	dohEndpoints = []string{doh.URL}
	defer func() { dohEndpoints = saved }()

	r := NewResolver(nil, testutil.NopLogger())
	ips, err := r.Resolve(context.Background(), "kumo.to")
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.4"}, ips)
}
