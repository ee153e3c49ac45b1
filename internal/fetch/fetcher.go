// Package fetch is the network resilience layer: it retrieves raw page and
// resource bytes through an ordered chain of retrieval strategies, escalating
// as blocking defenses increase. Callers see a uniform contract and never
// deal with the per-source blocking behind it.
package fetch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/publicsuffix"
)

// HostProfile describes how a domain group is blocked and which escalation
// steps apply to it.
type HostProfile struct {
	// Group keys the cookie cache and the solver's storage partition.
	Group string
	// Hosts are hostname suffixes claimed by this profile.
	Hosts []string
	// DNSBypass enables the DNS-over-HTTPS re-dial step for hosts whose
	// plain DNS answers are poisoned or ISP-blocked.
	DNSBypass bool
	// SolverFamily, when set, enables the browser-surrogate step.
	SolverFamily string
	// ProofCookie is the session token name whose presence proves a solved
	// challenge for this group.
	ProofCookie string
}

// SolveResult is what the browser surrogate hands back on success.
type SolveResult struct {
	HTML    string
	Cookies map[string]string
}

// ChallengeSolver is the final escalation step. Implemented by the solver
// package; nil disables the step.
type ChallengeSolver interface {
	Solve(ctx context.Context, rawURL, family string) (*SolveResult, error)
}

const (
	directTimeout  = 30 * time.Second
	bypassTimeout  = 30 * time.Second
	browserTimeout = 45 * time.Second

	// maxBodySize bounds page reads; image payloads stream through Download.
	maxBodySize = 16 * 1024 * 1024

	// proofCookieTTL keeps solver-proven sessions longer than ambient ones.
	proofCookieTTL = 20 * time.Minute
)

// Fetcher executes the escalation chain. Safe for concurrent use.
type Fetcher struct {
	direct   *http.Client
	browser  *browserClient
	resolver *Resolver
	solver   ChallengeSolver
	cookies  *CookieCache
	profiles []HostProfile
	logger   zerolog.Logger
}

// New creates a fetcher. resolver and solver may be nil to disable their steps.
func New(profiles []HostProfile, cookies *CookieCache, resolver *Resolver, solver ChallengeSolver, logger zerolog.Logger) *Fetcher {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &Fetcher{
		direct: &http.Client{
			Timeout: directTimeout,
			Jar:     jar,
		},
		browser:  newBrowserClient(browserTimeout),
		resolver: resolver,
		solver:   solver,
		cookies:  cookies,
		profiles: profiles,
		logger:   logger.With().Str("component", "fetch").Logger(),
	}
}

// Cookies exposes the shared cookie cache for session bridging.
func (f *Fetcher) Cookies() *CookieCache { return f.cookies }

type notifyKey struct{}

// WithChallengeNotify installs a callback invoked with true when a fetch on
// this context escalates into the challenge solver and false when the solve
// finishes, so callers can surface a verification state.
func WithChallengeNotify(ctx context.Context, fn func(active bool)) context.Context {
	return context.WithValue(ctx, notifyKey{}, fn)
}

// ChallengeNotify returns the callback installed by WithChallengeNotify, if any.
func ChallengeNotify(ctx context.Context) func(active bool) {
	fn, _ := ctx.Value(notifyKey{}).(func(bool))
	return fn
}

// profileFor returns the profile claiming a hostname, if any.
func (f *Fetcher) profileFor(host string) *HostProfile {
	for i := range f.profiles {
		for _, h := range f.profiles[i].Hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				return &f.profiles[i]
			}
		}
	}
	return nil
}

// Fetch retrieves a page through the escalation chain, stopping at the first
// strategy that yields real content.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, referer string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}

	profile := f.profileFor(u.Hostname())
	group := ""
	if profile != nil {
		group = profile.Group
	}

	// Strategy 1: the default client with ambient session cookies.
	body, attemptErr := f.directFetch(ctx, rawURL, referer, group)
	if attemptErr == nil {
		return body, nil
	}
	lastErr := attemptErr
	if profile == nil || !escalates(lastErr) {
		return nil, lastErr
	}
	f.logger.Debug().Err(lastErr).Str("url", rawURL).Msg("direct fetch escalating")

	// A challenged response proves the cached session header is stale.
	var challenged *ChallengeError
	if errors.As(lastErr, &challenged) && group != "" {
		f.cookies.Invalidate(group)
	}

	// Strategy 2: DoH re-dial for DNS-poisoned hosts.
	if profile.DNSBypass && f.resolver != nil {
		body, attemptErr = f.bypassFetch(ctx, u, referer, group)
		if attemptErr == nil {
			return body, nil
		}
		lastErr = attemptErr
		if !escalates(lastErr) {
			return nil, lastErr
		}
		f.logger.Debug().Err(lastErr).Str("url", rawURL).Msg("dns bypass escalating")
	}

	// Strategy 3: the browser-shaped client.
	cookieHeader, _ := f.cookies.Get(group)
	resp, browserBody, browserErr := f.browser.get(ctx, rawURL, referer, cookieHeader)
	if browserErr == nil {
		if evalErr := evaluate(rawURL, resp.StatusCode, browserBody); evalErr == nil {
			return browserBody, nil
		} else {
			lastErr = evalErr
		}
	} else {
		lastErr = &NetworkError{URL: rawURL, Err: browserErr}
	}
	if !escalates(lastErr) {
		return nil, lastErr
	}
	f.logger.Debug().Err(lastErr).Str("url", rawURL).Msg("impersonation escalating")

	// Strategy 4: the browser surrogate.
	if f.solver != nil && profile.SolverFamily != "" {
		if fn := ChallengeNotify(ctx); fn != nil {
			fn(true)
			defer fn(false)
		}
		result, solveErr := f.solver.Solve(ctx, rawURL, profile.SolverFamily)
		if solveErr != nil {
			f.logger.Warn().Err(solveErr).Str("url", rawURL).Msg("challenge solver failed")
			return nil, lastErr
		}
		if len(result.Cookies) > 0 {
			f.cookies.Merge(group, result.Cookies, proofCookieTTL)
		}
		return []byte(result.HTML), nil
	}

	return nil, lastErr
}

// escalates reports whether an attempt failure warrants the next strategy:
// challenge responses and transport-level failures do, any other HTTP status
// is a terminal answer from the origin.
func escalates(err error) bool {
	var challenged *ChallengeError
	if errors.As(err, &challenged) {
		return true
	}
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Err != nil
	}
	return false
}

func (f *Fetcher) directFetch(ctx context.Context, rawURL, referer, group string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	f.applyHeaders(req, referer, group)

	resp, err := f.direct.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	if err := evaluate(rawURL, resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// bypassFetch resolves the host over DoH and reissues the request against the
// resolved IP with the original hostname preserved. TLS verification is
// relaxed only on this path: certificate validation against a raw IP dial
// cannot use the poisoned DNS chain anyway.
func (f *Fetcher) bypassFetch(ctx context.Context, u *url.URL, referer, group string) ([]byte, error) {
	host := u.Hostname()
	ips, err := f.resolver.Resolve(ctx, host)
	if err != nil {
		return nil, &NetworkError{URL: u.String(), Err: err}
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	var lastErr error
	for _, ip := range ips {
		client := &http.Client{
			Timeout: bypassTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
				},
				TLSClientConfig: &tls.Config{
					ServerName:         host,
					InsecureSkipVerify: true, //nolint:gosec // bypass path only, see above
				},
			},
		}

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if reqErr != nil {
			return nil, &NetworkError{URL: u.String(), Err: reqErr}
		}
		req.Host = host
		f.applyHeaders(req, referer, group)

		resp, doErr := client.Do(req)
		if doErr != nil {
			lastErr = &NetworkError{URL: u.String(), Err: doErr}
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		resp.Body.Close()
		if readErr != nil {
			lastErr = &NetworkError{URL: u.String(), Err: readErr}
			continue
		}
		if evalErr := evaluate(u.String(), resp.StatusCode, body); evalErr != nil {
			lastErr = evalErr
			continue
		}
		return body, nil
	}

	if lastErr == nil {
		lastErr = &NetworkError{URL: u.String(), Err: fmt.Errorf("no resolved address for %s", host)}
	}
	return nil, lastErr
}

func (f *Fetcher) applyHeaders(req *http.Request, referer, group string) {
	req.Header.Set("User-Agent", spoofedUserAgent)
	req.Header.Set("Accept-Language", spoofedAcceptLang)
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	if group != "" {
		if cookieHeader, ok := f.cookies.Get(group); ok {
			req.Header.Set("Cookie", cookieHeader)
		}
	}
}

// evaluate decides whether a response is real content or needs escalation.
// The body scan runs even on HTTP 200: many bot walls answer success status
// with a challenge page.
func evaluate(rawURL string, status int, body []byte) error {
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		return &ChallengeError{URL: rawURL}
	}
	if status < 200 || status >= 300 {
		return &NetworkError{URL: rawURL, Status: status}
	}
	if IsChallengeBody(body) {
		return &ChallengeError{URL: rawURL}
	}
	return nil
}

// Download streams a resource to w through the default session. Cancellation
// takes effect within one chunk copy. Returns the bytes written.
func (f *Fetcher) Download(ctx context.Context, rawURL, referer string, headers map[string]string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, &NetworkError{URL: rawURL, Err: err}
	}

	u, _ := url.Parse(rawURL)
	group := ""
	if u != nil {
		if profile := f.profileFor(u.Hostname()); profile != nil {
			group = profile.Group
		}
	}
	f.applyHeaders(req, referer, group)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := f.direct.Do(req)
	if err != nil {
		return 0, &NetworkError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusServiceUnavailable {
			return 0, &ChallengeError{URL: rawURL}
		}
		return 0, &NetworkError{URL: rawURL, Status: resp.StatusCode}
	}

	// An HTML payload where an image was expected is a challenge page.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if IsChallengeBody(body) {
			return 0, &ChallengeError{URL: rawURL}
		}
		return 0, &NetworkError{URL: rawURL, Err: fmt.Errorf("expected binary content, got text/html")}
	}

	return io.Copy(w, resp.Body)
}
