// Package solver drives an embedded browsing context through bot-detection
// challenges as the last strategy in the escalation chain. Each source family
// gets its own storage partition so one source's session can never taint
// another's; cookies only ever flow out of a partition once a challenge is
// proven solved.
package solver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"github.com/paperstream/paperstream/internal/fetch"
)

// Family describes how one source family's challenge behaves.
type Family struct {
	// Key matches HostProfile.SolverFamily and names the storage partition.
	Key string
	// ProofCookie is the session token that proves the challenge passed.
	ProofCookie string
	// CookieDomain is the domain cookies are seeded under.
	CookieDomain string
	// ManualFallback makes the context visible after the escalation timer,
	// for sources whose challenge sometimes requires human interaction.
	ManualFallback bool
	// LoginURL is the page opened by the interactive login flow.
	LoginURL string
}

// Config tunes the solver. Zero values take the defaults below.
type Config struct {
	PartitionRoot string
	HardTimeout   time.Duration
	VisibleAfter  time.Duration
	PollInterval  time.Duration
}

const (
	defaultHardTimeout  = 3 * time.Minute
	defaultVisibleAfter = 45 * time.Second
	defaultPollInterval = 3 * time.Second
	loginTimeout        = 5 * time.Minute
)

// ErrTimeout is returned when the hard ceiling expires before success.
var ErrTimeout = errors.New("challenge solve timed out")

// ErrUnknownFamily is returned for a family key no profile covers.
var ErrUnknownFamily = errors.New("unknown solver family")

// Solver owns the browser surrogate.
type Solver struct {
	cfg      Config
	families map[string]Family
	cookies  *fetch.CookieCache
	logger   zerolog.Logger
}

// New creates a solver. The cookie cache is the default session's: solved
// proof cookies are synced into it so subsequent fetches succeed without
// re-invoking the surrogate.
func New(cfg Config, families []Family, cookies *fetch.CookieCache, logger zerolog.Logger) *Solver {
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = defaultHardTimeout
	}
	if cfg.VisibleAfter <= 0 {
		cfg.VisibleAfter = defaultVisibleAfter
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PartitionRoot == "" {
		cfg.PartitionRoot = filepath.Join(os.TempDir(), "paperstream-partitions")
	}

	byKey := make(map[string]Family, len(families))
	for _, f := range families {
		byKey[f.Key] = f
	}

	return &Solver{
		cfg:      cfg,
		families: byKey,
		cookies:  cookies,
		logger:   logger.With().Str("component", "solver").Logger(),
	}
}

// Solve passes the challenge guarding rawURL and returns the realized HTML
// plus the session cookies that prove it. The attempt is bounded by the hard
// timeout; families with manual fallback get a visible window after the
// escalation timer.
func (s *Solver) Solve(ctx context.Context, rawURL, familyKey string) (*fetch.SolveResult, error) {
	family, ok := s.families[familyKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFamily, familyKey)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.HardTimeout)
	defer cancel()

	s.logger.Info().Str("family", familyKey).Str("url", rawURL).Msg("starting challenge solve")

	// First pass hidden. If the family supports manual interaction and the
	// hidden pass runs out its escalation timer, relaunch visible with the
	// remaining budget; the partition carries any partial progress over.
	result, err := s.run(ctx, rawURL, family, true, s.cfg.VisibleAfter)
	if err == nil {
		return result, nil
	}
	if family.ManualFallback && ctx.Err() == nil {
		s.logger.Info().Str("family", familyKey).Msg("escalating to visible window for manual interaction")
		return s.run(ctx, rawURL, family, false, s.cfg.HardTimeout)
	}
	return nil, err
}

// run performs one navigation attempt in a fresh browsing context on the
// family's partition. budget bounds this attempt inside the caller's ctx.
func (s *Solver) run(ctx context.Context, rawURL string, family Family, headless bool, budget time.Duration) (*fetch.SolveResult, error) {
	attemptCtx, cancelAttempt := context.WithTimeout(ctx, budget)
	defer cancelAttempt()

	browserCtx, cleanup, err := s.newBrowserContext(attemptCtx, family, headless)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := chromedp.Run(browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
			return err
		}),
		s.preseedCookies(family),
		chromedp.Navigate(rawURL),
	); err != nil {
		return nil, fmt.Errorf("solver navigation failed: %w", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-attemptCtx.Done():
			if ctx.Err() != nil {
				return nil, ErrTimeout
			}
			// Attempt budget spent, outer ctx still alive: let Solve escalate.
			return nil, fmt.Errorf("solver attempt budget exhausted: %w", ErrTimeout)
		case <-ticker.C:
			result, done, pollErr := s.poll(browserCtx, rawURL, family)
			if pollErr != nil {
				s.logger.Debug().Err(pollErr).Msg("solver poll failed")
				continue
			}
			if done {
				s.logger.Info().Str("family", family.Key).Msg("challenge solved")
				return result, nil
			}
		}
	}
}

// poll inspects the page once: URL, title, a body snippet and the proof
// cookie. Success needs the proof cookie present and no challenge markers.
func (s *Solver) poll(browserCtx context.Context, rawURL string, family Family) (*fetch.SolveResult, bool, error) {
	var title, snippet, location string
	var cookies []*network.Cookie

	err := chromedp.Run(browserCtx,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.Evaluate(`document.body ? document.body.innerText.slice(0, 300) : ""`, &snippet),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().WithURLs([]string{rawURL}).Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, false, err
	}

	if fetch.IsChallengeBody([]byte(title)) || fetch.IsChallengeBody([]byte(snippet)) {
		return nil, false, nil
	}

	proof := false
	cookieMap := make(map[string]string, len(cookies))
	for _, c := range cookies {
		cookieMap[c.Name] = c.Value
		if c.Name == family.ProofCookie {
			proof = true
		}
	}
	if !proof {
		return nil, false, nil
	}

	var html string
	if err := chromedp.Run(browserCtx, chromedp.OuterHTML("html", &html)); err != nil {
		return nil, false, err
	}

	return &fetch.SolveResult{HTML: html, Cookies: cookieMap}, true, nil
}

// OpenLogin opens a visible window on the family's partition for the user to
// authenticate, then syncs the resulting session cookies into the default
// session. Returns once the proof cookie appears or the login window times out.
func (s *Solver) OpenLogin(ctx context.Context, familyKey string) (bool, error) {
	family, ok := s.families[familyKey]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownFamily, familyKey)
	}
	if family.LoginURL == "" {
		return false, fmt.Errorf("source %s has no login page", familyKey)
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	browserCtx, cleanup, err := s.newBrowserContext(ctx, family, false)
	if err != nil {
		return false, err
	}
	defer cleanup()

	if err := chromedp.Run(browserCtx,
		s.preseedCookies(family),
		chromedp.Navigate(family.LoginURL),
	); err != nil {
		return false, fmt.Errorf("login navigation failed: %w", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, nil
		case <-ticker.C:
			var cookies []*network.Cookie
			err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				cookies, err = network.GetCookies().WithURLs([]string{family.LoginURL}).Do(ctx)
				return err
			}))
			if err != nil {
				continue
			}
			cookieMap := make(map[string]string, len(cookies))
			proof := false
			for _, c := range cookies {
				cookieMap[c.Name] = c.Value
				if c.Name == family.ProofCookie {
					proof = true
				}
			}
			if proof {
				s.cookies.Merge(family.Key, cookieMap, 20*time.Minute)
				s.logger.Info().Str("family", familyKey).Msg("login session captured")
				return true, nil
			}
		}
	}
}

// newBrowserContext launches an isolated context on the family's partition.
func (s *Solver) newBrowserContext(ctx context.Context, family Family, headless bool) (context.Context, func(), error) {
	partition := filepath.Join(s.cfg.PartitionRoot, family.Key)
	if err := os.MkdirAll(partition, 0o750); err != nil {
		return nil, nil, fmt.Errorf("failed to create partition dir: %w", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(partition),
		chromedp.UserAgent(userAgent()),
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	cleanup := func() {
		cancelBrowser()
		cancelAlloc()
	}
	return browserCtx, cleanup, nil
}

// preseedCookies copies the default session's cookies for the family into the
// partition, so an already-authenticated user is not asked to log in again
// just to pass a bot check.
func (s *Solver) preseedCookies(family Family) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		header, ok := s.cookies.Get(family.Key)
		if !ok || family.CookieDomain == "" {
			return nil
		}
		for _, part := range strings.Split(header, "; ") {
			name, value, found := strings.Cut(part, "=")
			if !found || name == "" {
				continue
			}
			err := network.SetCookie(name, value).
				WithDomain(family.CookieDomain).
				WithPath("/").
				Do(ctx)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func userAgent() string {
	// Headless builds advertise themselves in the UA; present the same
	// identity the impersonating client uses.
	return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
}
