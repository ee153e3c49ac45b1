package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// dohEndpoints are tried in order; all speak the JSON resolver API.
var dohEndpoints = []string{
	"https://cloudflare-dns.com/dns-query",
	"https://dns.google/resolve",
}

const (
	dohTimeout  = 10 * time.Second
	dohCacheTTL = 10 * time.Minute
)

// Resolver resolves hostnames over DNS-over-HTTPS for hosts whose plain DNS
// answers are poisoned or blocked upstream. A hardcoded IP table is the last
// resort when every resolver fails.
type Resolver struct {
	client      *http.Client
	fallbackIPs map[string][]string
	logger      zerolog.Logger

	mu    sync.RWMutex
	cache map[string]resolvedHost
}

type resolvedHost struct {
	ips       []string
	expiresAt time.Time
}

// dohAnswer is the JSON resolver response shape shared by both endpoints.
type dohAnswer struct {
	Status int `json:"Status"`
	Answer []struct {
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"Answer"`
}

// NewResolver creates a resolver with a per-host fallback IP table.
func NewResolver(fallbackIPs map[string][]string, logger zerolog.Logger) *Resolver {
	return &Resolver{
		client:      &http.Client{Timeout: dohTimeout},
		fallbackIPs: fallbackIPs,
		logger:      logger.With().Str("component", "doh").Logger(),
		cache:       make(map[string]resolvedHost),
	}
}

// Resolve returns IPv4 addresses for a hostname, trying each DoH endpoint
// before falling back to the static table.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]string, error) {
	r.mu.RLock()
	cached, ok := r.cache[host]
	r.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.ips, nil
	}

	for _, endpoint := range dohEndpoints {
		ips, err := r.query(ctx, endpoint, host)
		if err != nil {
			r.logger.Debug().Err(err).Str("endpoint", endpoint).Str("host", host).Msg("doh query failed")
			continue
		}
		if len(ips) > 0 {
			r.mu.Lock()
			r.cache[host] = resolvedHost{ips: ips, expiresAt: time.Now().Add(dohCacheTTL)}
			r.mu.Unlock()
			return ips, nil
		}
	}

	if ips, ok := r.fallbackIPs[host]; ok && len(ips) > 0 {
		r.logger.Warn().Str("host", host).Msg("all doh resolvers failed, using fallback IP table")
		return ips, nil
	}

	return nil, fmt.Errorf("doh: unable to resolve %s", host)
}

func (r *Resolver) query(ctx context.Context, endpoint, host string) ([]string, error) {
	reqURL := fmt.Sprintf("%s?name=%s&type=A", endpoint, url.QueryEscape(host))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	var answer dohAnswer
	if err := json.Unmarshal(body, &answer); err != nil {
		return nil, fmt.Errorf("doh: malformed response: %w", err)
	}
	if answer.Status != 0 {
		return nil, fmt.Errorf("doh: resolver status %d", answer.Status)
	}

	var ips []string
	for _, a := range answer.Answer {
		if a.Type == 1 { // A record
			ips = append(ips, a.Data)
		}
	}
	return ips, nil
}
