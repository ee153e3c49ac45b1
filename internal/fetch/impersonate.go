package fetch

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
)

// Fixed browser identity shared by the impersonating client and the solver's
// spoofed fingerprint. Keeping them consistent matters: a session proven by
// the solver is replayed through this client.
const (
	spoofedUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	spoofedAcceptLang = "en-US,en;q=0.9"
)

// browserClient issues requests with a full browser header set, modern TLS
// and brotli/gzip content negotiation. It sits between the plain client and
// the solver in the escalation chain: cheaper than a real browser, harder to
// fingerprint than the default Go client.
type browserClient struct {
	client *http.Client
}

func newBrowserClient(timeout time.Duration) *browserClient {
	transport := &http.Transport{
		ForceAttemptHTTP2: true,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		// Compression is negotiated manually so the Accept-Encoding header
		// matches what a real browser sends.
		DisableCompression: true,
	}
	return &browserClient{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// get fetches a URL with browser-shaped headers and returns the decoded body.
func (b *browserClient) get(ctx context.Context, rawURL, referer, cookieHeader string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}

	req.Header.Set("User-Agent", spoofedUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", spoofedAcceptLang)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Sec-Ch-Ua", `"Chromium";v="126", "Google Chrome";v="126", "Not.A/Brand";v="8"`)
	req.Header.Set("Sec-Ch-Ua-Mobile", "?0")
	req.Header.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	if referer != "" {
		req.Header.Set("Referer", referer)
		req.Header.Set("Sec-Fetch-Site", "same-origin")
	}
	if cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := decodeBody(resp)
	if err != nil {
		return resp, nil, err
	}
	return resp, body, nil
}

// decodeBody decompresses the response according to Content-Encoding.
func decodeBody(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}
