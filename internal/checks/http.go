package checks

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/leozw/credentials-manager/internal/core"
)

// HTTPEcho asks an IP echo service for the caller's address through a proxy.
type HTTPEcho struct {
	url     string
	timeout time.Duration
}

func NewHTTPEcho(echoURL string, timeout time.Duration) *HTTPEcho {
	if echoURL == "" {
		echoURL = "https://api.ipify.org/"
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEcho{url: echoURL, timeout: timeout}
}

func (h *HTTPEcho) EchoIP(ctx context.Context, proxyURL string) (string, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "", fmt.Errorf("invalid proxy url: %w", err)
	}

	client := &http.Client{
		Timeout: h.timeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(u),
			TLSClientConfig:   &tls.Config{InsecureSkipVerify: false},
			DisableKeepAlives: true,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 3 {
				return fmt.Errorf("stopped after 3 redirects")
			}
			return nil
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request failed: %v", core.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: unexpected status code: %d", core.ErrUpstreamUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response body: %v", core.ErrUpstreamUnavailable, err)
	}

	return strings.TrimSpace(string(body)), nil
}
