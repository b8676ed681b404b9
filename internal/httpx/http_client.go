// Package httpx owns the shared client for non-Slack HTTP calls.
package httpx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"packbot/internal/domain"
)

const (
	defaultExternalHTTPTimeout = 90 * time.Second
	minExternalHTTPTimeout     = 5 * time.Second

	// MaxDownloadBytes bounds a single attachment download.
	MaxDownloadBytes = 32 << 20
)

var externalHTTPClient = &http.Client{
	Timeout: defaultExternalHTTPTimeout,
}

// ConfigureExternalHTTPClient sets the shared client timeout and returns the
// applied value. Non-positive seconds select the default; values below the
// minimum are raised to it.
func ConfigureExternalHTTPClient(seconds int) time.Duration {
	timeout := defaultExternalHTTPTimeout
	if seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
		if timeout < minExternalHTTPTimeout {
			timeout = minExternalHTTPTimeout
		}
	}
	externalHTTPClient.Timeout = timeout
	return timeout
}

// Client returns the shared client.
func Client() *http.Client {
	return externalHTTPClient
}

// Downloader fetches attachment bytes over plain HTTP(S).
type Downloader struct {
	Client *http.Client
	// Authorize, if set, decorates each request (e.g. with a bearer token).
	Authorize func(req *http.Request)
}

func NewDownloader() *Downloader {
	return &Downloader{Client: externalHTTPClient}
}

func (d *Downloader) Download(ctx context.Context, att domain.Attachment) ([]byte, error) {
	if att.URL == "" {
		return nil, fmt.Errorf("%w: attachment %s has no URL", domain.ErrTransport, att.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	if d.Authorize != nil {
		d.Authorize(req)
	}
	client := d.Client
	if client == nil {
		client = externalHTTPClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if err := CheckStatus(resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxDownloadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", domain.ErrTransport, err)
	}
	if len(body) > MaxDownloadBytes {
		return nil, fmt.Errorf("%w: attachment larger than %d bytes", domain.ErrTransport, MaxDownloadBytes)
	}
	return body, nil
}

// CheckStatus maps HTTP 429 to *domain.RateLimitError and other non-2xx
// responses to domain.ErrTransport.
func CheckStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &domain.RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: unexpected status %s", domain.ErrTransport, resp.Status)
	}
	return nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
