package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"packbot/internal/domain"
)

func TestExternalHTTPClientTimeout(t *testing.T) {
	require.NotNil(t, externalHTTPClient)
	assert.Equal(t, defaultExternalHTTPTimeout, externalHTTPClient.Timeout)
	assert.Same(t, externalHTTPClient, Client(), "Client() must return the shared client")
}

func TestConfigureExternalHTTPClient(t *testing.T) {
	original := externalHTTPClient.Timeout
	t.Cleanup(func() {
		externalHTTPClient.Timeout = original
	})

	assert.Equal(t, defaultExternalHTTPTimeout, ConfigureExternalHTTPClient(0))
	assert.Equal(t, minExternalHTTPTimeout, ConfigureExternalHTTPClient(2))
	assert.Equal(t, 120*time.Second, ConfigureExternalHTTPClient(120))
	assert.Equal(t, 120*time.Second, externalHTTPClient.Timeout)
}

func TestDownloaderStatusMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer xoxb-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("pixels"))
	})
	mux.HandleFunc("/busy", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := &Downloader{
		Client:    srv.Client(),
		Authorize: func(req *http.Request) { req.Header.Set("Authorization", "Bearer xoxb-test") },
	}
	ctx := context.Background()

	body, err := d.Download(ctx, domain.Attachment{URL: srv.URL + "/ok"})
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(body))

	_, err = d.Download(ctx, domain.Attachment{URL: srv.URL + "/busy"})
	var rl *domain.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 7*time.Second, rl.RetryAfter)

	_, err = d.Download(ctx, domain.Attachment{URL: srv.URL + "/gone"})
	assert.ErrorIs(t, err, domain.ErrTransport)

	_, err = d.Download(ctx, domain.Attachment{ID: "F1"})
	assert.ErrorIs(t, err, domain.ErrTransport, "empty URL")
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter("soon"))

	future := time.Now().Add(time.Minute).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.Positive(t, got)
	assert.LessOrEqual(t, got, time.Minute)
}
