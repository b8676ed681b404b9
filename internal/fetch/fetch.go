// Package fetch pages through channel history with rate-limit aware retry.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/charmbracelet/log"

	"packbot/internal/domain"
	"packbot/internal/metrics"
	"packbot/internal/retry"
)

// MaxPageSize is the largest page the history API will return.
const MaxPageSize = 100

// Page is one batch of history plus the cursor for the next one.
type Page struct {
	Items      []domain.HistoryItem
	NextCursor string
}

// Source retrieves one page of history. Implementations must return an error
// matching domain.ErrRateLimited when the remote API throttles the request.
type Source interface {
	FetchPage(ctx context.Context, channelID, cursor string, limit int) (Page, error)
}

// PartialError is returned when pagination failed after some pages had
// already been fetched. Items holds everything gathered before the failure.
type PartialError struct {
	Items []domain.HistoryItem
	Pages int
	Err   error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("history fetch failed after %d page(s), %d item(s): %v", e.Pages, len(e.Items), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }

type Fetcher struct {
	source   Source
	pageSize int
	policy   retry.Policy
}

// DefaultPolicy waits 5s, doubling up to 60s, over at most 5 attempts.
func DefaultPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Second,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
	}
}

// New builds a Fetcher. The policy's Retryable predicate is always replaced
// with a rate-limit check; other errors fail the page immediately.
func New(source Source, pageSize int, policy retry.Policy) *Fetcher {
	if pageSize < 1 || pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	policy.Retryable = func(err error) bool {
		return errors.Is(err, domain.ErrRateLimited)
	}
	return &Fetcher{source: source, pageSize: pageSize, policy: policy}
}

// FetchAll returns every reachable item in the channel, deduplicated by ID,
// in the order the source returned them.
//
// On failure the items gathered so far are returned alongside a *PartialError.
func (f *Fetcher) FetchAll(ctx context.Context, channelID string) ([]domain.HistoryItem, error) {
	logger := log.With("channel", channelID)
	policy := f.policy
	userRetry := policy.OnRetry
	policy.OnRetry = func(attempt int, wait time.Duration, err error) {
		metrics.FetchRetries.Inc()
		logger.Warn("history rate limited, backing off", "attempt", attempt, "wait", wait, "err", err)
		if userRetry != nil {
			userRetry(attempt, wait, err)
		}
	}

	var (
		items  []domain.HistoryItem
		seen   = make(map[string]struct{})
		cursor string
		pages  int
	)
	for {
		var page Page
		err := policy.Do(ctx, func(ctx context.Context) error {
			var pageErr error
			page, pageErr = f.source.FetchPage(ctx, channelID, cursor, f.pageSize)
			return pageErr
		})
		if err != nil {
			metrics.FetchPages.WithLabelValues("error").Inc()
			return items, &PartialError{Items: items, Pages: pages, Err: err}
		}
		pages++
		metrics.FetchPages.WithLabelValues("ok").Inc()

		for _, item := range page.Items {
			if _, dup := seen[item.ID]; dup {
				continue
			}
			seen[item.ID] = struct{}{}
			items = append(items, item)
		}

		if len(page.Items) == 0 || len(page.Items) < f.pageSize || page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	logger.Debug("history fetched", "pages", pages, "items", len(items))
	return items, nil
}
