// Package pipeline turns a user's channel history into per-category counts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"

	log "github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"packbot/internal/cache"
	"packbot/internal/classify"
	"packbot/internal/domain"
	"packbot/internal/metrics"
)

// ErrProcessingDisabled is returned when processing is switched off mid-run.
var ErrProcessingDisabled = errors.New("processing disabled")

const (
	ignoreMarker   = "*ignored"
	overridePrefix = "*"

	DefaultConcurrency = 4
)

// Source says how an item's category was obtained.
type Source string

const (
	SourceOverride   Source = "override"
	SourceCache      Source = "cache"
	SourceClassifier Source = "classifier"
)

// Downloader fetches the raw bytes of an attachment.
type Downloader interface {
	Download(ctx context.Context, att domain.Attachment) ([]byte, error)
}

// Decoder turns downloaded bytes into an image.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte) (image.Image, error)

func (f DecoderFunc) Decode(data []byte) (image.Image, error) { return f(data) }

// Toggles is the slice of control state the pipeline reads.
type Toggles interface {
	ProcessingEnabled() bool
	CachingEnabled() bool
}

type Classified struct {
	Item     domain.HistoryItem
	Category domain.Category
	Source   Source
}

type Result struct {
	Aggregate  *domain.UserAggregate
	Classified []Classified
	// Skipped counts candidates dropped for download, decode or image errors.
	Skipped int
}

type Pipeline struct {
	cache       *cache.Cache
	classifier  *classify.Classifier
	downloader  Downloader
	decoder     Decoder
	toggles     Toggles
	concurrency int

	inflight singleflight.Group
}

type Config struct {
	Cache       *cache.Cache
	Classifier  *classify.Classifier
	Downloader  Downloader
	Decoder     Decoder
	Toggles     Toggles
	Concurrency int
}

func New(cfg Config) *Pipeline {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.New(nil)
	}
	return &Pipeline{
		cache:       cfg.Cache,
		classifier:  cfg.Classifier,
		downloader:  cfg.Downloader,
		decoder:     cfg.Decoder,
		toggles:     cfg.Toggles,
		concurrency: cfg.Concurrency,
	}
}

// IsCandidate reports whether item should be counted for authorID.
func IsCandidate(item domain.HistoryItem, authorID string) bool {
	if item.AuthorID != authorID || !item.HasAttachments() {
		return false
	}
	return !strings.HasPrefix(strings.TrimLeft(item.Text, " \t\r\n"), ignoreMarker)
}

// ParseOverride returns the category forced by a leading "*<category>" marker.
func ParseOverride(text string) (domain.Category, bool) {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if !strings.HasPrefix(trimmed, overridePrefix) {
		return "", false
	}
	rest := trimmed[len(overridePrefix):]
	end := strings.IndexFunc(rest, unicode.IsSpace)
	if end < 0 {
		end = len(rest)
	}
	if end == 0 {
		return "", false
	}
	return domain.ParseCategory(rest[:end])
}

// Run classifies every candidate in items. Classified keeps input order.
func (p *Pipeline) Run(ctx context.Context, items []domain.HistoryItem, authorID string) (Result, error) {
	logger := log.FromContext(ctx)

	var candidates []domain.HistoryItem
	for _, item := range items {
		if IsCandidate(item, authorID) {
			candidates = append(candidates, item)
		}
	}

	slots := make([]*Classified, len(candidates))
	var skipped atomic.Int64
	var disabled atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, item := range candidates {
		if !p.processing() {
			disabled.Store(true)
			break
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if !p.processing() {
				disabled.Store(true)
				return nil
			}
			cat, src, err := p.classifyItem(gctx, item)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				skipped.Add(1)
				metrics.ItemsSkipped.WithLabelValues(skipReason(err)).Inc()
				logger.Warn("skipping item", "item", item.ID, "url", item.PrimaryURL(), "err", err)
				return nil
			}
			slots[i] = &Classified{Item: item, Category: cat, Source: src}
			metrics.Classifications.WithLabelValues(string(src), string(cat)).Inc()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if disabled.Load() {
		return Result{}, ErrProcessingDisabled
	}

	res := Result{
		Aggregate: domain.NewUserAggregate(authorID),
		Skipped:   int(skipped.Load()),
	}
	for _, c := range slots {
		if c == nil {
			continue
		}
		res.Aggregate.Increment(c.Category)
		res.Classified = append(res.Classified, *c)
	}
	logger.Info("classification finished",
		"candidates", len(candidates), "classified", len(res.Classified), "skipped", res.Skipped)
	return res, nil
}

func (p *Pipeline) processing() bool {
	return p.toggles == nil || p.toggles.ProcessingEnabled()
}

func (p *Pipeline) caching() bool {
	return p.toggles == nil || p.toggles.CachingEnabled()
}

func (p *Pipeline) classifyItem(ctx context.Context, item domain.HistoryItem) (domain.Category, Source, error) {
	if cat, ok := ParseOverride(item.Text); ok {
		return cat, SourceOverride, nil
	}

	att := item.Attachments[0]
	caching := p.caching()
	if caching {
		if cat, ok := p.cache.Lookup(ctx, att.URL); ok {
			return cat, SourceCache, nil
		}
	}

	v, err, _ := p.inflight.Do(att.URL, func() (any, error) {
		return p.classifyAttachment(ctx, att, caching)
	})
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// Another session owned the shared call and was cancelled.
		v, err = p.classifyAttachment(ctx, att, caching)
	}
	if err != nil {
		return "", "", err
	}
	res := v.(classify.Result)
	if res.Category == domain.CategoryUnknown {
		log.FromContext(ctx).Info("no category matched", "item", item.ID, "url", att.URL, "sample", res.Sample.String())
	}
	return res.Category, SourceClassifier, nil
}

func (p *Pipeline) classifyAttachment(ctx context.Context, att domain.Attachment, store bool) (classify.Result, error) {
	data, err := p.downloader.Download(ctx, att)
	if err != nil {
		return classify.Result{}, fmt.Errorf("download %s: %w", att.URL, err)
	}
	img, err := p.decoder.Decode(data)
	if err != nil {
		return classify.Result{}, fmt.Errorf("decode %s: %w", att.URL, err)
	}
	res, err := p.classifier.Classify(img)
	if err != nil {
		return classify.Result{}, err
	}
	if store {
		p.cache.Store(ctx, att.URL, res.Category)
	}
	return res, nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	default:
		return "transport"
	}
}

// First returns the oldest classified item with category c.
func First(items []Classified, c domain.Category) (Classified, bool) {
	matches := byTime(items, c)
	if len(matches) == 0 {
		return Classified{}, false
	}
	return matches[0], true
}

// Last returns the newest classified item with category c.
func Last(items []Classified, c domain.Category) (Classified, bool) {
	matches := byTime(items, c)
	if len(matches) == 0 {
		return Classified{}, false
	}
	return matches[len(matches)-1], true
}

func byTime(items []Classified, c domain.Category) []Classified {
	var out []Classified
	for _, it := range items {
		if it.Category == c {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Item.Timestamp.Before(out[j].Item.Timestamp)
	})
	return out
}
