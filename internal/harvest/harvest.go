// Package harvest polls feeds and submits their items to the add pipeline.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/bryan-buckman/subscriptiondb/internal/engine"
	"github.com/bryan-buckman/subscriptiondb/internal/model"
)

// Defaults for harvesting.
const (
	// DefaultConcurrency is the number of feeds fetched in parallel.
	DefaultConcurrency = 4
	// MaxConcurrencyPerDomain limits parallel requests to any single domain.
	MaxConcurrencyPerDomain = 2
	// DefaultDomainDelay is the minimum delay between requests to the same domain.
	DefaultDomainDelay = 500 * time.Millisecond
	// MinInterval is the shortest allowed polling interval.
	MinInterval = time.Minute
)

// Submitter accepts harvested entries. *engine.Engine satisfies it.
type Submitter interface {
	AddEntry(ctx context.Context, req model.AddRequest) (engine.AddResult, error)
}

// Result counts the outcome of harvesting one source.
type Result struct {
	Source   model.Source
	Accepted int
	Dupes    int
	Rejected int
	Err      error
}

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	perDomain   int
	delay       time.Duration
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newDomainLimiter(perDomain int, delay time.Duration) *domainLimiter {
	return &domainLimiter{
		perDomain:   perDomain,
		delay:       delay,
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain and waits out the minimum delay since the previous
// request to it.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, dl.perDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	last := dl.lastRequest[domain]
	dl.mu.Unlock()
	if last.IsZero() {
		return nil
	}
	if wait := dl.delay - time.Since(last); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			<-sem
			return ctx.Err()
		}
	}
	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

// Harvester fetches feeds and submits their items.
type Harvester struct {
	submitter   Submitter
	parser      *gofeed.Parser
	concurrency int
	limiter     *domainLimiter
	logger      *slog.Logger
}

// Option configures a Harvester.
type Option func(*Harvester)

// WithLogger sets the harvester logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harvester) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithConcurrency sets how many feeds are fetched in parallel.
func WithConcurrency(n int) Option {
	return func(h *Harvester) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithDomainDelay sets the minimum delay between requests to one domain.
func WithDomainDelay(d time.Duration) Option {
	return func(h *Harvester) {
		if d >= 0 {
			h.limiter.delay = d
		}
	}
}

// New creates a harvester submitting to s.
func New(s Submitter, opts ...Option) *Harvester {
	h := &Harvester{
		submitter:   s,
		parser:      gofeed.NewParser(),
		concurrency: DefaultConcurrency,
		limiter:     newDomainLimiter(MaxConcurrencyPerDomain, DefaultDomainDelay),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HarvestSource fetches one feed and submits every item as an entry of the source's
// container. Items that fail validation are counted as rejected and skipped.
func (h *Harvester) HarvestSource(ctx context.Context, src model.Source) (Result, error) {
	res := Result{Source: src}

	domain := extractDomain(src.URL)
	if err := h.limiter.acquire(ctx, domain); err != nil {
		return res, fmt.Errorf("rate limit cancelled for %s: %w", src.URL, err)
	}
	parsed, err := h.parser.ParseURLWithContext(src.URL, ctx)
	h.limiter.release(domain)
	if err != nil {
		return res, fmt.Errorf("parse feed %s: %w", src.URL, err)
	}

	for _, item := range parsed.Items {
		req := model.AddRequest{
			Type:     src.Type,
			Nickname: src.Nickname,
			Title:    strings.TrimSpace(item.Title),
			Href:     item.Link,
			Img:      itemImage(item, parsed),
		}
		result, err := h.submitter.AddEntry(ctx, req)
		switch {
		case engine.IsValidationError(err):
			res.Rejected++
			h.logger.DebugContext(ctx, "skipped feed item", "source", src.Nickname, "link", item.Link, "error", err)
		case err != nil:
			return res, fmt.Errorf("submit item %s: %w", item.Link, err)
		case result == engine.AddAccepted:
			res.Accepted++
		default:
			res.Dupes++
		}
	}
	return res, nil
}

// HarvestAll fetches every source with a bounded worker pool. A failing source is logged
// and reported in its Result; it does not stop the others.
func (h *Harvester) HarvestAll(ctx context.Context, sources []model.Source) []Result {
	if len(sources) == 0 {
		return nil
	}
	h.logger.InfoContext(ctx, "harvesting sources", "count", len(sources), "concurrency", h.concurrency)

	results := make([]Result, len(sources))
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < min(h.concurrency, len(sources)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				res, err := h.HarvestSource(ctx, sources[i])
				if err != nil {
					res.Err = err
					h.logger.WarnContext(ctx, "harvest failed", "source", sources[i].Nickname, "url", sources[i].URL, "error", err)
				}
				results[i] = res
			}
		}()
	}

feed:
	for i := range sources {
		select {
		case <-ctx.Done():
			for j := i; j < len(sources); j++ {
				results[j] = Result{Source: sources[j], Err: ctx.Err()}
			}
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	return results
}

// itemImage picks the item's image, then an image enclosure, then the feed image.
func itemImage(item *gofeed.Item, feed *gofeed.Feed) string {
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if enc != nil && enc.URL != "" && strings.HasPrefix(enc.Type, "image/") {
			return enc.URL
		}
	}
	if feed.Image != nil {
		return feed.Image.URL
	}
	return ""
}
