package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bryan-buckman/subscriptiondb/internal/model"
	"github.com/bryan-buckman/subscriptiondb/internal/opml"
)

// SourceLoader returns the current source list. It is called once per poll so an edited
// OPML file takes effect without a restart.
type SourceLoader func(ctx context.Context) ([]model.Source, error)

// StaticSources returns a loader for a fixed list.
func StaticSources(sources []model.Source) SourceLoader {
	return func(context.Context) ([]model.Source, error) {
		return sources, nil
	}
}

// ConfiguredSources combines a fixed list with the feeds of an OPML file. An empty path
// skips the file. Feeds outside any OPML folder get the type "RSS".
func ConfiguredSources(fixed []model.Source, opmlPath string) SourceLoader {
	return func(context.Context) ([]model.Source, error) {
		sources := append([]model.Source(nil), fixed...)
		if opmlPath == "" {
			return sources, nil
		}
		f, err := os.Open(opmlPath)
		if err != nil {
			return nil, fmt.Errorf("open opml: %w", err)
		}
		defer f.Close()
		fromFile, err := opml.Parse(f, "RSS")
		if err != nil {
			return nil, err
		}
		return append(sources, fromFile...), nil
	}
}

// Poller harvests all sources on a fixed interval.
type Poller struct {
	harvester *Harvester
	load      SourceLoader
	interval  time.Duration
	logger    *slog.Logger
}

// NewPoller creates a poller. Intervals below MinInterval are raised to it.
func NewPoller(h *Harvester, load SourceLoader, interval time.Duration) *Poller {
	if interval < MinInterval {
		interval = MinInterval
	}
	return &Poller{
		harvester: h,
		load:      load,
		interval:  interval,
		logger:    h.logger,
	}
}

// Run polls immediately and then once per interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	for {
		p.Poll(ctx)

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Poll runs one harvest pass over the loaded sources.
func (p *Poller) Poll(ctx context.Context) []Result {
	sources, err := p.load(ctx)
	if err != nil {
		p.logger.ErrorContext(ctx, "load harvest sources", "error", err)
		return nil
	}
	results := p.harvester.HarvestAll(ctx, sources)

	var accepted, dupes, failed int
	for _, r := range results {
		accepted += r.Accepted
		dupes += r.Dupes
		if r.Err != nil {
			failed++
		}
	}
	p.logger.InfoContext(ctx, "harvest pass finished",
		"sources", len(results),
		"accepted", accepted,
		"duplicates", dupes,
		"failed", failed,
	)
	return results
}
