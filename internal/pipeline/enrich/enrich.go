// Package enrich adds generated summaries and FAQs to normalized places.
// Generation is best effort: a record whose calls fail is still marked
// publishable with a templated summary.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/placepipe/internal/core/budget"
	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/core/retry"
	"github.com/vietddude/placepipe/internal/infra/llm"
	"github.com/vietddude/placepipe/internal/infra/storage"
	"github.com/vietddude/placepipe/internal/pipeline/metrics"
)

// Config holds enrichment settings.
type Config struct {
	BatchSize        int           `yaml:"batch_size"`
	MaxBatches       int           `yaml:"max_batches"`
	Concurrency      int           `yaml:"concurrency"`
	GroupPause       time.Duration `yaml:"group_pause"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	SummaryMaxTokens int           `yaml:"summary_max_tokens"`
	FAQMaxTokens     int           `yaml:"faq_max_tokens"`
	LLM              llm.Config    `yaml:"llm"`
}

// DefaultConfig returns default enrichment settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:        5,
		MaxBatches:       1,
		Concurrency:      5,
		GroupPause:       time.Second,
		CallTimeout:      20 * time.Second,
		SummaryMaxTokens: 300,
		FAQMaxTokens:     800,
		LLM:              llm.DefaultConfig(),
	}
}

// ClientFactory builds the generative client for one invocation.
type ClientFactory func(ctx context.Context) (llm.Client, error)

type outcome string

const (
	outcomeGenerated   outcome = "generated"
	outcomeDefaulted   outcome = "defaulted"
	outcomeWriteFailed outcome = "write_failed"
)

// Stage enriches pending places.
type Stage struct {
	cfg     Config
	places  storage.PlaceRepository
	factory ClientFactory
	sleep   func(ctx context.Context, d time.Duration) error
	log     *slog.Logger
}

// NewStage creates the enrichment stage.
func NewStage(cfg Config, places storage.PlaceRepository, factory ClientFactory) *Stage {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if factory == nil {
		llmCfg := cfg.LLM
		factory = func(ctx context.Context) (llm.Client, error) {
			return llm.New(ctx, llmCfg)
		}
	}
	return &Stage{
		cfg:     cfg,
		places:  places,
		factory: factory,
		sleep:   sleepCtx,
		log:     slog.Default().With("component", "enrich"),
	}
}

// Run enriches up to MaxBatches batches. It fails only when the client
// cannot be built.
func (s *Stage) Run(ctx context.Context, guard *budget.Guard) (domain.StageReport, error) {
	var report domain.StageReport

	client, err := s.factory(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to create llm client: %w", err)
	}
	defer client.Close()

	for batch := 0; batch < s.cfg.MaxBatches; batch++ {
		if guard.ShouldStop() || ctx.Err() != nil {
			report.Interrupted = true
			break
		}

		pending, err := s.places.PendingEnrichment(ctx, s.cfg.BatchSize)
		if err != nil {
			return report, fmt.Errorf("failed to load pending places: %w", err)
		}
		if len(pending) == 0 {
			break
		}

		counts, interrupted := s.runBatch(ctx, client, pending, guard)
		report.Items += counts[outcomeGenerated] + counts[outcomeDefaulted]
		report.Failed += counts[outcomeWriteFailed]

		s.log.Info("Batch enriched",
			"batch", batch,
			"places", len(pending),
			"generated", counts[outcomeGenerated],
			"defaulted", counts[outcomeDefaulted],
			"write_failed", counts[outcomeWriteFailed],
		)
		if interrupted {
			report.Interrupted = true
			break
		}
	}
	return report, nil
}

// runBatch processes places in groups of Concurrency, pausing between
// groups.
func (s *Stage) runBatch(
	ctx context.Context,
	client llm.Client,
	places []domain.Place,
	guard *budget.Guard,
) (map[outcome]int, bool) {
	counts := make(map[outcome]int)

	for start := 0; start < len(places); start += s.cfg.Concurrency {
		if start > 0 {
			if err := s.sleep(ctx, s.cfg.GroupPause); err != nil {
				return counts, true
			}
		}
		if guard.ShouldStop() {
			return counts, true
		}

		group := places[start:min(start+s.cfg.Concurrency, len(places))]
		results := make([]outcome, len(group))

		var g errgroup.Group
		for i, p := range group {
			g.Go(func() error {
				results[i] = s.enrichOne(ctx, client, p)
				return nil
			})
		}
		_ = g.Wait()

		for _, r := range results {
			counts[r]++
			metrics.EnrichmentResults.WithLabelValues(string(r)).Inc()
		}
	}
	return counts, false
}

// enrichOne issues the summary and FAQ calls concurrently. Any failure
// falls back to the default summary with a null FAQ.
func (s *Stage) enrichOne(ctx context.Context, client llm.Client, p domain.Place) outcome {
	var summary, faq string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := retry.WithTimeout(gctx, s.cfg.CallTimeout, func(ctx context.Context) (string, error) {
			return client.Generate(ctx, summaryRequest(p, s.cfg.SummaryMaxTokens))
		})
		if err != nil {
			return fmt.Errorf("summary: %w", err)
		}
		summary = strings.TrimSpace(out)
		if summary == "" {
			return errors.New("summary: empty response")
		}
		return nil
	})
	g.Go(func() error {
		out, err := retry.WithTimeout(gctx, s.cfg.CallTimeout, func(ctx context.Context) (string, error) {
			return client.Generate(ctx, faqRequest(p, s.cfg.FAQMaxTokens))
		})
		if err != nil {
			return fmt.Errorf("faq: %w", err)
		}
		faq, err = parseFAQ(out)
		return err
	})

	result := outcomeGenerated
	publishable := true
	upd := domain.PublishMetaUpdate{IsPublishable: &publishable}

	if err := g.Wait(); err != nil {
		s.log.Warn("Generation failed, using default summary", "place_id", p.ID, "name", p.Name, "error", err)
		fallback := DefaultSummary(p)
		upd.AISummary = &fallback
		result = outcomeDefaulted
	} else {
		upd.AISummary = &summary
		upd.AIFAQ = &faq
	}

	if _, err := s.places.ApplyEnrichment(ctx, p.ID, upd); err != nil {
		s.log.Warn("Failed to write enrichment", "place_id", p.ID, "error", err)
		return outcomeWriteFailed
	}
	return result
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
