package review

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/iteam1/reviewbot/internal/llm"
	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/pkg/models"
)

// ErrReviewFailed is returned when the LLM backend could not produce a
// review within its retry budget.
var ErrReviewFailed = errors.New("review failed")

// Agent turns an augmented changeset into a review.
type Agent interface {
	Name() string
	Review(ctx context.Context, cs *models.AugmentedChangeset, logger *logging.RunLogger) (models.Review, error)
}

// Variant selects an Agent implementation.
type Variant string

const (
	VariantSimple   Variant = "simple"
	VariantAdvanced Variant = "advanced"
	VariantChain    Variant = "chain"
)

// Options are shared by every variant.
type Options struct {
	// MaxPromptTokens bounds the estimated size of a single prompt.
	MaxPromptTokens int
	// Concurrency bounds the number of chunk calls in flight.
	Concurrency int
	Counter     TokenCounter
}

// DefaultOptions returns a 12000 token prompt budget and four concurrent
// chunk calls.
func DefaultOptions() Options {
	return Options{
		MaxPromptTokens: 12000,
		Concurrency:     4,
		Counter:         &SimpleTokenCounter{},
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxPromptTokens <= 0 {
		o.MaxPromptTokens = def.MaxPromptTokens
	}
	if o.Concurrency <= 0 {
		o.Concurrency = def.Concurrency
	}
	if o.Counter == nil {
		o.Counter = def.Counter
	}
	return o
}

// NewAgent creates the agent named by variant.
func NewAgent(variant string, client *llm.ResilientClient, opts Options) (Agent, error) {
	if client == nil {
		return nil, fmt.Errorf("review agent needs an LLM client")
	}
	opts = opts.withDefaults()
	b := base{client: client, opts: opts}

	switch Variant(strings.ToLower(strings.TrimSpace(variant))) {
	case VariantSimple, "":
		return &SimpleAgent{base: b}, nil
	case VariantAdvanced:
		return &AdvancedAgent{base: b}, nil
	case VariantChain:
		return &ChainAgent{base: b, tools: DefaultTools()}, nil
	default:
		return nil, fmt.Errorf("unknown review agent %q (want simple, advanced or chain)", variant)
	}
}

// base holds what every variant needs.
type base struct {
	client *llm.ResilientClient
	opts   Options
}

// chunks splits the changeset so that every prompt, including its fixed
// parts and reserve tokens added per chunk later, stays within the budget.
func (b base) chunks(cs *models.AugmentedChangeset, extras promptExtras, reserve int) []Chunk {
	fixed := buildReviewPrompt(cs, Chunk{Index: 0, Total: 2}, extras)
	budget := b.opts.MaxPromptTokens - b.opts.Counter.CountTokens(fixed) - reserve
	if budget < minChunkTokens {
		budget = minChunkTokens
	}
	return NewChunker(budget, b.opts.Counter).Split(cs.Files)
}

// critique sends one chunk prompt and returns the findings it produced.
func (b base) critique(ctx context.Context, cs *models.AugmentedChangeset, ch Chunk, prompt string, logger *logging.RunLogger) ([]models.ReviewFinding, error) {
	var out llmReview
	_, err := b.client.GenerateJSON(ctx, llm.Request{
		BatchID: fmt.Sprintf("chunk-%d/%d", ch.Index+1, ch.Total),
		Prompt:  prompt,
		Logger:  logger,
	}, &out)
	if err != nil {
		return nil, err
	}
	findings, dropped := convertFindings(out, cs.Changeset)
	if dropped > 0 {
		logger.Warn("Dropped %d findings for chunk %d that referenced files outside the changeset", dropped, ch.Index+1)
	}
	return findings, nil
}

// reviewChunks runs fn over every chunk with bounded concurrency and
// concatenates the results in chunk order.
func reviewChunks(ctx context.Context, chunks []Chunk, limit int, fn func(context.Context, Chunk) ([]models.ReviewFinding, error)) ([]models.ReviewFinding, error) {
	results := make([][]models.ReviewFinding, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, ch := range chunks {
		i, ch := i, ch
		g.Go(func() error {
			findings, err := fn(gctx, ch)
			if err != nil {
				return err
			}
			results[i] = findings
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReviewFailed, err)
	}

	var merged []models.ReviewFinding
	for _, r := range results {
		merged = append(merged, r...)
	}
	return merged, nil
}
