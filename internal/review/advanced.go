package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/iteam1/reviewbot/internal/llm"
	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/pkg/models"
)

// AdvancedAgent reviews in three steps: summarize the whole change, critique
// each chunk with the summary as context, then consolidate findings across
// chunks. The summary is returned as the review overview.
type AdvancedAgent struct {
	base
}

func (a *AdvancedAgent) Name() string { return string(VariantAdvanced) }

// Review implements Agent.
func (a *AdvancedAgent) Review(ctx context.Context, cs *models.AugmentedChangeset, logger *logging.RunLogger) (models.Review, error) {
	if len(cs.Files) == 0 {
		return models.Review{}, nil
	}

	logger.LogSection("ADVANCED REVIEW: SUMMARY")
	summary, err := a.summarize(ctx, cs, logger)
	if err != nil {
		return models.Review{}, fmt.Errorf("%w: summary: %w", ErrReviewFailed, err)
	}

	// The summary rides along in every chunk prompt.
	chunks := a.chunks(cs, promptExtras{Summary: summary}, 0)
	logger.LogSection("ADVANCED REVIEW: CRITIQUE")
	logger.Log("Critiquing %d files in %d chunks", len(cs.Files), len(chunks))
	findings, err := reviewChunks(ctx, chunks, a.opts.Concurrency, func(ctx context.Context, ch Chunk) ([]models.ReviewFinding, error) {
		return a.critique(ctx, cs, ch, buildReviewPrompt(cs, ch, promptExtras{Summary: summary}), logger)
	})
	if err != nil {
		return models.Review{}, err
	}

	logger.LogSection("ADVANCED REVIEW: CONSOLIDATE")
	merged := consolidate(findings)
	logger.Log("Consolidated %d findings into %d", len(findings), len(merged))
	return models.Review{Findings: merged, Overview: summary}, nil
}

// summarize asks for a whole-change summary. It is capped at a quarter of
// the prompt budget so chunk prompts keep room for code.
func (a *AdvancedAgent) summarize(ctx context.Context, cs *models.AugmentedChangeset, logger *logging.RunLogger) (string, error) {
	prompt := buildSummaryPrompt(cs, a.opts.Counter, a.opts.MaxPromptTokens)
	resp, err := a.client.Generate(ctx, llm.Request{BatchID: "summary", Prompt: prompt, Logger: logger})
	if err != nil {
		return "", err
	}
	return truncateTokens(strings.TrimSpace(resp.Text), a.opts.MaxPromptTokens/4, a.opts.Counter), nil
}
