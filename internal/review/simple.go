package review

import (
	"context"

	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/pkg/models"
)

// SimpleAgent sends one prompt per chunk and nothing else.
type SimpleAgent struct {
	base
}

func (a *SimpleAgent) Name() string { return string(VariantSimple) }

// Review implements Agent.
func (a *SimpleAgent) Review(ctx context.Context, cs *models.AugmentedChangeset, logger *logging.RunLogger) (models.Review, error) {
	if len(cs.Files) == 0 {
		return models.Review{}, nil
	}
	chunks := a.chunks(cs, promptExtras{}, 0)
	logger.Log("Simple review: %d files in %d chunks", len(cs.Files), len(chunks))

	findings, err := reviewChunks(ctx, chunks, a.opts.Concurrency, func(ctx context.Context, ch Chunk) ([]models.ReviewFinding, error) {
		return a.critique(ctx, cs, ch, buildReviewPrompt(cs, ch, promptExtras{}), logger)
	})
	return models.Review{Findings: findings}, err
}
