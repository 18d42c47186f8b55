package review

import (
	"context"

	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/pkg/models"
)

// observationReserve is the token headroom left in each chunk for tool
// observations.
const observationReserve = 600

// ChainAgent runs local analysis tools over each chunk, hands their
// observations to the model, and merges tool findings with model findings.
type ChainAgent struct {
	base
	tools []Tool
}

func (a *ChainAgent) Name() string { return string(VariantChain) }

// Review implements Agent.
func (a *ChainAgent) Review(ctx context.Context, cs *models.AugmentedChangeset, logger *logging.RunLogger) (models.Review, error) {
	if len(cs.Files) == 0 {
		return models.Review{}, nil
	}
	chunks := a.chunks(cs, promptExtras{}, observationReserve)
	logger.Log("Chain review: %d files in %d chunks with %d tools", len(cs.Files), len(chunks), len(a.tools))

	findings, err := reviewChunks(ctx, chunks, a.opts.Concurrency, func(ctx context.Context, ch Chunk) ([]models.ReviewFinding, error) {
		observations, toolFindings := a.runTools(ch)
		llmFindings, err := a.critique(ctx, cs, ch, buildReviewPrompt(cs, ch, promptExtras{Observations: observations}), logger)
		if err != nil {
			return nil, err
		}
		return append(toolFindings, llmFindings...), nil
	})
	if err != nil {
		return models.Review{}, err
	}

	merged := consolidate(findings)
	logger.Log("Chain review produced %d findings (%d before consolidation)", len(merged), len(findings))
	return models.Review{Findings: merged}, nil
}

// runTools collects tool findings and as many observations as fit in the
// observation reserve.
func (a *ChainAgent) runTools(ch Chunk) ([]string, []models.ReviewFinding) {
	var (
		observations []string
		findings     []models.ReviewFinding
		used         = a.opts.Counter.CountTokens(observationsHeading)
	)
	for _, f := range ch.Files {
		if f.File.PatchOmitted {
			continue
		}
		for _, t := range a.tools {
			res := t.Analyze(f)
			if res.Observation != "" {
				obs := t.Name() + ": " + res.Observation
				if cost := a.opts.Counter.CountTokens("- " + obs); used+cost <= observationReserve {
					observations = append(observations, obs)
					used += cost
				}
			}
			findings = append(findings, res.Findings...)
		}
	}
	return observations, findings
}
