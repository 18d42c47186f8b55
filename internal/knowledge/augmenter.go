package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/pkg/models"
)

// Knowledge is what a source contributes to a review.
type Knowledge struct {
	Criteria []string
	Context  string
}

// Source looks up review knowledge for a changeset.
type Source interface {
	Name() string
	Lookup(ctx context.Context, cs *models.Changeset) (*Knowledge, error)
}

// Augmenter enriches a changeset with the knowledge of its sources. A failing
// source never blocks the review: its contribution is skipped and a warning
// is recorded.
type Augmenter struct {
	sources []Source
	timeout time.Duration
}

// New creates an augmenter over sources, queried in order. With no sources
// it is a passthrough.
func New(timeout time.Duration, sources ...Source) *Augmenter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Augmenter{sources: sources, timeout: timeout}
}

// Augment never fails.
func (a *Augmenter) Augment(ctx context.Context, cs *models.Changeset, logger *logging.RunLogger) *models.AugmentedChangeset {
	out := &models.AugmentedChangeset{Changeset: cs}
	if a == nil {
		return out
	}

	var contexts []string
	seen := make(map[string]bool)
	for _, src := range a.sources {
		k, err := a.lookup(ctx, src, cs)
		if err != nil {
			warning := fmt.Sprintf("knowledge source %s unavailable: %v", src.Name(), err)
			out.Warnings = append(out.Warnings, warning)
			logger.Warn("%s", warning)
			continue
		}
		if k == nil {
			continue
		}
		for _, c := range k.Criteria {
			c = strings.TrimSpace(c)
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			out.Criteria = append(out.Criteria, c)
		}
		if s := strings.TrimSpace(k.Context); s != "" {
			contexts = append(contexts, s)
		}
	}
	out.Context = strings.Join(contexts, "\n\n")

	logger.Log("Augmented changeset with %d criteria from %d sources (%d warnings)",
		len(out.Criteria), len(a.sources), len(out.Warnings))
	return out
}

func (a *Augmenter) lookup(ctx context.Context, src Source, cs *models.Changeset) (*Knowledge, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return src.Lookup(ctx, cs)
}
