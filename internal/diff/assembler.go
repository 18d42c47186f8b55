package diff

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/retry"
	"github.com/iteam1/reviewbot/pkg/models"
)

// ErrDiffFetchFailed is returned when a diff page could not be fetched
// within the retry budget.
var ErrDiffFetchFailed = errors.New("diff fetch failed")

// PageFetcher is the part of a provider adapter the assembler needs.
type PageFetcher interface {
	FetchDiffPage(ctx context.Context, event *models.PullRequestEvent, page int) (*providers.DiffPage, error)
}

// Config bounds the assembled changeset.
type Config struct {
	MaxFiles      int
	MaxPatchBytes int
	MaxPages      int
	PageTimeout   time.Duration
	Retry         retry.RetryConfig
}

// DefaultConfig returns the standard ceilings: 300 files, 512 KiB of patch
// text, 100 pages and three attempts per page.
func DefaultConfig() Config {
	return Config{
		MaxFiles:      300,
		MaxPatchBytes: 512 * 1024,
		MaxPages:      100,
		PageTimeout:   30 * time.Second,
		Retry:         retry.DiffFetchRetryConfig(),
	}
}

// Assembler pages through a change request's files and builds a bounded
// Changeset.
type Assembler struct {
	cfg Config
}

// NewAssembler creates an assembler. Zero fields of cfg take their defaults.
func NewAssembler(cfg Config) *Assembler {
	def := DefaultConfig()
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = def.MaxFiles
	}
	if cfg.MaxPatchBytes <= 0 {
		cfg.MaxPatchBytes = def.MaxPatchBytes
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = def.PageTimeout
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry = def.Retry
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = isTransient
	}
	return &Assembler{cfg: cfg}
}

// Assemble fetches every page of the change request. Files are kept in
// provider order until adding the next one would exceed a ceiling; later
// files are recorded in DroppedPaths. Either a complete changeset or an error
// is returned, never both.
func (a *Assembler) Assemble(ctx context.Context, fetcher PageFetcher, event *models.PullRequestEvent, logger *logging.RunLogger) (*models.Changeset, error) {
	cs := &models.Changeset{Event: event}
	usedBytes := 0
	full := false

	page := 1
	for fetched := 0; page != 0; fetched++ {
		if fetched >= a.cfg.MaxPages {
			cs.Truncated = true
			logger.Warn("Stopping after %d diff pages; more pages remain", fetched)
			break
		}

		dp, err := a.fetchPage(ctx, fetcher, event, page, logger)
		if err != nil {
			return nil, err
		}

		for _, f := range dp.Files {
			cs.TotalFiles++
			size := f.PatchSize()
			if full || len(cs.Files) >= a.cfg.MaxFiles || usedBytes+size > a.cfg.MaxPatchBytes {
				full = true
				cs.Truncated = true
				cs.DroppedPaths = append(cs.DroppedPaths, f.Path)
				continue
			}
			usedBytes += size
			cs.Files = append(cs.Files, f)
		}

		if dp.NextPage != 0 && dp.NextPage <= page {
			cs.Truncated = true
			logger.Warn("Provider returned non-increasing next page %d after page %d", dp.NextPage, page)
			break
		}
		page = dp.NextPage
	}

	logger.Log("Assembled changeset: %d files kept, %d dropped, %d bytes of patch",
		len(cs.Files), len(cs.DroppedPaths), usedBytes)
	return cs, nil
}

// fetchPage fetches one page with retries. Each attempt waits on the
// fetcher's rate budget under ctx and only then starts the page deadline.
func (a *Assembler) fetchPage(ctx context.Context, fetcher PageFetcher, event *models.PullRequestEvent, page int, logger *logging.RunLogger) (*providers.DiffPage, error) {
	waiter, _ := fetcher.(providers.BudgetWaiter)
	var dp *providers.DiffPage
	result := retry.RetryWithBackoff(ctx, a.cfg.Retry, func() error {
		if waiter != nil {
			if err := waiter.WaitBudget(ctx); err != nil {
				return err
			}
		}
		pageCtx, cancel := context.WithTimeout(ctx, a.cfg.PageTimeout)
		defer cancel()
		p, err := fetcher.FetchDiffPage(pageCtx, event, page)
		if err != nil {
			return err
		}
		dp = p
		return nil
	}, logger)

	if !result.Success {
		return nil, fmt.Errorf("%w: page %d after %d attempts: %w", ErrDiffFetchFailed, page, result.Attempts, result.LastError)
	}
	return dp, nil
}

// isTransient retries rate limits, server errors and transport failures.
// Client errors other than 429 and cancellation fail immediately.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc retry.StatusCoder
	if errors.As(err, &sc) && sc.HTTPStatus() > 0 {
		return retry.IsRetryableStatus(sc.HTTPStatus())
	}
	return true
}
