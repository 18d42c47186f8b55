package comment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/internal/retry"
	"github.com/iteam1/reviewbot/pkg/models"
)

// ErrPostFailed is returned when the comment could not be created or updated.
var ErrPostFailed = errors.New("posting review comment failed")

// API is the part of a provider adapter the poster needs.
type API interface {
	ListComments(ctx context.Context, event *models.PullRequestEvent) ([]models.PostedComment, error)
	CreateComment(ctx context.Context, event *models.PullRequestEvent, body string) (*models.PostedCommentRef, error)
	UpdateComment(ctx context.Context, event *models.PullRequestEvent, id int64, body string) (*models.PostedCommentRef, error)
}

// Poster publishes review comments. A change request carries at most one
// comment from the bot: later revisions update it in place.
type Poster struct {
	retryConfig retry.RetryConfig
}

// NewPoster creates a poster. A zero config means retry.PostRetryConfig.
func NewPoster(cfg retry.RetryConfig) *Poster {
	if cfg.Multiplier == 0 {
		cfg = retry.PostRetryConfig()
	}
	return &Poster{retryConfig: cfg}
}

// FindExisting returns the bot comment for the event's change request, any
// revision, or nil. When several exist the newest one wins.
func (p *Poster) FindExisting(ctx context.Context, api API, ev *models.PullRequestEvent) (*models.PostedComment, error) {
	comments, err := api.ListComments(ctx, ev)
	if err != nil {
		return nil, err
	}
	prefix := RequestMarkerPrefix(ev)
	var found *models.PostedComment
	for i := range comments {
		if !strings.Contains(comments[i].Body, prefix) {
			continue
		}
		if found == nil || comments[i].ID > found.ID {
			found = &comments[i]
		}
	}
	return found, nil
}

// AlreadyReviewed reports whether a comment for the exact revision exists.
func (p *Poster) AlreadyReviewed(ctx context.Context, api API, ev *models.PullRequestEvent) (bool, error) {
	comments, err := api.ListComments(ctx, ev)
	if err != nil {
		return false, err
	}
	want := ev.IdempotencyKey()
	for _, c := range comments {
		if key, ok := ExtractKey(c.Body); ok && key == want {
			return true, nil
		}
	}
	return false, nil
}

// Post creates the comment, or updates the one left on an earlier revision.
// A failed lookup falls back to creating a new comment.
func (p *Poster) Post(ctx context.Context, api API, c models.Comment, logger *logging.RunLogger) (*models.PostedCommentRef, error) {
	existing, err := p.FindExisting(ctx, api, c.Target)
	if err != nil {
		logger.Warn("Could not list existing comments, creating a new one: %v", err)
		existing = nil
	}

	var ref *models.PostedCommentRef
	result := retry.RetryWithBackoff(ctx, p.retryConfig, func() error {
		if existing != nil {
			ref, err = api.UpdateComment(ctx, c.Target, existing.ID, c.Body)
			if err == nil {
				ref.Updated = true
				return nil
			}
			if !isNotFound(err) {
				return err
			}
			logger.Warn("Comment %d disappeared, creating a new one", existing.ID)
			existing = nil
		}
		ref, err = api.CreateComment(ctx, c.Target, c.Body)
		return err
	}, logger)

	if !result.Success {
		return nil, fmt.Errorf("%w after %d attempts: %w", ErrPostFailed, result.Attempts, result.LastError)
	}
	if ref.Updated {
		logger.Log("Updated review comment %d", ref.ID)
	} else {
		logger.Log("Created review comment %d", ref.ID)
	}
	return ref, nil
}

func isNotFound(err error) bool {
	var sc retry.StatusCoder
	return errors.As(err, &sc) && sc.HTTPStatus() == http.StatusNotFound
}
