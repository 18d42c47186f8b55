package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/iteam1/reviewbot/pkg/models"
)

var (
	// ErrMalformedPayload is returned when a webhook body cannot be decoded
	// or lacks a field the pipeline needs.
	ErrMalformedPayload = errors.New("malformed webhook payload")
	// ErrUnsupportedEventKind is returned for deliveries that are not
	// change-request events (pushes, comments, pings).
	ErrUnsupportedEventKind = errors.New("unsupported event kind")
)

// DiffPage is one page of file changes. NextPage is 0 on the last page.
type DiffPage struct {
	Files    []models.FileChange
	NextPage int
}

// Adapter translates between one VCS host and the provider-neutral model.
// Provider field names never leave the implementing package.
type Adapter interface {
	Name() string
	// CanHandleWebhook reports whether the delivery headers belong to this
	// provider.
	CanHandleWebhook(headers map[string]string) bool
	ParseEvent(headers map[string]string, body []byte) (*models.PullRequestEvent, error)
	FetchDiffPage(ctx context.Context, event *models.PullRequestEvent, page int) (*DiffPage, error)
	ListComments(ctx context.Context, event *models.PullRequestEvent) ([]models.PostedComment, error)
	CreateComment(ctx context.Context, event *models.PullRequestEvent, body string) (*models.PostedCommentRef, error)
	UpdateComment(ctx context.Context, event *models.PullRequestEvent, id int64, body string) (*models.PostedCommentRef, error)
}

// BudgetWaiter is implemented by adapters that pace calls against a shared
// rate budget. FetchDiffPage does not wait on the budget itself, so callers
// that bound a page fetch with a deadline wait here first, outside it.
type BudgetWaiter interface {
	WaitBudget(ctx context.Context) error
}

// ConnectionVerifier is implemented by adapters that can check their
// credentials against the provider. It returns the authenticated user name.
type ConnectionVerifier interface {
	VerifyConnection(ctx context.Context) (string, error)
}

// APIError is a failed provider call. StatusCode is 0 for transport errors.
type APIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// HTTPStatus exposes the status code to retry classification.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// Malformed wraps a decoding problem as ErrMalformedPayload.
func Malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}
