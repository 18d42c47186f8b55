package comment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iteam1/reviewbot/internal/retry"
	"github.com/iteam1/reviewbot/pkg/models"
)

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

// fakeAPI keeps comments in memory. Errors queued in the *Errs slices are
// returned by the next calls, one per call.
type fakeAPI struct {
	mu         sync.Mutex
	comments   []models.PostedComment
	nextID     int64
	listErr    error
	createErrs []error
	updateErrs []error
	creates    int
	updates    int
}

func (f *fakeAPI) ListComments(ctx context.Context, ev *models.PullRequestEvent) ([]models.PostedComment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]models.PostedComment(nil), f.comments...), nil
}

func (f *fakeAPI) CreateComment(ctx context.Context, ev *models.PullRequestEvent, body string) (*models.PostedCommentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return nil, err
	}
	f.nextID++
	f.comments = append(f.comments, models.PostedComment{ID: f.nextID, Body: body})
	return &models.PostedCommentRef{ID: f.nextID}, nil
}

func (f *fakeAPI) UpdateComment(ctx context.Context, ev *models.PullRequestEvent, id int64, body string) (*models.PostedCommentRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		return nil, err
	}
	for i := range f.comments {
		if f.comments[i].ID == id {
			f.comments[i].Body = body
			return &models.PostedCommentRef{ID: id}, nil
		}
	}
	return nil, statusErr(404)
}

func fastPoster() *Poster {
	return NewPoster(retry.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})
}

func commentFor(ev *models.PullRequestEvent, text string) models.Comment {
	return models.Comment{Target: ev, Body: text + "\n\n" + Marker(ev.IdempotencyKey()), IdempotencyKey: ev.IdempotencyKey()}
}

func TestPostCreatesThenUpdates(t *testing.T) {
	api := &fakeAPI{comments: []models.PostedComment{{ID: 100, Body: "LGTM from a human"}}}
	api.nextID = 100
	p := fastPoster()
	ev := testEvent()

	ref, err := p.Post(context.Background(), api, commentFor(ev, "first"), nil)
	require.NoError(t, err)
	assert.False(t, ref.Updated)
	assert.Equal(t, 1, api.creates)

	next := *ev
	next.HeadCommit = "fedcba9876543210"
	ref2, err := p.Post(context.Background(), api, commentFor(&next, "second"), nil)
	require.NoError(t, err)
	assert.True(t, ref2.Updated)
	assert.Equal(t, ref.ID, ref2.ID)
	assert.Equal(t, 1, api.creates)
	assert.Equal(t, 1, api.updates)
	require.Len(t, api.comments, 2)
	assert.Contains(t, api.comments[1].Body, "second")
	assert.Equal(t, "LGTM from a human", api.comments[0].Body)
}

func TestPostIgnoresOtherRequests(t *testing.T) {
	other := testEvent()
	other.RequestNumber = 70
	api := &fakeAPI{comments: []models.PostedComment{{ID: 1, Body: Marker(other.IdempotencyKey())}}}
	api.nextID = 1

	ref, err := fastPoster().Post(context.Background(), api, commentFor(testEvent(), "review"), nil)

	require.NoError(t, err)
	assert.False(t, ref.Updated)
	assert.Equal(t, 0, api.updates)
}

func TestPostFallsBackToCreateWhenListingFails(t *testing.T) {
	api := &fakeAPI{listErr: errors.New("boom")}

	ref, err := fastPoster().Post(context.Background(), api, commentFor(testEvent(), "review"), nil)

	require.NoError(t, err)
	assert.Equal(t, int64(1), ref.ID)
	assert.Equal(t, 1, api.creates)
}

func TestPostRecreatesDeletedComment(t *testing.T) {
	ev := testEvent()
	api := &fakeAPI{comments: []models.PostedComment{{ID: 5, Body: Marker(ev.IdempotencyKey())}}, nextID: 5}
	api.updateErrs = []error{statusErr(404)}

	ref, err := fastPoster().Post(context.Background(), api, commentFor(ev, "review"), nil)

	require.NoError(t, err)
	assert.Equal(t, int64(6), ref.ID)
	assert.False(t, ref.Updated)
}

func TestPostRetriesOnceThenFails(t *testing.T) {
	api := &fakeAPI{createErrs: []error{statusErr(502), statusErr(502), statusErr(502)}}

	_, err := fastPoster().Post(context.Background(), api, commentFor(testEvent(), "review"), nil)

	assert.True(t, errors.Is(err, ErrPostFailed))
	assert.Equal(t, 2, api.creates)
}

func TestPostSucceedsOnRetry(t *testing.T) {
	api := &fakeAPI{createErrs: []error{statusErr(502)}}

	ref, err := fastPoster().Post(context.Background(), api, commentFor(testEvent(), "review"), nil)

	require.NoError(t, err)
	assert.NotNil(t, ref)
	assert.Equal(t, 2, api.creates)
}

func TestAlreadyReviewed(t *testing.T) {
	ev := testEvent()
	api := &fakeAPI{}
	p := fastPoster()

	done, err := p.AlreadyReviewed(context.Background(), api, ev)
	require.NoError(t, err)
	assert.False(t, done)

	api.comments = []models.PostedComment{{ID: 1, Body: "old\n\n" + Marker("github/acme/widgets/7@1111111")}}
	done, err = p.AlreadyReviewed(context.Background(), api, ev)
	require.NoError(t, err)
	assert.False(t, done, "older revision")

	api.comments = append(api.comments, models.PostedComment{ID: 2, Body: "new\n\n" + Marker(ev.IdempotencyKey())})
	done, err = p.AlreadyReviewed(context.Background(), api, ev)
	require.NoError(t, err)
	assert.True(t, done)

	api.listErr = errors.New("boom")
	_, err = p.AlreadyReviewed(context.Background(), api, ev)
	assert.Error(t, err)
}

func TestNewPosterDefaults(t *testing.T) {
	assert.Equal(t, retry.PostRetryConfig().MaxRetries, NewPoster(retry.RetryConfig{}).retryConfig.MaxRetries)
}
