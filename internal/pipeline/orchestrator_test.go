package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iteam1/reviewbot/internal/comment"
	"github.com/iteam1/reviewbot/internal/diff"
	"github.com/iteam1/reviewbot/internal/llm"
	"github.com/iteam1/reviewbot/internal/logging"
	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/providers/github"
	"github.com/iteam1/reviewbot/internal/providers/gitlab"
	"github.com/iteam1/reviewbot/internal/retry"
	"github.com/iteam1/reviewbot/internal/review"
	"github.com/iteam1/reviewbot/pkg/models"
)

var fastRetry = retry.RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

// fakeAdapter parses with the real provider parsers and serves diffs and
// comments from memory. Every outbound call is counted.
type fakeAdapter struct {
	name       string
	parse      func(map[string]string, []byte) (*models.PullRequestEvent, error)
	files      []models.FileChange
	diffStatus int

	mu       sync.Mutex
	calls    map[string]int
	comments []models.PostedComment
}

func newGitHubAdapter(files ...models.FileChange) *fakeAdapter {
	return &fakeAdapter{name: "github", parse: github.ParseEvent, files: files, calls: map[string]int{}}
}

func newGitLabAdapter(files ...models.FileChange) *fakeAdapter {
	return &fakeAdapter{name: "gitlab", parse: gitlab.ParseEvent, files: files, calls: map[string]int{}}
}

func (f *fakeAdapter) count(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
}

func (f *fakeAdapter) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAdapter) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeAdapter) Name() string                             { return f.name }
func (f *fakeAdapter) CanHandleWebhook(map[string]string) bool { return true }

func (f *fakeAdapter) ParseEvent(headers map[string]string, body []byte) (*models.PullRequestEvent, error) {
	return f.parse(headers, body)
}

func (f *fakeAdapter) FetchDiffPage(ctx context.Context, ev *models.PullRequestEvent, page int) (*providers.DiffPage, error) {
	f.count("diff")
	if f.diffStatus != 0 {
		return nil, &providers.APIError{Op: "list files", StatusCode: f.diffStatus, Err: errors.New("server error")}
	}
	return &providers.DiffPage{Files: f.files}, nil
}

func (f *fakeAdapter) ListComments(ctx context.Context, ev *models.PullRequestEvent) ([]models.PostedComment, error) {
	f.count("list")
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PostedComment(nil), f.comments...), nil
}

func (f *fakeAdapter) CreateComment(ctx context.Context, ev *models.PullRequestEvent, body string) (*models.PostedCommentRef, error) {
	f.count("create")
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.comments) + 1)
	f.comments = append(f.comments, models.PostedComment{ID: id, Body: body})
	return &models.PostedCommentRef{ID: id}, nil
}

func (f *fakeAdapter) UpdateComment(ctx context.Context, ev *models.PullRequestEvent, id int64, body string) (*models.PostedCommentRef, error) {
	f.count("update")
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.comments {
		if f.comments[i].ID == id {
			f.comments[i].Body = body
			return &models.PostedCommentRef{ID: id}, nil
		}
	}
	return nil, &providers.APIError{Op: "update", StatusCode: 404, Err: errors.New("not found")}
}

// countingLLM answers every prompt with answer.
type countingLLM struct {
	calls  atomic.Int32
	answer func(prompt string) (string, error)
}

func (c *countingLLM) GenerateResponse(ctx context.Context, prompt string) (string, error) {
	c.calls.Add(1)
	return c.answer(prompt)
}

func newOrchestrator(t *testing.T, model *countingLLM, dryRun bool) *Orchestrator {
	t.Helper()
	agent, err := review.NewAgent("simple", llm.NewResilientClient(model, fastRetry, time.Second), review.Options{})
	require.NoError(t, err)
	o, err := New(Config{
		Assembler: diff.NewAssembler(diff.Config{Retry: fastRetry}),
		Agent:     agent,
		Poster:    comment.NewPoster(retry.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}),
		Logger:    zerolog.Nop(),
		DryRun:    dryRun,
	})
	require.NoError(t, err)
	return o
}

var githubHeaders = map[string]string{"X-GitHub-Event": "pull_request"}

func githubPayload(action, sha string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": %q,
		"number": 7,
		"pull_request": {
			"number": 7,
			"title": "Add retry to fetcher",
			"head": {"ref": "feature/retry", "sha": %q},
			"base": {"ref": "main", "sha": "1111111"},
			"user": {"login": "octocat"}
		},
		"repository": {"full_name": "acme/widgets", "name": "widgets", "owner": {"login": "acme"}}
	}`, action, sha))
}

func goFile(path string) models.FileChange {
	patch := "@@ -1,1 +1,2 @@\n package fetch\n+var retries = 3\n"
	return models.FileChange{Path: path, Kind: models.ChangeModified, Patch: &patch, Additions: 1}
}

func oneFinding(string) (string, error) {
	return `{"findings": [{"path": "fetch.go", "line": 2, "severity": "medium", "message": "Make retries configurable"}]}`, nil
}

func TestRunGitHubPostsReview(t *testing.T) {
	adapter := newGitHubAdapter(goFile("fetch.go"), goFile("retry.go"), goFile("doc.go"))
	model := &countingLLM{answer: oneFinding}
	o := newOrchestrator(t, model, false)

	res := o.Run(context.Background(), adapter, githubHeaders, githubPayload("opened", "9f8e7d6c5b4a3928"))

	require.NoError(t, res.Err)
	assert.Equal(t, StatePosted, res.State)
	assert.True(t, res.Succeeded())
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, 1, res.Findings)
	require.NotNil(t, res.Ref)
	assert.False(t, res.Ref.Updated)
	assert.Equal(t, int32(1), model.calls.Load())
	assert.Equal(t, 1, adapter.callCount("create"))

	body := adapter.comments[0].Body
	assert.Contains(t, body, "Make retries configurable")
	assert.Equal(t, 3, strings.Count(body, "### `"))
	assert.Contains(t, body, "### `doc.go`\n\nNo findings.\n")
	assert.Contains(t, body, "**Status:** :speech_balloon: Approved with comments")
	assert.True(t, strings.HasSuffix(body, comment.Marker("github/acme/widgets/7@9f8e7d6c5b4a3928")))
}

func TestRunSkipsAlreadyReviewedCommit(t *testing.T) {
	adapter := newGitHubAdapter(goFile("fetch.go"))
	model := &countingLLM{answer: oneFinding}
	o := newOrchestrator(t, model, false)

	first := o.Run(context.Background(), adapter, githubHeaders, githubPayload("opened", "aaaaaaaaaaaa"))
	require.Equal(t, StatePosted, first.State)

	again := o.Run(context.Background(), adapter, githubHeaders, githubPayload("synchronize", "aaaaaaaaaaaa"))

	assert.Equal(t, StateIgnored, again.State)
	assert.Contains(t, again.IgnoreReason, "already reviewed")
	assert.NoError(t, again.Err)
	assert.Equal(t, int32(1), model.calls.Load())
	assert.Equal(t, 1, adapter.callCount("diff"))
}

func TestRunUpdatesCommentOnNewCommit(t *testing.T) {
	adapter := newGitHubAdapter(goFile("fetch.go"))
	o := newOrchestrator(t, &countingLLM{answer: oneFinding}, false)

	first := o.Run(context.Background(), adapter, githubHeaders, githubPayload("opened", "aaaaaaaaaaaa"))
	second := o.Run(context.Background(), adapter, githubHeaders, githubPayload("synchronize", "bbbbbbbbbbbb"))

	require.Equal(t, StatePosted, second.State)
	assert.True(t, second.Ref.Updated)
	assert.Equal(t, first.Ref.ID, second.Ref.ID)
	require.Len(t, adapter.comments, 1)
	assert.Contains(t, adapter.comments[0].Body, "@bbbbbbbbbbbb")
}

func TestRunGitLabCloseIsIgnoredWithoutCalls(t *testing.T) {
	adapter := newGitLabAdapter(goFile("fetch.go"))
	model := &countingLLM{answer: oneFinding}
	o := newOrchestrator(t, model, false)

	body := []byte(`{
		"object_kind": "merge_request",
		"project": {"id": 123, "path_with_namespace": "group/app"},
		"object_attributes": {"iid": 5, "action": "close", "last_commit": {"id": "c0ffee00"}}
	}`)
	res := o.Run(context.Background(), adapter, map[string]string{"X-Gitlab-Event": "Merge Request Hook"}, body)

	assert.Equal(t, StateIgnored, res.State)
	assert.NoError(t, res.Err)
	assert.NotEmpty(t, res.IgnoreReason)
	assert.Equal(t, 0, adapter.totalCalls())
	assert.Equal(t, int32(0), model.calls.Load())
}

func TestRunUnsupportedEventKindIsIgnored(t *testing.T) {
	adapter := newGitHubAdapter()
	res := newOrchestrator(t, &countingLLM{answer: oneFinding}, false).
		Run(context.Background(), adapter, map[string]string{"X-GitHub-Event": "push"}, []byte(`{}`))

	assert.Equal(t, StateIgnored, res.State)
	assert.Nil(t, res.Event)
	assert.Equal(t, 0, adapter.totalCalls())
}

func TestRunDiffFailureStopsPipeline(t *testing.T) {
	adapter := newGitHubAdapter(goFile("fetch.go"))
	adapter.diffStatus = 500
	model := &countingLLM{answer: oneFinding}
	o := newOrchestrator(t, model, false)

	res := o.Run(context.Background(), adapter, githubHeaders, githubPayload("opened", "abcdef123456"))

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateDiffFetched, res.FailedStep)
	assert.False(t, res.Succeeded())
	assert.True(t, errors.Is(res.Err, diff.ErrDiffFetchFailed))
	var se *StepError
	require.True(t, errors.As(res.Err, &se))
	assert.Equal(t, StateDiffFetched, se.Step)
	assert.Equal(t, 3, adapter.callCount("diff"))
	assert.Equal(t, int32(0), model.calls.Load())
	assert.Equal(t, 0, adapter.callCount("create")+adapter.callCount("update"))
}

func TestRunReviewFailurePostsNothing(t *testing.T) {
	adapter := newGitHubAdapter(goFile("fetch.go"))
	model := &countingLLM{answer: func(string) (string, error) { return "", errors.New("429 rate limited") }}
	o := newOrchestrator(t, model, false)

	res := o.Run(context.Background(), adapter, githubHeaders, githubPayload("opened", "abcdef123456"))

	assert.Equal(t, StateReviewed, res.FailedStep)
	assert.True(t, errors.Is(res.Err, review.ErrReviewFailed))
	assert.Equal(t, int32(3), model.calls.Load())
	assert.Equal(t, 0, adapter.callCount("create"))
}

func TestRunMalformedPayloadFails(t *testing.T) {
	adapter := newGitHubAdapter()
	res := newOrchestrator(t, &countingLLM{answer: oneFinding}, false).
		Run(context.Background(), adapter, githubHeaders, []byte(`{not json`))

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateParsed, res.FailedStep)
	assert.True(t, errors.Is(res.Err, providers.ErrMalformedPayload))
}

func TestRunDryRunStopsAtFormatted(t *testing.T) {
	adapter := newGitHubAdapter(goFile("fetch.go"))
	res := newOrchestrator(t, &countingLLM{answer: oneFinding}, true).
		Run(context.Background(), adapter, githubHeaders, githubPayload("opened", "abcdef123456"))

	assert.Equal(t, StateFormatted, res.State)
	require.NotNil(t, res.Comment)
	assert.Contains(t, res.Comment.Body, "Make retries configurable")
	assert.Nil(t, res.Ref)
	assert.Equal(t, 0, adapter.callCount("create")+adapter.callCount("update"))
}

// inventingAgent reports a finding on a file that is not in the change.
type inventingAgent struct{}

func (inventingAgent) Name() string { return "inventing" }

func (inventingAgent) Review(context.Context, *models.AugmentedChangeset, *logging.RunLogger) (models.Review, error) {
	return models.Review{Findings: []models.ReviewFinding{{Path: "ghost.go", Severity: models.SeverityWarning, Message: "boo"}}}, nil
}

func TestRunRejectsFindingsOutsideChangeset(t *testing.T) {
	adapter := newGitHubAdapter(goFile("fetch.go"))
	o, err := New(Config{Assembler: diff.NewAssembler(diff.Config{Retry: fastRetry}), Agent: inventingAgent{}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	res := o.Run(context.Background(), adapter, githubHeaders, githubPayload("opened", "abcdef123456"))

	assert.Equal(t, StateReviewed, res.FailedStep)
	assert.True(t, errors.Is(res.Err, ErrUnknownFindingPath))
	assert.Equal(t, 0, adapter.callCount("create"))
}

func TestNewRequiresAgent(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
