package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iteam1/reviewbot/internal/diff"
	"github.com/iteam1/reviewbot/internal/pipeline"
	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/providers/github"
	"github.com/iteam1/reviewbot/internal/providers/gitlab"
	"github.com/iteam1/reviewbot/internal/webhookutils"
	"github.com/iteam1/reviewbot/pkg/models"
)

// stubRunner returns result for every run and records what it received.
type stubRunner struct {
	mu       sync.Mutex
	result   *pipeline.Result
	provider string
	body     string
	ctxErr   error
	deadline bool
}

func (s *stubRunner) Run(ctx context.Context, adapter providers.Adapter, headers map[string]string, body []byte) *pipeline.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = adapter.Name()
	s.body = string(body)
	s.ctxErr = ctx.Err()
	_, s.deadline = ctx.Deadline()
	return s.result
}

func newTestServer(t *testing.T, runner Runner, maxBody int64) *Server {
	t.Helper()
	gh, err := github.New(github.Config{Token: "gh-token"}, nil)
	require.NoError(t, err)
	gl, err := gitlab.New(gitlab.Config{Token: "gl-token"}, nil)
	require.NoError(t, err)

	verifiers := map[string]webhookutils.Verifier{
		"github": webhookutils.GitHubVerifier("s3cret"),
		"gitlab": webhookutils.GitLabVerifier("tok"),
	}
	return NewServer(Options{RunTimeout: time.Minute, MaxBodyBytes: maxBody, Version: "test"},
		providers.NewRegistry(gh, gl), verifiers, runner, zerolog.Nop())
}

func post(t *testing.T, s *Server, path, body string, headers map[string]string) (*httptest.ResponseRecorder, WebhookResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func signed(body string) map[string]string {
	return map[string]string{
		"X-GitHub-Event":      "pull_request",
		"X-Hub-Signature-256": webhookutils.SignGitHubPayload("s3cret", []byte(body)),
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubRunner{}, 0)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, []any{"github", "gitlab"}, body["providers"])
}

func TestWebhookPosted(t *testing.T) {
	runner := &stubRunner{result: &pipeline.Result{
		RunID: "run-1", State: pipeline.StatePosted, Findings: 2,
		Ref: &models.PostedCommentRef{ID: 99},
	}}
	s := newTestServer(t, runner, 0)

	rec, resp := post(t, s, "/webhooks/github", `{"action":"opened"}`, signed(`{"action":"opened"}`))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "posted", resp.Status)
	assert.Equal(t, "github", resp.Provider)
	assert.Equal(t, int64(99), resp.CommentID)
	assert.Equal(t, 2, resp.Findings)
	assert.Equal(t, `{"action":"opened"}`, runner.body)
	assert.NoError(t, runner.ctxErr)
	assert.True(t, runner.deadline)
}

func TestWebhookIgnored(t *testing.T) {
	runner := &stubRunner{result: &pipeline.Result{State: pipeline.StateIgnored, IgnoreReason: "merge request action \"close\" is not reviewed"}}
	s := newTestServer(t, runner, 0)

	rec, resp := post(t, s, "/webhooks/gitlab", `{}`, map[string]string{"X-Gitlab-Event": "Merge Request Hook", "X-Gitlab-Token": "tok"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ignored", resp.Status)
	assert.Contains(t, resp.Reason, "close")
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	runner := &stubRunner{}
	s := newTestServer(t, runner, 0)

	rec, resp := post(t, s, "/webhooks/github", `{"action":"opened"}`, signed(`{"action":"closed"}`))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "rejected", resp.Status)

	rec, _ = post(t, s, "/webhooks/gitlab", `{}`, map[string]string{"X-Gitlab-Event": "Merge Request Hook"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Empty(t, runner.provider, "pipeline must not run")
}

func TestWebhookFailureStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		res  *pipeline.Result
		code int
		step string
	}{
		{
			name: "malformed",
			res: &pipeline.Result{State: pipeline.StateFailed, FailedStep: pipeline.StateParsed,
				Err: &pipeline.StepError{Step: pipeline.StateParsed, Err: providers.Malformed("missing number")}},
			code: http.StatusBadRequest,
			step: "Parsed",
		},
		{
			name: "diff",
			res: &pipeline.Result{State: pipeline.StateFailed, FailedStep: pipeline.StateDiffFetched,
				Err: &pipeline.StepError{Step: pipeline.StateDiffFetched, Err: diff.ErrDiffFetchFailed}},
			code: http.StatusBadGateway,
			step: "DiffFetched",
		},
		{
			name: "post",
			res: &pipeline.Result{State: pipeline.StateFailed, FailedStep: pipeline.StatePosted,
				Err: &pipeline.StepError{Step: pipeline.StatePosted, Err: errors.New("boom")}},
			code: http.StatusBadGateway,
			step: "Posted",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &stubRunner{result: tt.res}, 0)
			rec, resp := post(t, s, "/webhooks/github", `{}`, signed(`{}`))
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "failed", resp.Status)
			assert.Equal(t, tt.step, resp.Step)
			assert.NotEmpty(t, resp.Error)
		})
	}
}

func TestWebhookDetectsProvider(t *testing.T) {
	runner := &stubRunner{result: &pipeline.Result{State: pipeline.StateIgnored}}
	s := newTestServer(t, runner, 0)

	rec, resp := post(t, s, "/webhooks", `{}`, map[string]string{"X-Gitlab-Event": "Merge Request Hook", "X-Gitlab-Token": "tok"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gitlab", resp.Provider)
	assert.Equal(t, "gitlab", runner.provider)
}

func TestWebhookUnknownProvider(t *testing.T) {
	s := newTestServer(t, &stubRunner{}, 0)

	rec, _ := post(t, s, "/webhooks/bitbucket", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = post(t, s, "/webhooks", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookBodyLimit(t *testing.T) {
	s := newTestServer(t, &stubRunner{}, 16)

	rec, _ := post(t, s, "/webhooks/github", strings.Repeat("x", 64), signed(strings.Repeat("x", 64)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
