package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	gl "gitlab.com/gitlab-org/api/client-go"

	"github.com/iteam1/reviewbot/internal/diff"
	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/ratelimit"
	"github.com/iteam1/reviewbot/pkg/models"
)

const (
	defaultPerPage  = 100
	maxCommentPages = 20
)

// Config configures the GitLab adapter.
type Config struct {
	BaseURL string
	Token   string
	// AuthScheme is "private_token" (PRIVATE-TOKEN header) or "oauth"
	// (Authorization: Bearer).
	AuthScheme string
	Timeout    time.Duration
	PerPage    int
}

// Adapter talks to the GitLab REST API.
type Adapter struct {
	client  *gl.Client
	budget  *ratelimit.Budget
	credKey string
	perPage int
}

var (
	_ providers.Adapter      = (*Adapter)(nil)
	_ providers.BudgetWaiter = (*Adapter)(nil)
)

// New creates a GitLab adapter. budget may be nil. Retries are left to the
// caller so that one policy governs every outbound call.
func New(cfg Config, budget *ratelimit.Budget) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("gitlab token is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	opts := []gl.ClientOptionFunc{
		gl.WithHTTPClient(&http.Client{Timeout: timeout}),
		gl.WithoutRetries(),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, gl.WithBaseURL(cfg.BaseURL))
	}

	var (
		client *gl.Client
		err    error
	)
	switch cfg.AuthScheme {
	case "oauth":
		client, err = gl.NewOAuthClient(cfg.Token, opts...)
	case "", "private_token":
		client, err = gl.NewClient(cfg.Token, opts...)
	default:
		return nil, fmt.Errorf("unknown gitlab auth scheme %q", cfg.AuthScheme)
	}
	if err != nil {
		return nil, fmt.Errorf("gitlab client: %w", err)
	}

	perPage := cfg.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = defaultPerPage
	}

	return &Adapter{
		client:  client,
		budget:  budget,
		credKey: ratelimit.CredentialKey("gitlab", cfg.Token),
		perPage: perPage,
	}, nil
}

func (a *Adapter) Name() string {
	return string(models.ProviderGitLab)
}

// WaitBudget blocks until the credential's rate budget allows another call.
func (a *Adapter) WaitBudget(ctx context.Context) error {
	return a.budget.Wait(ctx, a.credKey)
}

// FetchDiffPage lists one page of the merge request diffs.
func (a *Adapter) FetchDiffPage(ctx context.Context, event *models.PullRequestEvent, page int) (*providers.DiffPage, error) {
	if page < 1 {
		page = 1
	}

	diffs, resp, err := a.client.MergeRequests.ListMergeRequestDiffs(event.ProjectID, event.RequestNumber,
		&gl.ListMergeRequestDiffsOptions{ListOptions: gl.ListOptions{Page: page, PerPage: a.perPage}},
		gl.WithContext(ctx))
	a.observe(resp)
	if err != nil {
		return nil, apiError("list merge request diffs", resp, err)
	}

	out := make([]models.FileChange, 0, len(diffs))
	for _, d := range diffs {
		out = append(out, convertDiff(d))
	}
	return &providers.DiffPage{Files: out, NextPage: resp.NextPage}, nil
}

// ListComments returns the user notes of the merge request. System notes
// ("added 1 commit", label changes) are skipped.
func (a *Adapter) ListComments(ctx context.Context, event *models.PullRequestEvent) ([]models.PostedComment, error) {
	var out []models.PostedComment
	opts := &gl.ListMergeRequestNotesOptions{ListOptions: gl.ListOptions{Page: 1, PerPage: 100}}
	for i := 0; i < maxCommentPages; i++ {
		if err := a.budget.Wait(ctx, a.credKey); err != nil {
			return nil, err
		}
		notes, resp, err := a.client.Notes.ListMergeRequestNotes(event.ProjectID, event.RequestNumber, opts, gl.WithContext(ctx))
		a.observe(resp)
		if err != nil {
			return nil, apiError("list merge request notes", resp, err)
		}
		for _, n := range notes {
			if n.System {
				continue
			}
			out = append(out, models.PostedComment{ID: int64(n.ID), Body: n.Body})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// CreateComment adds a note to the merge request.
func (a *Adapter) CreateComment(ctx context.Context, event *models.PullRequestEvent, body string) (*models.PostedCommentRef, error) {
	if err := a.budget.Wait(ctx, a.credKey); err != nil {
		return nil, err
	}
	note, resp, err := a.client.Notes.CreateMergeRequestNote(event.ProjectID, event.RequestNumber,
		&gl.CreateMergeRequestNoteOptions{Body: gl.Ptr(body)}, gl.WithContext(ctx))
	a.observe(resp)
	if err != nil {
		return nil, apiError("create merge request note", resp, err)
	}
	return &models.PostedCommentRef{ID: int64(note.ID), URL: noteURL(event, note.ID)}, nil
}

// UpdateComment replaces the body of an existing note.
func (a *Adapter) UpdateComment(ctx context.Context, event *models.PullRequestEvent, id int64, body string) (*models.PostedCommentRef, error) {
	if err := a.budget.Wait(ctx, a.credKey); err != nil {
		return nil, err
	}
	note, resp, err := a.client.Notes.UpdateMergeRequestNote(event.ProjectID, event.RequestNumber, int(id),
		&gl.UpdateMergeRequestNoteOptions{Body: gl.Ptr(body)}, gl.WithContext(ctx))
	a.observe(resp)
	if err != nil {
		return nil, apiError("update merge request note", resp, err)
	}
	return &models.PostedCommentRef{ID: int64(note.ID), URL: noteURL(event, note.ID), Updated: true}, nil
}

// VerifyConnection checks the token by fetching the current user.
func (a *Adapter) VerifyConnection(ctx context.Context) (string, error) {
	u, resp, err := a.client.Users.CurrentUser(gl.WithContext(ctx))
	if err != nil {
		return "", apiError("get current user", resp, err)
	}
	return u.Username, nil
}

func (a *Adapter) observe(resp *gl.Response) {
	if resp != nil && resp.Response != nil {
		a.budget.ObserveHeaders(a.credKey, resp.Header)
	}
}

func apiError(op string, resp *gl.Response, err error) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	return &providers.APIError{Op: "gitlab " + op, StatusCode: status, Err: err}
}

func noteURL(event *models.PullRequestEvent, id int) string {
	if event.WebURL == "" {
		return ""
	}
	return fmt.Sprintf("%s#note_%d", event.WebURL, id)
}

func convertDiff(d *gl.MergeRequestDiff) models.FileChange {
	fc := models.FileChange{Path: d.NewPath, Kind: models.ChangeModified}
	switch {
	case d.NewFile:
		fc.Kind = models.ChangeAdded
	case d.DeletedFile:
		fc.Kind = models.ChangeDeleted
		if fc.Path == "" {
			fc.Path = d.OldPath
		}
	case d.RenamedFile:
		fc.Kind = models.ChangeRenamed
		fc.PreviousPath = d.OldPath
	}

	switch {
	case diff.IsBinaryPatch(d.Diff):
		fc.PatchOmitted = true
		fc.Binary = true
		fc.OmitReason = "binary file"
	case strings.TrimSpace(d.Diff) == "":
		fc.PatchOmitted = true
		if fc.Kind == models.ChangeRenamed {
			fc.OmitReason = "renamed without content changes"
		} else {
			fc.OmitReason = "diff collapsed or too large"
		}
	default:
		fc.Patch = models.StringPtr(d.Diff)
		stats := diff.ParsePatch(d.Diff)
		fc.Additions = stats.Additions
		fc.Deletions = stats.Deletions
	}
	return fc
}
