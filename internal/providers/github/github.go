package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gh "github.com/google/go-github/v66/github"

	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/ratelimit"
	"github.com/iteam1/reviewbot/pkg/models"
)

const (
	defaultPerPage  = 100
	maxCommentPages = 20
)

// Config configures the GitHub adapter. Token auth is used unless AppID is
// set, in which case requests authenticate as the app installation.
type Config struct {
	BaseURL        string
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	Timeout        time.Duration
	PerPage        int
}

// Adapter talks to the GitHub REST API.
type Adapter struct {
	client  *gh.Client
	budget  *ratelimit.Budget
	credKey string
	perPage int
	appAuth bool
}

var (
	_ providers.Adapter      = (*Adapter)(nil)
	_ providers.BudgetWaiter = (*Adapter)(nil)
)

// New creates a GitHub adapter. budget may be nil.
func New(cfg Config, budget *ratelimit.Budget) (*Adapter, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var client *gh.Client
	credKey := ratelimit.CredentialKey("github", cfg.Token)
	if cfg.AppID != 0 {
		tr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("github app transport: %w", err)
		}
		if cfg.BaseURL != "" {
			tr.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
		}
		client = gh.NewClient(&http.Client{Transport: tr, Timeout: timeout})
		credKey = ratelimit.CredentialKey("github", fmt.Sprintf("app:%d:%d", cfg.AppID, cfg.InstallationID))
	} else {
		if cfg.Token == "" {
			return nil, fmt.Errorf("github token is required")
		}
		client = gh.NewClient(&http.Client{Timeout: timeout}).WithAuthToken(cfg.Token)
	}

	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = u
	}

	perPage := cfg.PerPage
	if perPage <= 0 || perPage > 100 {
		perPage = defaultPerPage
	}

	return &Adapter{
		client:  client,
		budget:  budget,
		credKey: credKey,
		perPage: perPage,
		appAuth: cfg.AppID != 0,
	}, nil
}

func (a *Adapter) Name() string {
	return string(models.ProviderGitHub)
}

// WaitBudget blocks until the credential's rate budget allows another call.
func (a *Adapter) WaitBudget(ctx context.Context) error {
	return a.budget.Wait(ctx, a.credKey)
}

// FetchDiffPage lists one page of the pull request files.
func (a *Adapter) FetchDiffPage(ctx context.Context, event *models.PullRequestEvent, page int) (*providers.DiffPage, error) {
	owner, repo, err := splitFullName(event.ProjectID)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}

	files, resp, err := a.client.PullRequests.ListFiles(ctx, owner, repo, event.RequestNumber,
		&gh.ListOptions{Page: page, PerPage: a.perPage})
	a.observe(resp)
	if err != nil {
		return nil, apiError("list pull request files", resp, err)
	}

	out := make([]models.FileChange, 0, len(files))
	for _, f := range files {
		out = append(out, convertFile(f))
	}
	return &providers.DiffPage{Files: out, NextPage: resp.NextPage}, nil
}

// ListComments returns the issue comments of the pull request.
func (a *Adapter) ListComments(ctx context.Context, event *models.PullRequestEvent) ([]models.PostedComment, error) {
	owner, repo, err := splitFullName(event.ProjectID)
	if err != nil {
		return nil, err
	}

	var out []models.PostedComment
	opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100, Page: 1}}
	for i := 0; i < maxCommentPages; i++ {
		if err := a.budget.Wait(ctx, a.credKey); err != nil {
			return nil, err
		}
		comments, resp, err := a.client.Issues.ListComments(ctx, owner, repo, event.RequestNumber, opts)
		a.observe(resp)
		if err != nil {
			return nil, apiError("list issue comments", resp, err)
		}
		for _, c := range comments {
			out = append(out, models.PostedComment{ID: c.GetID(), Body: c.GetBody()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// CreateComment posts a new issue comment on the pull request.
func (a *Adapter) CreateComment(ctx context.Context, event *models.PullRequestEvent, body string) (*models.PostedCommentRef, error) {
	owner, repo, err := splitFullName(event.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := a.budget.Wait(ctx, a.credKey); err != nil {
		return nil, err
	}
	c, resp, err := a.client.Issues.CreateComment(ctx, owner, repo, event.RequestNumber, &gh.IssueComment{Body: gh.String(body)})
	a.observe(resp)
	if err != nil {
		return nil, apiError("create issue comment", resp, err)
	}
	return &models.PostedCommentRef{ID: c.GetID(), URL: c.GetHTMLURL()}, nil
}

// UpdateComment replaces the body of an existing issue comment.
func (a *Adapter) UpdateComment(ctx context.Context, event *models.PullRequestEvent, id int64, body string) (*models.PostedCommentRef, error) {
	owner, repo, err := splitFullName(event.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := a.budget.Wait(ctx, a.credKey); err != nil {
		return nil, err
	}
	c, resp, err := a.client.Issues.EditComment(ctx, owner, repo, id, &gh.IssueComment{Body: gh.String(body)})
	a.observe(resp)
	if err != nil {
		return nil, apiError("edit issue comment", resp, err)
	}
	return &models.PostedCommentRef{ID: c.GetID(), URL: c.GetHTMLURL(), Updated: true}, nil
}

// VerifyConnection checks the configured credentials.
func (a *Adapter) VerifyConnection(ctx context.Context) (string, error) {
	if a.appAuth {
		repos, resp, err := a.client.Apps.ListRepos(ctx, &gh.ListOptions{PerPage: 1})
		if err != nil {
			return "", apiError("list installation repositories", resp, err)
		}
		return fmt.Sprintf("app installation (%d repositories)", repos.GetTotalCount()), nil
	}
	u, resp, err := a.client.Users.Get(ctx, "")
	if err != nil {
		return "", apiError("get authenticated user", resp, err)
	}
	return u.GetLogin(), nil
}

func (a *Adapter) observe(resp *gh.Response) {
	if resp != nil && resp.Response != nil {
		a.budget.ObserveHeaders(a.credKey, resp.Header)
	}
}

func apiError(op string, resp *gh.Response, err error) error {
	status := 0
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}
	return &providers.APIError{Op: "github " + op, StatusCode: status, Err: err}
}

func changeKind(status string) models.ChangeKind {
	switch status {
	case "added", "copied":
		return models.ChangeAdded
	case "removed":
		return models.ChangeDeleted
	case "renamed":
		return models.ChangeRenamed
	default:
		return models.ChangeModified
	}
}

func convertFile(f *gh.CommitFile) models.FileChange {
	fc := models.FileChange{
		Path:         f.GetFilename(),
		PreviousPath: f.GetPreviousFilename(),
		Kind:         changeKind(f.GetStatus()),
		Additions:    f.GetAdditions(),
		Deletions:    f.GetDeletions(),
	}
	if patch := f.GetPatch(); patch != "" {
		fc.Patch = models.StringPtr(patch)
		return fc
	}

	fc.PatchOmitted = true
	switch {
	case fc.Kind == models.ChangeRenamed && fc.Additions == 0 && fc.Deletions == 0:
		fc.OmitReason = "renamed without content changes"
	case fc.Additions == 0 && fc.Deletions == 0:
		fc.Binary = true
		fc.OmitReason = "binary file"
	default:
		fc.OmitReason = "diff too large to display"
	}
	return fc
}
