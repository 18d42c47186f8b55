package github

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/webhookutils"
	"github.com/iteam1/reviewbot/pkg/models"
)

const eventHeader = "X-GitHub-Event"

// CanHandleWebhook reports whether headers carry a GitHub event.
func (a *Adapter) CanHandleWebhook(headers map[string]string) bool {
	_, ok := webhookutils.GetHeaderCaseInsensitive(headers, eventHeader)
	return ok
}

// ParseEvent converts a pull_request delivery into a PullRequestEvent.
// Deliveries without an X-GitHub-Event header are treated as pull_request
// so that stored payloads can be replayed from the CLI.
func (a *Adapter) ParseEvent(headers map[string]string, body []byte) (*models.PullRequestEvent, error) {
	return ParseEvent(headers, body)
}

// ParseEvent is the stateless form of Adapter.ParseEvent.
func ParseEvent(headers map[string]string, body []byte) (*models.PullRequestEvent, error) {
	kind, ok := webhookutils.GetHeaderCaseInsensitive(headers, eventHeader)
	if ok && kind != "pull_request" {
		return nil, fmt.Errorf("%w: github event %q", providers.ErrUnsupportedEventKind, kind)
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, providers.Malformed("github pull_request: %v", err)
	}
	if payload.PullRequest == nil {
		return nil, providers.Malformed("github pull_request: missing pull_request object")
	}

	pr := payload.PullRequest
	number := payload.Number
	if number == 0 {
		number = pr.Number
	}

	switch {
	case number <= 0:
		return nil, providers.Malformed("github pull_request: missing number")
	case pr.Head.SHA == "":
		return nil, providers.Malformed("github pull_request: missing head sha")
	case payload.Repository.FullName == "" || !strings.Contains(payload.Repository.FullName, "/"):
		return nil, providers.Malformed("github pull_request: missing repository full_name")
	}

	event := &models.PullRequestEvent{
		Provider:      models.ProviderGitHub,
		ProjectID:     payload.Repository.FullName,
		ProjectPath:   payload.Repository.FullName,
		RequestNumber: number,
		Title:         pr.Title,
		SourceBranch:  pr.Head.Ref,
		TargetBranch:  pr.Base.Ref,
		HeadCommit:    pr.Head.SHA,
		BaseCommit:    pr.Base.SHA,
		RawAction:     payload.Action,
		Author:        pr.User.Login,
		WebURL:        pr.HTMLURL,
	}

	switch payload.Action {
	case "opened":
		event.Action = models.ActionOpened
	case "synchronize", "edited":
		event.Action = models.ActionUpdated
	case "reopened":
		event.Action = models.ActionReopened
	default:
		event.Action = models.ActionOther
		event.Ignored = true
		event.IgnoreReason = fmt.Sprintf("pull_request action %q is not reviewed", payload.Action)
	}

	return event, nil
}

func splitFullName(fullName string) (string, string, error) {
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" {
		return "", "", fmt.Errorf("invalid github repository %q", fullName)
	}
	return owner, repo, nil
}
