package gitlab

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/webhookutils"
	"github.com/iteam1/reviewbot/pkg/models"
)

const (
	eventHeader       = "X-Gitlab-Event"
	mergeRequestEvent = "Merge Request Hook"
)

// CanHandleWebhook reports whether headers carry a GitLab event.
func (a *Adapter) CanHandleWebhook(headers map[string]string) bool {
	_, ok := webhookutils.GetHeaderCaseInsensitive(headers, eventHeader)
	return ok
}

// ParseEvent converts a merge request delivery into a PullRequestEvent.
func (a *Adapter) ParseEvent(headers map[string]string, body []byte) (*models.PullRequestEvent, error) {
	return ParseEvent(headers, body)
}

// ParseEvent is the stateless form of Adapter.ParseEvent. System hooks are
// accepted when their object_kind is merge_request.
func ParseEvent(headers map[string]string, body []byte) (*models.PullRequestEvent, error) {
	kind, hasHeader := webhookutils.GetHeaderCaseInsensitive(headers, eventHeader)

	var payload mergeRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		if hasHeader && kind != mergeRequestEvent && kind != "System Hook" {
			return nil, fmt.Errorf("%w: gitlab event %q", providers.ErrUnsupportedEventKind, kind)
		}
		return nil, providers.Malformed("gitlab merge request: %v", err)
	}

	isMR := payload.ObjectKind == "merge_request"
	if hasHeader && kind != mergeRequestEvent && !(kind == "System Hook" && isMR) {
		return nil, fmt.Errorf("%w: gitlab event %q", providers.ErrUnsupportedEventKind, kind)
	}
	if !hasHeader && payload.ObjectKind != "" && !isMR {
		return nil, fmt.Errorf("%w: gitlab object_kind %q", providers.ErrUnsupportedEventKind, payload.ObjectKind)
	}

	attrs := payload.ObjectAttributes
	switch {
	case attrs.IID <= 0:
		return nil, providers.Malformed("gitlab merge request: missing iid")
	case attrs.LastCommit.ID == "":
		return nil, providers.Malformed("gitlab merge request: missing last_commit id")
	case payload.Project.ID <= 0 && payload.Project.PathWithNamespace == "":
		return nil, providers.Malformed("gitlab merge request: missing project")
	}

	projectID := payload.Project.PathWithNamespace
	if payload.Project.ID > 0 {
		projectID = strconv.Itoa(payload.Project.ID)
	}
	projectPath := payload.Project.PathWithNamespace
	if projectPath == "" {
		projectPath = projectID
	}

	event := &models.PullRequestEvent{
		Provider:      models.ProviderGitLab,
		ProjectID:     projectID,
		ProjectPath:   projectPath,
		RequestNumber: attrs.IID,
		Title:         attrs.Title,
		SourceBranch:  attrs.SourceBranch,
		TargetBranch:  attrs.TargetBranch,
		HeadCommit:    attrs.LastCommit.ID,
		RawAction:     attrs.Action,
		Author:        payload.User.Username,
		WebURL:        attrs.URL,
	}

	switch attrs.Action {
	case "open":
		event.Action = models.ActionOpened
	case "reopen":
		event.Action = models.ActionReopened
	case "update":
		if attrs.OldRev != "" {
			event.Action = models.ActionUpdated
		} else {
			event.Action = models.ActionOther
			event.Ignored = true
			event.IgnoreReason = "merge request update without new commits"
		}
	default:
		event.Action = models.ActionOther
		event.Ignored = true
		event.IgnoreReason = fmt.Sprintf("merge request action %q is not reviewed", attrs.Action)
	}

	return event, nil
}
