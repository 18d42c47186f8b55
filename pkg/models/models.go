package models

import (
	"fmt"
	"sort"
	"strings"
)

// Provider identifies a version-control host.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// Action is the normalized lifecycle action of a change request.
type Action string

const (
	ActionOpened   Action = "opened"
	ActionUpdated  Action = "updated"
	ActionReopened Action = "reopened"
	ActionOther    Action = "other"
)

// PullRequestEvent is the provider-neutral view of a change-request webhook.
// A pull request on GitHub and a merge request on GitLab both map here.
type PullRequestEvent struct {
	Provider Provider `json:"provider"`
	// ProjectID is the identifier the provider API expects: "owner/repo" on
	// GitHub, the numeric project id on GitLab.
	ProjectID     string `json:"project_id"`
	ProjectPath   string `json:"project_path"`
	RequestNumber int    `json:"request_number"`
	Title         string `json:"title"`
	SourceBranch  string `json:"source_branch"`
	TargetBranch  string `json:"target_branch"`
	HeadCommit    string `json:"head_commit"`
	BaseCommit    string `json:"base_commit,omitempty"`
	Action        Action `json:"action"`
	RawAction     string `json:"raw_action"`
	Author        string `json:"author,omitempty"`
	WebURL        string `json:"web_url,omitempty"`

	Ignored      bool   `json:"ignored"`
	IgnoreReason string `json:"ignore_reason,omitempty"`
}

// RequestKey identifies the change request regardless of revision.
func (e *PullRequestEvent) RequestKey() string {
	return fmt.Sprintf("%s/%s/%d", e.Provider, e.ProjectPath, e.RequestNumber)
}

// IdempotencyKey identifies one review of one revision of a change request.
func (e *PullRequestEvent) IdempotencyKey() string {
	return e.RequestKey() + "@" + e.HeadCommit
}

// ShortCommit returns the first 7 characters of the head commit.
func (e *PullRequestEvent) ShortCommit() string {
	if len(e.HeadCommit) > 7 {
		return e.HeadCommit[:7]
	}
	return e.HeadCommit
}

func (e *PullRequestEvent) String() string {
	return fmt.Sprintf("%s %s#%d (%s)", e.Provider, e.ProjectPath, e.RequestNumber, e.Action)
}

// ChangeKind describes what happened to a file in a changeset.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// FileChange is a single file entry of a changeset.
type FileChange struct {
	Path         string     `json:"path"`
	PreviousPath string     `json:"previous_path,omitempty"`
	Kind         ChangeKind `json:"kind"`
	// Patch is nil when the provider did not return diff text.
	Patch        *string `json:"patch,omitempty"`
	PatchOmitted bool    `json:"patch_omitted"`
	OmitReason   string  `json:"omit_reason,omitempty"`
	Binary       bool    `json:"binary"`
	Additions    int     `json:"additions"`
	Deletions    int     `json:"deletions"`
}

// PatchText returns the patch or an empty string when it was omitted.
func (f FileChange) PatchText() string {
	if f.Patch == nil {
		return ""
	}
	return *f.Patch
}

// PatchSize returns the size in bytes of the patch text.
func (f FileChange) PatchSize() int {
	if f.Patch == nil {
		return 0
	}
	return len(*f.Patch)
}

// Changeset is the ordered list of file changes of one change-request revision.
type Changeset struct {
	Event *PullRequestEvent `json:"event"`
	Files []FileChange      `json:"files"`
	// Truncated is set when files were dropped by a size or count ceiling, or
	// when more pages existed than the fetcher was allowed to read.
	Truncated    bool     `json:"truncated"`
	DroppedPaths []string `json:"dropped_paths,omitempty"`
	TotalFiles   int      `json:"total_files"`
}

// HasPath reports whether path is one of the files in the changeset.
func (c *Changeset) HasPath(path string) bool {
	for _, f := range c.Files {
		if f.Path == path {
			return true
		}
	}
	return false
}

// Paths returns the file paths in changeset order.
func (c *Changeset) Paths() []string {
	paths := make([]string, 0, len(c.Files))
	for _, f := range c.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// AugmentedChangeset is a changeset enriched with review criteria and
// repository context. Warnings records knowledge lookups that failed.
type AugmentedChangeset struct {
	*Changeset
	Criteria []string `json:"criteria,omitempty"`
	Context  string   `json:"context,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Severity is the normalized severity of a review finding.
type Severity string

const (
	SeverityInfo       Severity = "info"
	SeveritySuggestion Severity = "suggestion"
	SeverityWarning    Severity = "warning"
	SeverityBlocking   Severity = "blocking"
)

// Rank orders severities from least (0) to most (3) severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityBlocking:
		return 3
	case SeverityWarning:
		return 2
	case SeveritySuggestion:
		return 1
	default:
		return 0
	}
}

// ParseSeverity maps the vocabulary reviewers and models tend to use onto the
// four normalized severities. Unknown values become info.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "blocking", "critical", "high", "error", "blocker":
		return SeverityBlocking
	case "warning", "medium", "warn":
		return SeverityWarning
	case "suggestion", "low", "minor", "nit":
		return SeveritySuggestion
	default:
		return SeverityInfo
	}
}

// ReviewFinding is one observation produced by a review agent. An empty Path
// marks a changeset-level finding.
type ReviewFinding struct {
	Path     string   `json:"path,omitempty"`
	Line     *int     `json:"line,omitempty"`
	EndLine  *int     `json:"end_line,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// SortFindings orders findings by path, then line, then severity (most severe
// first). Changeset-level findings come first; findings without a line come
// before line-anchored ones in the same file.
func SortFindings(findings []ReviewFinding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Path != b.Path {
			return a.Path < b.Path
		}
		la, lb := lineOrZero(a.Line), lineOrZero(b.Line)
		if la != lb {
			return la < lb
		}
		return a.Severity.Rank() > b.Severity.Rank()
	})
}

func lineOrZero(l *int) int {
	if l == nil {
		return 0
	}
	return *l
}

// Review is an agent's result for one changeset.
type Review struct {
	Findings []ReviewFinding `json:"findings"`
	// Overview is an assessment of the change as a whole. Only some agents
	// write one.
	Overview string `json:"overview,omitempty"`
}

// ApprovalStatus is the verdict shown with a review.
type ApprovalStatus string

const (
	StatusApproved             ApprovalStatus = "approved"
	StatusApprovedWithComments ApprovalStatus = "approved_with_comments"
	StatusNeedsChanges         ApprovalStatus = "needs_changes"
)

// Status derives the verdict from the most severe finding: blocking findings
// need changes, warnings and suggestions leave comments, anything else is an
// approval.
func (r Review) Status() ApprovalStatus {
	top := -1
	for _, f := range r.Findings {
		if rank := f.Severity.Rank(); rank > top {
			top = rank
		}
	}
	switch {
	case top >= SeverityBlocking.Rank():
		return StatusNeedsChanges
	case top >= SeveritySuggestion.Rank():
		return StatusApprovedWithComments
	default:
		return StatusApproved
	}
}

// Comment is the rendered review ready to be posted.
type Comment struct {
	Target         *PullRequestEvent `json:"target"`
	Body           string            `json:"body"`
	IdempotencyKey string            `json:"idempotency_key"`
}

// PostedComment is a comment already present on a change request.
type PostedComment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
}

// PostedCommentRef references a comment created or updated by the poster.
type PostedCommentRef struct {
	ID      int64  `json:"id"`
	URL     string `json:"url,omitempty"`
	Updated bool   `json:"updated"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }
