package review

import (
	"fmt"
	"strings"

	"github.com/iteam1/reviewbot/internal/diff"
	"github.com/iteam1/reviewbot/pkg/models"
)

const reviewInstructions = `You are an expert code reviewer. Review the code changes below and report concrete problems.

Focus on:
- Bugs and logic errors
- Security vulnerabilities
- Performance problems
- Missing error handling and edge cases
- Readability and maintainability

Only comment on the files shown. Line numbers refer to the new version of the file.
Respond with JSON only, no prose, in exactly this shape:
{"findings": [{"path": "<file path>", "line": <number or null>, "end_line": <number or null>, "severity": "critical|high|medium|low|info", "message": "<what is wrong and how to fix it>"}]}
Use an empty "findings" list when there is nothing worth reporting. Use "path": "" for remarks about the change as a whole.`

const summaryInstructions = `You are a code analysis expert. Describe the change below in a short paragraph:
what files changed, what kind of change it is, its apparent purpose, and its scope and complexity.
Respond with plain text, no JSON and no headings.`

const observationsHeading = "\n## Static analysis observations\nConfirm or refute these; do not repeat them verbatim.\n"

// promptExtras are optional sections added by the multi-step variants.
type promptExtras struct {
	Summary      string
	Observations []string
}

// buildReviewPrompt renders the critique prompt for one chunk.
func buildReviewPrompt(cs *models.AugmentedChangeset, ch Chunk, extras promptExtras) string {
	var b strings.Builder
	b.WriteString(reviewInstructions)
	b.WriteString("\n\n")
	b.WriteString(requestHeader(cs.Event))
	if ch.Total > 1 {
		fmt.Fprintf(&b, "This is part %d of %d of the change.\n", ch.Index+1, ch.Total)
	}
	b.WriteString(knowledgeSection(cs))

	if extras.Summary != "" {
		b.WriteString("\n## Change summary\n")
		b.WriteString(strings.TrimSpace(extras.Summary))
		b.WriteString("\n")
	}
	if len(extras.Observations) > 0 {
		b.WriteString(observationsHeading)
		for _, o := range extras.Observations {
			b.WriteString("- ")
			b.WriteString(o)
			b.WriteString("\n")
		}
	}

	b.WriteString("\n## Code changes\n")
	for _, f := range ch.Files {
		writeFile(&b, f)
	}
	return b.String()
}

// buildSummaryPrompt describes the whole changeset, with patch text until
// the token budget runs out.
func buildSummaryPrompt(cs *models.AugmentedChangeset, counter TokenCounter, budget int) string {
	var b strings.Builder
	b.WriteString(summaryInstructions)
	b.WriteString("\n\n")
	b.WriteString(requestHeader(cs.Event))

	b.WriteString("\n## Files\n")
	for _, f := range cs.Files {
		fmt.Fprintf(&b, "- %s (%s, +%d -%d)\n", f.Path, f.Kind, f.Additions, f.Deletions)
	}
	if cs.Truncated {
		fmt.Fprintf(&b, "- ... and %d more files not shown\n", len(cs.DroppedPaths))
	}

	used := counter.CountTokens(b.String())
	b.WriteString("\n## Code changes\n")
	for _, f := range cs.Files {
		cf := ChunkFile{File: f, Patch: f.PatchText(), Part: 1, Parts: 1}
		var fb strings.Builder
		writeFile(&fb, cf)
		tokens := counter.CountTokens(fb.String())
		if used+tokens > budget {
			b.WriteString("(remaining patches omitted for brevity)\n")
			break
		}
		used += tokens
		b.WriteString(fb.String())
	}
	return b.String()
}

func requestHeader(ev *models.PullRequestEvent) string {
	if ev == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Project: %s\n", ev.ProjectPath)
	fmt.Fprintf(&b, "Request: #%d %s\n", ev.RequestNumber, ev.Title)
	if ev.SourceBranch != "" || ev.TargetBranch != "" {
		fmt.Fprintf(&b, "Branches: %s -> %s\n", ev.SourceBranch, ev.TargetBranch)
	}
	return b.String()
}

// knowledgeSection renders the augmentation. It is empty when there is none.
func knowledgeSection(cs *models.AugmentedChangeset) string {
	if len(cs.Criteria) == 0 && cs.Context == "" {
		return ""
	}
	var b strings.Builder
	if len(cs.Criteria) > 0 {
		b.WriteString("\n## Review criteria for this project\n")
		for _, c := range cs.Criteria {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	if cs.Context != "" {
		b.WriteString("\n## Project context\n")
		b.WriteString(cs.Context)
		b.WriteString("\n")
	}
	return b.String()
}

func writeFile(b *strings.Builder, f ChunkFile) {
	fc := f.File
	fmt.Fprintf(b, "\n### File: %s (%s, %s, +%d -%d)", fc.Path, fc.Kind, diff.FileType(fc.Path), fc.Additions, fc.Deletions)
	if f.Parts > 1 {
		fmt.Fprintf(b, " [hunks part %d of %d]", f.Part, f.Parts)
	}
	b.WriteString("\n")
	if fc.PreviousPath != "" {
		fmt.Fprintf(b, "Renamed from: %s\n", fc.PreviousPath)
	}

	if fc.PatchOmitted {
		reason := fc.OmitReason
		if reason == "" {
			reason = "not provided by the VCS"
		}
		fmt.Fprintf(b, "The file changed but its diff is not available (%s). Do not assume it is unchanged.\n", reason)
		return
	}
	b.WriteString("```diff\n")
	b.WriteString(strings.TrimRight(f.Patch, "\n"))
	b.WriteString("\n```\n")
}
