package comment

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/iteam1/reviewbot/pkg/models"
)

// Provider ceilings on comment body length, in characters.
const (
	GitHubMaxBody = 65536
	GitLabMaxBody = 1000000
)

const (
	markerPrefix = "<!-- reviewbot:key="
	markerSuffix = " -->"

	truncatedNotice = "\n\n---\n:warning: **Output truncated**: the review exceeded the comment size limit.\n"

	// maxListedPaths caps the file lists in the footer.
	maxListedPaths = 50
)

// Marker returns the hidden HTML comment that carries an idempotency key.
func Marker(key string) string {
	return markerPrefix + key + markerSuffix
}

// RequestMarkerPrefix matches the marker of any revision of the event's
// change request.
func RequestMarkerPrefix(ev *models.PullRequestEvent) string {
	return markerPrefix + ev.RequestKey() + "@"
}

// ExtractKey returns the idempotency key carried by a comment body.
func ExtractKey(body string) (string, bool) {
	start := strings.LastIndex(body, markerPrefix)
	if start == -1 {
		return "", false
	}
	rest := body[start+len(markerPrefix):]
	end := strings.Index(rest, markerSuffix)
	if end == -1 {
		return "", false
	}
	return rest[:end], true
}

// MaxBodyFor returns the comment ceiling of a provider.
func MaxBodyFor(p models.Provider) int {
	if p == models.ProviderGitLab {
		return GitLabMaxBody
	}
	return GitHubMaxBody
}

// Formatter renders findings as one markdown comment.
type Formatter struct {
	// MaxBody overrides the provider ceiling when positive.
	MaxBody int
	BotName string
}

// NewFormatter creates a formatter. An empty botName renders as "reviewbot".
func NewFormatter(maxBody int, botName string) *Formatter {
	if botName == "" {
		botName = "reviewbot"
	}
	return &Formatter{MaxBody: maxBody, BotName: botName}
}

// Format builds the comment for one run. Every reviewed file gets its own
// section, findings inside a section are sorted by line and severity, and the
// body always ends with the idempotency marker.
func (f *Formatter) Format(review models.Review, cs *models.AugmentedChangeset) models.Comment {
	ev := cs.Event
	sorted := append([]models.ReviewFinding(nil), review.Findings...)
	models.SortFindings(sorted)

	var b strings.Builder
	fmt.Fprintf(&b, "## :robot: %s review\n\n", f.BotName)
	if len(sorted) == 0 {
		fmt.Fprintf(&b, ":white_check_mark: **No issues found** in %s at `%s`.\n", pluralize(len(cs.Files), "file"), ev.ShortCommit())
	} else {
		fmt.Fprintf(&b, "Reviewed %s at `%s`: %s.\n", pluralize(len(cs.Files), "file"), ev.ShortCommit(), severityCounts(sorted))
	}
	fmt.Fprintf(&b, "\n**Status:** %s\n", statusLabel(review.Status()))
	if overview := sanitize(review.Overview); overview != "" {
		fmt.Fprintf(&b, "\n**Overall assessment:** %s\n", indentContinuation(overview))
	}
	writeFindings(&b, sorted, cs)
	writeFooter(&b, cs)

	key := ev.IdempotencyKey()
	return models.Comment{
		Target:         ev,
		Body:           fitBody(b.String(), Marker(key), f.maxBody(ev.Provider)),
		IdempotencyKey: key,
	}
}

func (f *Formatter) maxBody(p models.Provider) int {
	if f.MaxBody > 0 {
		return f.MaxBody
	}
	return MaxBodyFor(p)
}

func statusLabel(s models.ApprovalStatus) string {
	switch s {
	case models.StatusNeedsChanges:
		return ":x: Needs changes"
	case models.StatusApprovedWithComments:
		return ":speech_balloon: Approved with comments"
	default:
		return ":white_check_mark: Approved"
	}
}

// writeFindings renders general findings first, then one section per file in
// path order. Findings on paths outside the changeset still get a section.
func writeFindings(b *strings.Builder, findings []models.ReviewFinding, cs *models.AugmentedChangeset) {
	byPath := map[string][]models.ReviewFinding{}
	for _, fd := range findings {
		byPath[fd.Path] = append(byPath[fd.Path], fd)
	}
	if general := byPath[""]; len(general) > 0 {
		b.WriteString("\n### General\n\n")
		writeFindingList(b, general)
	}

	omitted := map[string]bool{}
	seen := map[string]bool{"": true}
	var paths []string
	for _, fc := range cs.Files {
		if fc.PatchOmitted {
			omitted[fc.Path] = true
		}
		if !seen[fc.Path] {
			seen[fc.Path] = true
			paths = append(paths, fc.Path)
		}
	}
	for p := range byPath {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	for _, p := range paths {
		fmt.Fprintf(b, "\n### `%s`\n\n", p)
		switch {
		case len(byPath[p]) > 0:
			writeFindingList(b, byPath[p])
		case omitted[p]:
			b.WriteString("_No diff available; not reviewed._\n")
		default:
			b.WriteString("No findings.\n")
		}
	}
}

func writeFindingList(b *strings.Builder, findings []models.ReviewFinding) {
	for _, fd := range findings {
		fmt.Fprintf(b, "- %s **%s**", badge(fd.Severity), fd.Severity)
		if loc := location(fd); loc != "" {
			fmt.Fprintf(b, " (%s)", loc)
		}
		b.WriteString(": ")
		b.WriteString(indentContinuation(sanitize(fd.Message)))
		b.WriteString("\n")
	}
}

func writeFooter(b *strings.Builder, cs *models.AugmentedChangeset) {
	if cs.Truncated {
		fmt.Fprintf(b, "\n> :warning: The change was too large to review in full: %d of %d files were reviewed.\n",
			len(cs.Files), cs.TotalFiles)
		if len(cs.DroppedPaths) > 0 {
			fmt.Fprintf(b, "\n<details>\n<summary>%s not reviewed</summary>\n\n", pluralize(len(cs.DroppedPaths), "file"))
			writePathList(b, cs.DroppedPaths)
			b.WriteString("\n</details>\n")
		}
	}
	var omitted []string
	for _, fc := range cs.Files {
		if fc.PatchOmitted {
			omitted = append(omitted, fc.Path)
		}
	}
	if len(omitted) > 0 {
		fmt.Fprintf(b, "\n> :information_source: No diff was available for %s: %s.\n",
			pluralize(len(omitted), "file"), joinPaths(omitted))
	}
	for _, w := range cs.Warnings {
		fmt.Fprintf(b, "\n> :information_source: %s\n", sanitize(w))
	}
}

func writePathList(b *strings.Builder, paths []string) {
	for i, p := range paths {
		if i == maxListedPaths {
			fmt.Fprintf(b, "- ... and %d more\n", len(paths)-maxListedPaths)
			break
		}
		fmt.Fprintf(b, "- `%s`\n", p)
	}
}

func joinPaths(paths []string) string {
	shown := paths
	if len(shown) > maxListedPaths {
		shown = shown[:maxListedPaths]
	}
	parts := make([]string, len(shown))
	for i, p := range shown {
		parts[i] = "`" + p + "`"
	}
	out := strings.Join(parts, ", ")
	if len(paths) > len(shown) {
		out += fmt.Sprintf(" and %d more", len(paths)-len(shown))
	}
	return out
}

// fitBody truncates content at a rune boundary so that content, notice and
// marker fit in limit characters. The notice is dropped when it alone would
// not fit; the marker is never cut.
func fitBody(content, marker string, limit int) string {
	tail := "\n\n" + marker
	if utf8.RuneCountInString(content)+utf8.RuneCountInString(tail) <= limit {
		return content + tail
	}

	notice := truncatedNotice
	keep := limit - utf8.RuneCountInString(notice) - utf8.RuneCountInString(tail)
	if keep < 0 {
		notice = ""
		keep = max(limit-utf8.RuneCountInString(tail), 0)
	}
	cut := 0
	for n := 0; n < keep && cut < len(content); n++ {
		_, size := utf8.DecodeRuneInString(content[cut:])
		cut += size
	}
	return content[:cut] + notice + tail
}

func severityCounts(findings []models.ReviewFinding) string {
	counts := map[models.Severity]int{}
	for _, f := range findings {
		counts[f.Severity]++
	}
	var parts []string
	for _, s := range []models.Severity{models.SeverityBlocking, models.SeverityWarning, models.SeveritySuggestion, models.SeverityInfo} {
		if counts[s] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[s], s))
		}
	}
	return pluralize(len(findings), "finding") + " (" + strings.Join(parts, ", ") + ")"
}

func badge(s models.Severity) string {
	switch s {
	case models.SeverityBlocking:
		return ":red_circle:"
	case models.SeverityWarning:
		return ":orange_circle:"
	case models.SeveritySuggestion:
		return ":large_blue_circle:"
	default:
		return ":white_circle:"
	}
}

func location(f models.ReviewFinding) string {
	switch {
	case f.Line == nil:
		return ""
	case f.EndLine != nil && *f.EndLine > *f.Line:
		return fmt.Sprintf("lines %d-%d", *f.Line, *f.EndLine)
	default:
		return fmt.Sprintf("line %d", *f.Line)
	}
}

// sanitize keeps model text from opening HTML comments, which could hide the
// rest of the body or forge a marker.
func sanitize(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "<!--", "&lt;!--")
}

func indentContinuation(s string) string {
	return strings.ReplaceAll(s, "\n", "\n  ")
}

func pluralize(n int, singular string) string {
	if n == 1 {
		return "1 " + singular
	}
	return fmt.Sprintf("%d %ss", n, singular)
}
