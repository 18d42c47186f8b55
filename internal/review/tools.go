package review

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/iteam1/reviewbot/internal/diff"
	"github.com/iteam1/reviewbot/pkg/models"
)

// ToolResult is what a local analysis tool found in one file.
type ToolResult struct {
	Observation string
	Findings    []models.ReviewFinding
}

// Tool is a deterministic check run over a file patch before the LLM sees it.
type Tool interface {
	Name() string
	Analyze(f ChunkFile) ToolResult
}

// DefaultTools returns the complexity, security, style and suggestion tools.
func DefaultTools() []Tool {
	return []Tool{
		ComplexityTool{},
		SecurityTool{},
		StyleTool{MaxLineLength: 120, MaxIssues: 5},
		SuggestionTool{},
	}
}

// ComplexityTool rates a file by its number of changed lines.
type ComplexityTool struct{}

func (ComplexityTool) Name() string { return "complexity" }

func (ComplexityTool) Analyze(f ChunkFile) ToolResult {
	p := diff.ParsePatch(f.Patch)
	changed := p.Additions + p.Deletions

	level := "Low"
	switch {
	case changed > 50:
		level = "High"
	case changed > 20:
		level = "Medium"
	}

	res := ToolResult{Observation: fmt.Sprintf("%s: complexity %s (%d lines added, %d removed)",
		f.File.Path, level, p.Additions, p.Deletions)}
	if level == "High" {
		res.Findings = append(res.Findings, models.ReviewFinding{
			Path:     f.File.Path,
			Severity: models.SeverityInfo,
			Message:  fmt.Sprintf("Large change to this file (%d changed lines); consider splitting it into smaller, focused commits.", changed),
		})
	}
	return res
}

type securityPattern struct {
	category string
	re       *regexp.Regexp
	severity models.Severity
}

var securityPatterns = []securityPattern{
	{"SQL built from strings", regexp.MustCompile(`\b(SELECT|INSERT|UPDATE|DELETE|DROP)\b.*("\s*\+|\+\s*"|%s|%v|\$\{|f")`), models.SeverityWarning},
	{"XSS", regexp.MustCompile(`innerHTML\s*=|document\.write\(|dangerouslySetInnerHTML`), models.SeverityWarning},
	{"hardcoded secret", regexp.MustCompile(`(?i)(password|passwd|api_?key|secret|token)\s*[:=]+\s*["'][^"']{4,}["']`), models.SeverityBlocking},
	{"unsafe function", regexp.MustCompile(`\b(eval|exec|system|shell_exec)\s*\(`), models.SeverityWarning},
}

// SecurityTool flags risky patterns on added lines.
type SecurityTool struct{}

func (SecurityTool) Name() string { return "security" }

func (SecurityTool) Analyze(f ChunkFile) ToolResult {
	var (
		res  ToolResult
		hits []string
	)
	seen := map[string]bool{}
	for _, l := range diff.ParsePatch(f.Patch).AddedLines() {
		for _, sp := range securityPatterns {
			if seen[sp.category] || !sp.re.MatchString(l.Text) {
				continue
			}
			seen[sp.category] = true
			hits = append(hits, fmt.Sprintf("possible %s at line %d", sp.category, l.NewLine))
			res.Findings = append(res.Findings, models.ReviewFinding{
				Path:     f.File.Path,
				Line:     models.IntPtr(l.NewLine),
				Severity: sp.severity,
				Message:  fmt.Sprintf("Possible %s: `%s`", sp.category, strings.TrimSpace(l.Text)),
			})
		}
	}
	if len(hits) == 0 {
		res.Observation = f.File.Path + ": no obvious security patterns"
	} else {
		res.Observation = f.File.Path + ": " + strings.Join(hits, "; ")
	}
	return res
}

// StyleTool checks added lines for length, trailing whitespace and tabs.
type StyleTool struct {
	MaxLineLength int
	MaxIssues     int
}

func (StyleTool) Name() string { return "style" }

func (t StyleTool) Analyze(f ChunkFile) ToolResult {
	tabsAllowed := allowsTabs(f.File.Path)
	var (
		res    ToolResult
		issues []string
	)
	for _, l := range diff.ParsePatch(f.Patch).AddedLines() {
		if len(issues) >= t.MaxIssues {
			break
		}
		var problem string
		switch {
		case len(l.Text) > t.MaxLineLength:
			problem = fmt.Sprintf("line longer than %d characters", t.MaxLineLength)
		case strings.TrimRight(l.Text, " \t") != l.Text:
			problem = "trailing whitespace"
		case !tabsAllowed && strings.Contains(l.Text, "\t"):
			problem = "tab character (use spaces)"
		default:
			continue
		}
		issues = append(issues, fmt.Sprintf("line %d: %s", l.NewLine, problem))
		res.Findings = append(res.Findings, models.ReviewFinding{
			Path:     f.File.Path,
			Line:     models.IntPtr(l.NewLine),
			Severity: models.SeverityInfo,
			Message:  "Style: " + problem + ".",
		})
	}
	if len(issues) == 0 {
		res.Observation = f.File.Path + ": no major style issues"
	} else {
		res.Observation = f.File.Path + ": " + strings.Join(issues, "; ")
	}
	return res
}

// allowsTabs reports files whose formatters indent with tabs.
func allowsTabs(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(path, ".go") || base == "Makefile" || strings.HasSuffix(base, ".mk")
}

var (
	newFunction = regexp.MustCompile(`^\s*(def|func|function)\s+\w+`)
	newImport   = regexp.MustCompile(`^\s*(import|from\s+\S+\s+import|require\()`)
	todoMarker  = regexp.MustCompile(`\b(TODO|FIXME)\b`)
)

// SuggestionTool points out general improvements.
type SuggestionTool struct{}

func (SuggestionTool) Name() string { return "suggestions" }

func (SuggestionTool) Analyze(f ChunkFile) ToolResult {
	var (
		res                ToolResult
		hasFunc, hasImport bool
		suggestions        []string
	)
	added := diff.ParsePatch(f.Patch).AddedLines()
	for _, l := range added {
		hasFunc = hasFunc || newFunction.MatchString(l.Text)
		hasImport = hasImport || newImport.MatchString(l.Text)
		if todoMarker.MatchString(l.Text) {
			res.Findings = append(res.Findings, models.ReviewFinding{
				Path:     f.File.Path,
				Line:     models.IntPtr(l.NewLine),
				Severity: models.SeveritySuggestion,
				Message:  "Address this TODO/FIXME before merging or link it to a tracked issue.",
			})
		}
	}
	if hasFunc {
		suggestions = append(suggestions, "document the new functions")
	}
	if hasImport {
		suggestions = append(suggestions, "check that new imports are needed")
	}
	if len(res.Findings) > 0 {
		suggestions = append(suggestions, "resolve TODO/FIXME markers")
	}
	if len(added) > 100 {
		suggestions = append(suggestions, "large addition; consider smaller commits")
	}
	if len(suggestions) == 0 {
		res.Observation = f.File.Path + ": changes look reasonable"
	} else {
		res.Observation = f.File.Path + ": " + strings.Join(suggestions, "; ")
	}
	return res
}
