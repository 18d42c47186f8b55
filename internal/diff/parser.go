package diff

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Hunk is one @@ section of a unified diff patch.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Header   string
	// Content holds the hunk body without its header line.
	Content string
}

// Line is a changed or context line of a hunk with its position in the new
// file. NewLine is 0 for removed lines.
type Line struct {
	Kind    byte // '+', '-' or ' '
	NewLine int
	Text    string
}

// Patch is a parsed single-file unified diff.
type Patch struct {
	Hunks     []Hunk
	Additions int
	Deletions int
}

// Counts are optional in hunk headers: "@@ -1 +1 @@" means one line each.
var hunkHeader = regexp.MustCompile(`(?m)^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@.*$`)

// ParsePatch parses the per-file patch text VCS APIs return (hunks only, no
// "diff --git" preamble). Text before the first hunk is ignored.
func ParsePatch(patch string) Patch {
	var p Patch
	matches := hunkHeader.FindAllStringSubmatchIndex(patch, -1)
	for i, m := range matches {
		h := Hunk{
			OldStart: atoi(patch, m[2], m[3], 0),
			OldLines: atoi(patch, m[4], m[5], 1),
			NewStart: atoi(patch, m[6], m[7], 0),
			NewLines: atoi(patch, m[8], m[9], 1),
			Header:   patch[m[0]:m[1]],
		}

		end := len(patch)
		if i < len(matches)-1 {
			end = matches[i+1][0]
		}
		h.Content = strings.TrimPrefix(patch[m[1]:end], "\n")
		p.Hunks = append(p.Hunks, h)

		for _, line := range strings.Split(h.Content, "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				p.Additions++
			case strings.HasPrefix(line, "-"):
				p.Deletions++
			}
		}
	}
	return p
}

func atoi(s string, start, end, def int) int {
	if start < 0 {
		return def
	}
	n, err := strconv.Atoi(s[start:end])
	if err != nil {
		return def
	}
	return n
}

// Lines walks the hunk and numbers each line in the new file.
func (h Hunk) Lines() []Line {
	var out []Line
	newLine := h.NewStart
	for _, raw := range strings.Split(h.Content, "\n") {
		if raw == "" || strings.HasPrefix(raw, `\`) {
			continue
		}
		switch raw[0] {
		case '+':
			out = append(out, Line{Kind: '+', NewLine: newLine, Text: raw[1:]})
			newLine++
		case '-':
			out = append(out, Line{Kind: '-', Text: raw[1:]})
		default:
			out = append(out, Line{Kind: ' ', NewLine: newLine, Text: strings.TrimPrefix(raw, " ")})
			newLine++
		}
	}
	return out
}

// Section returns the text git prints after the closing @@ of the header,
// usually the enclosing function. It keeps its leading space.
func (h Hunk) Section() string {
	rest := strings.TrimPrefix(h.Header, "@@")
	if i := strings.Index(rest, "@@"); i >= 0 {
		return rest[i+2:]
	}
	return ""
}

// FormatHunkHeader renders a hunk header with explicit line counts.
func FormatHunkHeader(oldStart, oldLines, newStart, newLines int, section string) string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@%s", oldStart, oldLines, newStart, newLines, section)
}

// AddedLines returns every added line of the patch with its new-file line
// number.
func (p Patch) AddedLines() []Line {
	var out []Line
	for _, h := range p.Hunks {
		for _, l := range h.Lines() {
			if l.Kind == '+' {
				out = append(out, l)
			}
		}
	}
	return out
}

// IsBinaryPatch reports whether a patch is git's binary placeholder.
func IsBinaryPatch(patch string) bool {
	return strings.HasPrefix(patch, "Binary files ") || strings.HasPrefix(patch, "GIT binary patch")
}

// FileType names the language of a path for prompts.
func FileType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".js", ".jsx", ".mjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".py":
		return "python"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".cs":
		return "csharp"
	case ".php":
		return "php"
	case ".sql":
		return "sql"
	case ".sh":
		return "shell"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".md":
		return "markdown"
	default:
		return "text"
	}
}
