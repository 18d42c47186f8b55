package review

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/iteam1/reviewbot/pkg/models"
)

// llmReview is the JSON shape the prompts ask for.
type llmReview struct {
	Findings []llmFinding `json:"findings"`
}

type llmFinding struct {
	Path     string   `json:"path"`
	Line     flexLine `json:"line"`
	EndLine  flexLine `json:"end_line"`
	Severity string   `json:"severity"`
	Message  string   `json:"message"`
}

// flexLine accepts a number, a numeric string, a "10-15" range start, or
// null. Anything else decodes as no line.
type flexLine struct {
	n int
}

func (l *flexLine) UnmarshalJSON(b []byte) error {
	l.n = 0
	var num float64
	if err := json.Unmarshal(b, &num); err == nil {
		l.n = int(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		s = strings.TrimSpace(s)
		if i := strings.IndexAny(s, "-:"); i > 0 {
			s = s[:i]
		}
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			l.n = n
		}
	}
	return nil
}

func (l flexLine) ptr() *int {
	if l.n <= 0 {
		return nil
	}
	return models.IntPtr(l.n)
}

// convertFindings maps model output onto ReviewFindings. Findings without a
// message, and findings for paths outside the changeset, are dropped; the
// second count is returned.
func convertFindings(out llmReview, cs *models.Changeset) ([]models.ReviewFinding, int) {
	var (
		findings []models.ReviewFinding
		dropped  int
	)
	for _, f := range out.Findings {
		msg := strings.TrimSpace(f.Message)
		if msg == "" {
			continue
		}
		path := normalizePath(f.Path)
		if path != "" && !cs.HasPath(path) {
			dropped++
			continue
		}

		finding := models.ReviewFinding{
			Path:     path,
			Line:     f.Line.ptr(),
			EndLine:  f.EndLine.ptr(),
			Severity: models.ParseSeverity(f.Severity),
			Message:  msg,
		}
		if finding.Line == nil || (finding.EndLine != nil && *finding.EndLine <= *finding.Line) {
			finding.EndLine = nil
		}
		findings = append(findings, finding)
	}
	return findings, dropped
}

// normalizePath strips the a/ b/ prefixes models copy from diff headers.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.TrimPrefix(p, "./")
	if strings.HasPrefix(p, "a/") || strings.HasPrefix(p, "b/") {
		return p[2:]
	}
	return p
}

// consolidate removes duplicate findings, keeping the highest severity of
// each (path, line, normalized message) group at the position of its first
// occurrence.
func consolidate(findings []models.ReviewFinding) []models.ReviewFinding {
	index := make(map[string]int, len(findings))
	out := make([]models.ReviewFinding, 0, len(findings))
	for _, f := range findings {
		key := dedupeKey(f)
		if i, ok := index[key]; ok {
			if f.Severity.Rank() > out[i].Severity.Rank() {
				out[i].Severity = f.Severity
			}
			continue
		}
		index[key] = len(out)
		out = append(out, f)
	}
	return out
}

func dedupeKey(f models.ReviewFinding) string {
	line := 0
	if f.Line != nil {
		line = *f.Line
	}
	return f.Path + "\x00" + strconv.Itoa(line) + "\x00" + normalizeMessage(f.Message)
}

func normalizeMessage(m string) string {
	m = strings.ToLower(m)
	m = strings.Join(strings.Fields(m), " ")
	return strings.TrimRight(m, ".!")
}
