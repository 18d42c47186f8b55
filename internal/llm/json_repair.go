package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoJSON is returned when a model response contains no JSON value at all.
var ErrNoJSON = errors.New("no JSON found in model response")

// RepairStats tracks what RepairJSON had to do to a model response.
type RepairStats struct {
	OriginalBytes int           `json:"original_bytes"`
	RepairedBytes int           `json:"repaired_bytes"`
	CommentsLost  int           `json:"comments_lost"`
	ErrorsFixed   int           `json:"errors_fixed"`
	Duration      time.Duration `json:"duration"`
	Strategies    []string      `json:"strategies"`
	WasRepaired   bool          `json:"was_repaired"`
}

type repairStep struct {
	name string
	fix  func(string) (string, int)
}

// Steps run in order and RepairJSON stops at the first one that yields valid
// JSON. Every step except completion leaves string literals untouched.
var repairSteps = []repairStep{
	{"comments_removed", stripComments},
	{"trailing_commas", removeTrailingCommas},
	{"key_quotes", quoteBareKeys},
	{"single_quotes", convertSingleQuotes},
	{"completion", closeOpenBrackets},
}

// RepairJSON attempts to turn a model's almost-JSON into valid JSON. Local
// fixes run first; kaptinlin/jsonrepair is the fallback.
func RepairJSON(raw string) (string, RepairStats, error) {
	start := time.Now()
	stats := RepairStats{OriginalBytes: len(raw)}
	finish := func(s string) RepairStats {
		stats.RepairedBytes = len(s)
		stats.Duration = time.Since(start)
		return stats
	}

	if json.Valid([]byte(raw)) {
		return raw, finish(raw), nil
	}

	stats.WasRepaired = true
	repaired := raw
	for _, step := range repairSteps {
		next, n := step.fix(repaired)
		if next == repaired {
			continue
		}
		repaired = next
		stats.Strategies = append(stats.Strategies, step.name)
		stats.ErrorsFixed++
		if step.name == "comments_removed" {
			stats.CommentsLost += n
		}
		if json.Valid([]byte(repaired)) {
			return repaired, finish(repaired), nil
		}
	}

	if fixed, err := jsonrepair.JSONRepair(repaired); err == nil && fixed != repaired {
		stats.Strategies = append(stats.Strategies, "jsonrepair_library")
		stats.ErrorsFixed++
		if json.Valid([]byte(fixed)) {
			return fixed, finish(fixed), nil
		}
		repaired = fixed
	}

	return repaired, finish(repaired), fmt.Errorf("JSON repair failed after %d strategies", len(stats.Strategies))
}

// ExtractJSON pulls the JSON value out of a model response that may wrap it
// in markdown fences or prose. It returns "" when there is nothing that looks
// like JSON.
func ExtractJSON(raw string) string {
	raw = strings.TrimSpace(raw)
	if fenced, ok := fencedBlock(raw); ok {
		raw = strings.TrimSpace(fenced)
	}
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
		return raw
	}

	start := strings.IndexAny(raw, "{[")
	if start == -1 {
		return ""
	}
	if end := matchingClose(raw, start); end != -1 {
		return raw[start : end+1]
	}
	return raw[start:]
}

// ParseResponse extracts, repairs and decodes a model response into target.
func ParseResponse(raw string, target interface{}) (RepairStats, error) {
	body := ExtractJSON(raw)
	if body == "" {
		return RepairStats{OriginalBytes: len(raw)}, ErrNoJSON
	}
	repaired, stats, err := RepairJSON(body)
	if err != nil {
		return stats, err
	}
	if err := json.Unmarshal([]byte(repaired), target); err != nil {
		return stats, fmt.Errorf("decode model response: %w", err)
	}
	return stats, nil
}

func fencedBlock(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open == -1 {
		return "", false
	}
	rest := s[open+3:]
	// Skip the info string ("json", "JSON", ...).
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[nl+1:]
	} else {
		return "", false
	}
	if end := strings.Index(rest, "```"); end != -1 {
		return rest[:end], true
	}
	return rest, true
}

// scanState walks JSON-ish text and reports whether each byte sits inside a
// double-quoted string.
type scanState struct {
	inString bool
	escaped  bool
}

func (st *scanState) step(c byte) {
	switch {
	case st.escaped:
		st.escaped = false
	case st.inString && c == '\\':
		st.escaped = true
	case c == '"':
		st.inString = !st.inString
	}
}

func matchingClose(s string, start int) int {
	var st scanState
	depth := 0
	for i := start; i < len(s); i++ {
		c := s[i]
		wasInString := st.inString
		st.step(c)
		if wasInString || st.inString {
			continue
		}
		switch c {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// outsideStrings applies fn to every run of text that is not inside a
// double-quoted string literal.
func outsideStrings(s string, fn func(string) string) string {
	var (
		b     strings.Builder
		st    scanState
		begin int
	)
	for i := 0; i < len(s); i++ {
		wasInString := st.inString
		st.step(s[i])
		switch {
		case !wasInString && st.inString:
			b.WriteString(fn(s[begin:i]))
			begin = i
		case wasInString && !st.inString:
			b.WriteString(s[begin : i+1])
			begin = i + 1
		}
	}
	if st.inString {
		b.WriteString(s[begin:])
	} else {
		b.WriteString(fn(s[begin:]))
	}
	return b.String()
}

func stripComments(s string) (string, int) {
	var (
		b       strings.Builder
		st      scanState
		removed int
	)
	for i := 0; i < len(s); i++ {
		if !st.inString && s[i] == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				end := strings.IndexByte(s[i:], '\n')
				removed++
				if end == -1 {
					return b.String(), removed
				}
				i += end - 1
				continue
			case '*':
				end := strings.Index(s[i+2:], "*/")
				removed++
				if end == -1 {
					return b.String(), removed
				}
				i += end + 3
				continue
			}
		}
		st.step(s[i])
		b.WriteByte(s[i])
	}
	return b.String(), removed
}

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

func removeTrailingCommas(s string) (string, int) {
	n := 0
	out := outsideStrings(s, func(seg string) string {
		n += len(trailingComma.FindAllStringIndex(seg, -1))
		return trailingComma.ReplaceAllString(seg, "$1")
	})
	return out, n
}

var bareKey = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)(\s*:)`)

func quoteBareKeys(s string) (string, int) {
	n := 0
	out := outsideStrings(s, func(seg string) string {
		n += len(bareKey.FindAllStringIndex(seg, -1))
		return bareKey.ReplaceAllString(seg, `$1"$2"$3`)
	})
	return out, n
}

var singleQuoted = regexp.MustCompile(`'((?:[^'\\]|\\.)*)'`)

func convertSingleQuotes(s string) (string, int) {
	n := 0
	out := outsideStrings(s, func(seg string) string {
		return singleQuoted.ReplaceAllStringFunc(seg, func(m string) string {
			n++
			inner := m[1 : len(m)-1]
			inner = strings.ReplaceAll(inner, `\'`, `'`)
			inner = strings.ReplaceAll(inner, `"`, `\"`)
			return `"` + inner + `"`
		})
	})
	return out, n
}

// closeOpenBrackets terminates an unterminated string and appends the
// closers of every still-open object and array, innermost first.
func closeOpenBrackets(s string) (string, int) {
	var (
		st    scanState
		stack []byte
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		wasInString := st.inString
		st.step(c)
		if wasInString || st.inString {
			continue
		}
		switch c {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 && !st.inString {
		return s, 0
	}

	out := s
	if st.inString {
		out += `"`
	}
	out = strings.TrimRight(out, " \t\r\n")
	out = strings.TrimSuffix(out, ",")
	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out, len(stack)
}
