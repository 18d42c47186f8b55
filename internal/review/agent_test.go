package review

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iteam1/reviewbot/internal/llm"
	"github.com/iteam1/reviewbot/internal/retry"
	"github.com/iteam1/reviewbot/pkg/models"
)

// scriptedLLM answers each prompt with respond and records every prompt.
type scriptedLLM struct {
	mu      sync.Mutex
	prompts []string
	respond func(prompt string) (string, error)
}

func (s *scriptedLLM) GenerateResponse(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()
	return s.respond(prompt)
}

func (s *scriptedLLM) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

func newTestClient(s *scriptedLLM) *llm.ResilientClient {
	return llm.NewResilientClient(s, retry.RetryConfig{
		MaxRetries: 1,
		BaseDelay:  time.Millisecond,
		MaxDelay:   2 * time.Millisecond,
		Multiplier: 2,
	}, time.Second)
}

var filePattern = regexp.MustCompile(`### File: (\S+)`)

func promptFiles(prompt string) []string {
	var out []string
	for _, m := range filePattern.FindAllStringSubmatch(prompt, -1) {
		out = append(out, m[1])
	}
	return out
}

const mainPatch = "@@ -1,2 +1,4 @@\n" +
	" package main\n" +
	"+// TODO: handle errors\n" +
	"+const password = \"hunter22\"\n" +
	" func main() {}\n"

func testChangeset() *models.AugmentedChangeset {
	ev := &models.PullRequestEvent{Provider: models.ProviderGitHub, ProjectPath: "acme/widgets", RequestNumber: 7, Title: "Add cache"}
	return &models.AugmentedChangeset{
		Changeset: &models.Changeset{
			Event: ev,
			Files: []models.FileChange{
				{Path: "main.go", Kind: models.ChangeModified, Patch: models.StringPtr(mainPatch), Additions: 2},
				{Path: "logo.png", Kind: models.ChangeAdded, PatchOmitted: true, Binary: true, OmitReason: "binary file"},
			},
			TotalFiles: 2,
		},
		Criteria: []string{"Errors must be wrapped with %w"},
	}
}

func TestNewAgent(t *testing.T) {
	client := newTestClient(&scriptedLLM{})
	for _, v := range []string{"", "simple", "Advanced", " chain "} {
		a, err := NewAgent(v, client, Options{})
		require.NoError(t, err, v)
		assert.NotEmpty(t, a.Name())
	}

	_, err := NewAgent("clever", client, Options{})
	assert.ErrorContains(t, err, "unknown review agent")

	_, err = NewAgent("simple", nil, Options{})
	assert.Error(t, err)
}

func TestSimpleAgentReview(t *testing.T) {
	s := &scriptedLLM{respond: func(string) (string, error) {
		return "```json\n" + `{"findings": [
			{"path": "main.go", "line": 3, "severity": "high", "message": "Hardcoded credential"},
			{"path": "ghost.go", "line": 1, "severity": "low", "message": "Invented file"}
		]}` + "\n```", nil
	}}
	agent, err := NewAgent("simple", newTestClient(s), Options{})
	require.NoError(t, err)

	review, err := agent.Review(context.Background(), testChangeset(), nil)

	require.NoError(t, err)
	findings := review.Findings
	require.Len(t, findings, 1)
	assert.Equal(t, "main.go", findings[0].Path)
	assert.Equal(t, models.SeverityBlocking, findings[0].Severity)

	prompts := s.recorded()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Errors must be wrapped with %w")
	assert.Contains(t, prompts[0], "### File: logo.png")
	assert.Contains(t, prompts[0], "diff is not available (binary file)")
	assert.Contains(t, prompts[0], "Project: acme/widgets")
}

func TestSimpleAgentMergesChunksInOrder(t *testing.T) {
	cs := testChangeset()
	cs.Files = nil
	for _, p := range []string{"a.go", "b.go", "c.go"} {
		cs.Files = append(cs.Files, modified(p, hunk(1, 60)))
	}

	s := &scriptedLLM{respond: func(prompt string) (string, error) {
		files := promptFiles(prompt)
		if len(files) != 1 {
			return "", fmt.Errorf("expected one file per chunk, got %v", files)
		}
		// Finish the first chunk last.
		if files[0] == "a.go" {
			time.Sleep(30 * time.Millisecond)
		}
		return fmt.Sprintf(`{"findings": [{"path": %q, "line": 1, "severity": "low", "message": "note"}]}`, files[0]), nil
	}}
	agent, err := NewAgent("simple", newTestClient(s), Options{MaxPromptTokens: 1, Concurrency: 3})
	require.NoError(t, err)

	review, err := agent.Review(context.Background(), cs, nil)

	require.NoError(t, err)
	findings := review.Findings
	require.Len(t, findings, 3)
	assert.Equal(t, "a.go", findings[0].Path)
	assert.Equal(t, "b.go", findings[1].Path)
	assert.Equal(t, "c.go", findings[2].Path)
	assert.Len(t, s.recorded(), 3)
}

func TestAgentFailsWhenLLMIsDown(t *testing.T) {
	s := &scriptedLLM{respond: func(string) (string, error) {
		return "", errors.New("503 service unavailable")
	}}
	for _, v := range []string{"simple", "advanced", "chain"} {
		t.Run(v, func(t *testing.T) {
			agent, err := NewAgent(v, newTestClient(s), Options{})
			require.NoError(t, err)

			review, err := agent.Review(context.Background(), testChangeset(), nil)

			assert.Empty(t, review.Findings)
			assert.True(t, errors.Is(err, ErrReviewFailed))
			assert.True(t, errors.Is(err, llm.ErrCallFailed))
		})
	}
}

func TestAgentSkipsEmptyChangeset(t *testing.T) {
	s := &scriptedLLM{respond: func(string) (string, error) { return `{"findings": []}`, nil }}
	agent, err := NewAgent("advanced", newTestClient(s), Options{})
	require.NoError(t, err)

	cs := testChangeset()
	cs.Files = nil
	review, err := agent.Review(context.Background(), cs, nil)

	require.NoError(t, err)
	assert.Empty(t, review.Findings)
	assert.Empty(t, s.recorded())
}

func TestAdvancedAgentReview(t *testing.T) {
	s := &scriptedLLM{respond: func(prompt string) (string, error) {
		if strings.HasPrefix(prompt, summaryInstructions) {
			return "Adds a cache layer in front of the store.", nil
		}
		return `{"findings": [
			{"path": "main.go", "line": 3, "severity": "low", "message": "Secret in source."},
			{"path": "main.go", "line": 3, "severity": "critical", "message": "secret in  source"},
			{"path": "", "severity": "info", "message": "Consider tests for the cache."}
		]}`, nil
	}}
	agent, err := NewAgent("advanced", newTestClient(s), Options{})
	require.NoError(t, err)

	review, err := agent.Review(context.Background(), testChangeset(), nil)

	require.NoError(t, err)
	findings := review.Findings
	require.Len(t, findings, 2)
	assert.Equal(t, models.SeverityBlocking, findings[0].Severity)
	assert.Equal(t, "", findings[1].Path)
	assert.Equal(t, "Adds a cache layer in front of the store.", review.Overview)
	assert.Equal(t, models.StatusNeedsChanges, review.Status())

	prompts := s.recorded()
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], "- main.go (modified, +2 -0)")
	assert.Contains(t, prompts[1], "## Change summary\nAdds a cache layer in front of the store.")
}

func TestChainAgentMergesToolFindings(t *testing.T) {
	s := &scriptedLLM{respond: func(string) (string, error) {
		return `{"findings": [{"path": "main.go", "line": 1, "severity": "medium", "message": "Package lacks a doc comment"}]}`, nil
	}}
	agent, err := NewAgent("chain", newTestClient(s), Options{})
	require.NoError(t, err)

	review, err := agent.Review(context.Background(), testChangeset(), nil)

	require.NoError(t, err)
	findings := review.Findings
	assert.Empty(t, review.Overview)
	prompts := s.recorded()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "## Static analysis observations")
	assert.Contains(t, prompts[0], "security: main.go: possible hardcoded secret at line 3")
	assert.NotContains(t, prompts[0], "logo.png: complexity")

	var messages []string
	for _, f := range findings {
		messages = append(messages, f.Message)
	}
	require.Len(t, findings, 3, messages)
	assert.Equal(t, models.SeverityBlocking, findings[0].Severity)
	assert.Equal(t, 3, *findings[0].Line)
	assert.Equal(t, models.SeveritySuggestion, findings[1].Severity)
	assert.Equal(t, 2, *findings[1].Line)
	assert.Equal(t, "Package lacks a doc comment", findings[2].Message)
}

func TestSimpleAgentKeepsPromptsWithinBudget(t *testing.T) {
	var patch strings.Builder
	patch.WriteString("@@ -0,0 +1,3000 @@\n")
	for i := 0; i < 3000; i++ {
		fmt.Fprintf(&patch, "+\tcache.Set(key%d, value(%d), time.Minute) // entry\n", i, i)
	}
	cs := testChangeset()
	cs.Files = []models.FileChange{{Path: "cache/warm.go", Kind: models.ChangeAdded, Patch: models.StringPtr(patch.String()), Additions: 3000}}

	s := &scriptedLLM{respond: func(string) (string, error) { return `{"findings": []}`, nil }}
	opts := Options{MaxPromptTokens: 12000, Concurrency: 2}
	agent, err := NewAgent("simple", newTestClient(s), opts)
	require.NoError(t, err)

	_, err = agent.Review(context.Background(), cs, nil)
	require.NoError(t, err)

	prompts := s.recorded()
	require.Greater(t, len(prompts), 1)
	counter := &SimpleTokenCounter{}
	for _, p := range prompts {
		assert.LessOrEqual(t, counter.CountTokens(p), opts.MaxPromptTokens)
		assert.Contains(t, p, "### File: cache/warm.go")
	}
}
