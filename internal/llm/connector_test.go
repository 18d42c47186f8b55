package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// fakeModel records the call options langchaingo passes to a model.
type fakeModel struct {
	answer string
	opts   llms.CallOptions
	prompt string
}

func (f *fakeModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	for _, o := range options {
		o(&f.opts)
	}
	for _, m := range messages {
		for _, p := range m.Parts {
			if tp, ok := p.(llms.TextContent); ok {
				f.prompt = tp.Text
			}
		}
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: f.answer}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func TestConnectorPassesModelSettings(t *testing.T) {
	model := &fakeModel{answer: `{"findings": []}`}
	c := NewConnectorWithModel(ConnectorOptions{
		Provider:    ProviderOpenAI,
		ModelConfig: ModelConfig{Model: "gpt-4o-mini", Temperature: 0.2, MaxTokens: 2048},
	}, model)

	out, err := c.GenerateResponse(context.Background(), "review this diff")

	require.NoError(t, err)
	assert.Equal(t, `{"findings": []}`, out)
	assert.Equal(t, "review this diff", model.prompt)
	assert.InDelta(t, 0.2, model.opts.Temperature, 1e-9)
	assert.Equal(t, 2048, model.opts.MaxTokens)
	assert.Equal(t, "gpt-4o-mini", c.Model())
	assert.Equal(t, ProviderOpenAI, c.Provider())
}

func TestNewConnector(t *testing.T) {
	_, err := NewConnector(context.Background(), ConnectorOptions{Provider: "mystery"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported LLM provider")

	c, err := NewConnector(context.Background(), ConnectorOptions{Provider: ProviderOllama, BaseURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	assert.Equal(t, "llama3", c.Model())

	c, err = NewConnector(context.Background(), ConnectorOptions{Provider: ProviderOpenAI, APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel(ProviderOpenAI), c.Model())
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"models": [{"name": "llama3:latest"}, {"name": "qwen2.5-coder:7b"}]}`)
	}))
	defer srv.Close()

	models, err := ListOllamaModels(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.True(t, HasOllamaModel(models, "llama3"))
	assert.True(t, HasOllamaModel(models, "qwen2.5-coder:7b"))
	assert.False(t, HasOllamaModel(models, "mistral"))

	ok := NewConnectorWithModel(ConnectorOptions{Provider: ProviderOllama, BaseURL: srv.URL, ModelConfig: ModelConfig{Model: "llama3"}}, &fakeModel{})
	assert.NoError(t, ok.Ping(context.Background()))

	missing := NewConnectorWithModel(ConnectorOptions{Provider: ProviderOllama, BaseURL: srv.URL, ModelConfig: ModelConfig{Model: "mistral"}}, &fakeModel{})
	assert.ErrorContains(t, missing.Ping(context.Background()), "not pulled")
}
