package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Provider names an LLM backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderCohere Provider = "cohere"
	ProviderOllama Provider = "ollama"
)

// ModelConfig holds the generation settings sent with every call.
type ModelConfig struct {
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	TopP        float64 `json:"top_p,omitempty"`
}

// ConnectorOptions selects and authenticates a backend.
type ConnectorOptions struct {
	Provider    Provider    `json:"provider"`
	APIKey      string      `json:"-"`
	BaseURL     string      `json:"base_url,omitempty"`
	ModelConfig ModelConfig `json:"model_config,omitempty"`
}

type backend struct {
	defaultModel string
	build        func(ctx context.Context, o ConnectorOptions) (llms.Model, error)
}

var backends = map[Provider]backend{
	ProviderOpenAI: {"gpt-4o-mini", func(_ context.Context, o ConnectorOptions) (llms.Model, error) {
		opts := []openai.Option{openai.WithModel(o.ModelConfig.Model), openai.WithToken(o.APIKey)}
		if o.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(o.BaseURL))
		}
		return openai.New(opts...)
	}},
	ProviderGemini: {"gemini-2.5-flash", func(ctx context.Context, o ConnectorOptions) (llms.Model, error) {
		return googleai.New(ctx, googleai.WithAPIKey(o.APIKey), googleai.WithDefaultModel(o.ModelConfig.Model))
	}},
	ProviderClaude: {"claude-3-5-sonnet-latest", func(_ context.Context, o ConnectorOptions) (llms.Model, error) {
		opts := []anthropic.Option{anthropic.WithToken(o.APIKey), anthropic.WithModel(o.ModelConfig.Model)}
		if o.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(o.BaseURL))
		}
		return anthropic.New(opts...)
	}},
	ProviderCohere: {"command-r", func(_ context.Context, o ConnectorOptions) (llms.Model, error) {
		opts := []cohere.Option{cohere.WithToken(o.APIKey), cohere.WithModel(o.ModelConfig.Model)}
		if o.BaseURL != "" {
			opts = append(opts, cohere.WithBaseURL(o.BaseURL))
		}
		return cohere.New(opts...)
	}},
	// Ollama takes temperature and token limits per call.
	ProviderOllama: {"llama3", func(_ context.Context, o ConnectorOptions) (llms.Model, error) {
		url := o.BaseURL
		if url == "" {
			url = defaultOllamaURL
		}
		return ollama.New(ollama.WithServerURL(url), ollama.WithModel(o.ModelConfig.Model))
	}},
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(p Provider) string {
	return backends[p].defaultModel
}

// Connector is an LLMClient backed by a langchaingo model.
type Connector struct {
	provider Provider
	llm      llms.Model
	options  ConnectorOptions
}

var _ LLMClient = (*Connector)(nil)

// NewConnector builds the langchaingo model of the configured backend.
func NewConnector(ctx context.Context, options ConnectorOptions) (*Connector, error) {
	be, ok := backends[options.Provider]
	if !ok {
		return nil, fmt.Errorf("unsupported LLM provider: %q", options.Provider)
	}
	if options.ModelConfig.Model == "" {
		options.ModelConfig.Model = be.defaultModel
	}

	log.Debug().
		Str("provider", string(options.Provider)).
		Str("model", options.ModelConfig.Model).
		Msg("building LLM connector")

	model, err := be.build(ctx, options)
	if err != nil {
		return nil, fmt.Errorf("llm %s: %w", options.Provider, err)
	}
	return NewConnectorWithModel(options, model), nil
}

// NewConnectorWithModel wraps an already constructed langchaingo model.
func NewConnectorWithModel(options ConnectorOptions, model llms.Model) *Connector {
	return &Connector{provider: options.Provider, llm: model, options: options}
}

// GenerateResponse sends a single prompt and returns the model's text.
func (c *Connector) GenerateResponse(ctx context.Context, prompt string) (string, error) {
	callOptions := []llms.CallOption{
		llms.WithTemperature(c.options.ModelConfig.Temperature),
	}
	if c.options.ModelConfig.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(c.options.ModelConfig.MaxTokens))
	}
	if c.options.ModelConfig.TopP > 0 {
		callOptions = append(callOptions, llms.WithTopP(c.options.ModelConfig.TopP))
	}
	if c.provider == ProviderGemini {
		callOptions = append(callOptions, llms.WithModel(c.options.ModelConfig.Model))
	}
	return llms.GenerateFromSinglePrompt(ctx, c.llm, prompt, callOptions...)
}

// Ping checks that the backend answers. For Ollama it only lists the local
// models and checks that the configured one is pulled.
func (c *Connector) Ping(ctx context.Context) error {
	if c.provider == ProviderOllama {
		models, err := ListOllamaModels(ctx, c.options.BaseURL)
		if err != nil {
			return err
		}
		if !HasOllamaModel(models, c.options.ModelConfig.Model) {
			return fmt.Errorf("ollama model %q is not pulled", c.options.ModelConfig.Model)
		}
		return nil
	}
	_, err := llms.GenerateFromSinglePrompt(ctx, c.llm, "ping", llms.WithMaxTokens(10))
	return err
}

// Provider returns the backend of this connector.
func (c *Connector) Provider() Provider {
	return c.provider
}

// Model returns the configured model name.
func (c *Connector) Model() string {
	return c.options.ModelConfig.Model
}
