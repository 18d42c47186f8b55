package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/iteam1/reviewbot/internal/comment"
	"github.com/iteam1/reviewbot/internal/config"
	"github.com/iteam1/reviewbot/internal/diff"
	"github.com/iteam1/reviewbot/internal/knowledge"
	"github.com/iteam1/reviewbot/internal/llm"
	"github.com/iteam1/reviewbot/internal/pipeline"
	"github.com/iteam1/reviewbot/internal/providers"
	"github.com/iteam1/reviewbot/internal/providers/github"
	"github.com/iteam1/reviewbot/internal/providers/gitlab"
	"github.com/iteam1/reviewbot/internal/ratelimit"
	"github.com/iteam1/reviewbot/internal/retry"
	"github.com/iteam1/reviewbot/internal/review"
	"github.com/iteam1/reviewbot/internal/webhookutils"
)

// components is everything a command needs, built from one configuration.
type components struct {
	registry     *providers.Registry
	verifiers    map[string]webhookutils.Verifier
	connector    *llm.Connector
	orchestrator *pipeline.Orchestrator
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// buildProviders creates the enabled adapters. They share one rate budget.
func buildProviders(cfg *config.Config) (*providers.Registry, map[string]webhookutils.Verifier, error) {
	budget := ratelimit.NewBudget(ratelimit.Options{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		Reserve:           cfg.RateLimit.Reserve,
		MaxWait:           cfg.RateLimit.MaxWait,
	})

	registry := providers.NewRegistry()
	verifiers := make(map[string]webhookutils.Verifier)

	if gh := cfg.Providers.GitHub; gh.Enabled {
		a, err := github.New(github.Config{
			BaseURL:        gh.BaseURL,
			Token:          gh.Token,
			AppID:          gh.AppID,
			InstallationID: gh.InstallationID,
			PrivateKeyPath: gh.PrivateKeyPath,
			Timeout:        gh.Timeout,
			PerPage:        cfg.Diff.PerPage,
		}, budget)
		if err != nil {
			return nil, nil, fmt.Errorf("github provider: %w", err)
		}
		registry.Register(a)
		verifiers[a.Name()] = webhookutils.GitHubVerifier(gh.WebhookSecret)
	}

	if gl := cfg.Providers.GitLab; gl.Enabled {
		a, err := gitlab.New(gitlab.Config{
			BaseURL:    gl.BaseURL,
			Token:      gl.Token,
			AuthScheme: gl.AuthScheme,
			Timeout:    gl.Timeout,
			PerPage:    cfg.Diff.PerPage,
		}, budget)
		if err != nil {
			return nil, nil, fmt.Errorf("gitlab provider: %w", err)
		}
		registry.Register(a)
		verifiers[a.Name()] = webhookutils.GitLabVerifier(gl.WebhookToken)
	}

	return registry, verifiers, nil
}

func buildConnector(ctx context.Context, cfg *config.Config) (*llm.Connector, error) {
	return llm.NewConnector(ctx, llm.ConnectorOptions{
		Provider: llm.Provider(cfg.LLM.Provider),
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		ModelConfig: llm.ModelConfig{
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		},
	})
}

func buildKnowledge(cfg *config.Config) (*knowledge.Augmenter, error) {
	var sources []knowledge.Source
	if path := cfg.Knowledge.CriteriaFile; path != "" {
		cf, err := knowledge.LoadCriteriaFile(path)
		if err != nil {
			return nil, fmt.Errorf("review criteria: %w", err)
		}
		sources = append(sources, cf)
	}
	if url := cfg.Knowledge.Endpoint; url != "" {
		sources = append(sources, knowledge.NewEndpoint(url, &http.Client{Timeout: cfg.Knowledge.Timeout}))
	}
	return knowledge.New(cfg.Knowledge.Timeout, sources...), nil
}

// retryConfigs derives the diff and LLM retry policies from [retry].
// Attempt counts include the first call.
func retryConfigs(cfg *config.Config) (diffRetry, llmRetry retry.RetryConfig) {
	diffRetry = retry.DiffFetchRetryConfig()
	llmRetry = retry.LLMRetryConfig()
	if n := cfg.Retry.DiffAttempts; n > 0 {
		diffRetry.MaxRetries = n - 1
	}
	if n := cfg.Retry.LLMAttempts; n > 0 {
		llmRetry.MaxRetries = n - 1
	}
	if d := cfg.Retry.BaseDelay; d > 0 {
		diffRetry.BaseDelay = d
		llmRetry.BaseDelay = d
	}
	if d := cfg.Retry.MaxDelay; d > 0 {
		diffRetry.MaxDelay = d
		llmRetry.MaxDelay = d
	}
	return diffRetry, llmRetry
}

func buildComponents(ctx context.Context, cfg *config.Config, logger zerolog.Logger, dryRun bool) (*components, error) {
	registry, verifiers, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}

	connector, err := buildConnector(ctx, cfg)
	if err != nil {
		return nil, err
	}

	augmenter, err := buildKnowledge(cfg)
	if err != nil {
		return nil, err
	}

	diffRetry, llmRetry := retryConfigs(cfg)
	client := llm.NewResilientClient(connector, llmRetry, cfg.LLM.Timeout)
	agent, err := review.NewAgent(cfg.Review.Agent, client, review.Options{
		MaxPromptTokens: cfg.Review.MaxPromptTokens,
		Concurrency:     cfg.Review.Concurrency,
	})
	if err != nil {
		return nil, err
	}

	orchestrator, err := pipeline.New(pipeline.Config{
		Assembler: diff.NewAssembler(diff.Config{
			MaxFiles:      cfg.Diff.MaxFiles,
			MaxPatchBytes: cfg.Diff.MaxPatchBytes,
			MaxPages:      cfg.Diff.MaxPages,
			PageTimeout:   cfg.Diff.PageTimeout,
			Retry:         diffRetry,
		}),
		Augmenter: augmenter,
		Agent:     agent,
		Formatter: comment.NewFormatter(cfg.Comment.MaxBodyChars, cfg.Comment.BotName),
		Poster:    comment.NewPoster(retry.PostRetryConfig()),
		Logger:    logger,
		RunLogDir: cfg.Log.RunDir,
		DryRun:    dryRun,
	})
	if err != nil {
		return nil, err
	}

	return &components{
		registry:     registry,
		verifiers:    verifiers,
		connector:    connector,
		orchestrator: orchestrator,
	}, nil
}
