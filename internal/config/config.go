package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are separated
// by a double underscore: REVIEWBOT_PROVIDERS__GITHUB__TOKEN sets
// providers.github.token.
const EnvPrefix = "REVIEWBOT_"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	Providers ProvidersConfig `koanf:"providers"`
	LLM       LLMConfig       `koanf:"llm"`
	Review    ReviewConfig    `koanf:"review"`
	Diff      DiffConfig      `koanf:"diff"`
	Comment   CommentConfig   `koanf:"comment"`
	Knowledge KnowledgeConfig `koanf:"knowledge"`
	Retry     RetryConfig     `koanf:"retry"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type ServerConfig struct {
	Port         int           `koanf:"port"`
	RunTimeout   time.Duration `koanf:"run_timeout"`
	MaxBodyBytes int64         `koanf:"max_body_bytes"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	// RunDir, when set, receives one log file per pipeline run.
	RunDir string `koanf:"run_dir"`
}

type ProvidersConfig struct {
	GitHub GitHubConfig `koanf:"github"`
	GitLab GitLabConfig `koanf:"gitlab"`
}

type GitHubConfig struct {
	Enabled       bool          `koanf:"enabled"`
	BaseURL       string        `koanf:"base_url"`
	Token         string        `koanf:"token"`
	WebhookSecret string        `koanf:"webhook_secret"`
	Timeout       time.Duration `koanf:"timeout"`
	// GitHub App credentials; used instead of Token when AppID is set.
	AppID          int64  `koanf:"app_id"`
	InstallationID int64  `koanf:"installation_id"`
	PrivateKeyPath string `koanf:"private_key_path"`
}

type GitLabConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"base_url"`
	Token   string `koanf:"token"`
	// AuthScheme is "private_token" (default) or "oauth".
	AuthScheme   string        `koanf:"auth_scheme"`
	WebhookToken string        `koanf:"webhook_token"`
	Timeout      time.Duration `koanf:"timeout"`
}

type LLMConfig struct {
	Provider    string        `koanf:"provider"`
	Model       string        `koanf:"model"`
	APIKey      string        `koanf:"api_key"`
	BaseURL     string        `koanf:"base_url"`
	Temperature float64       `koanf:"temperature"`
	MaxTokens   int           `koanf:"max_tokens"`
	Timeout     time.Duration `koanf:"timeout"`
}

type ReviewConfig struct {
	Agent           string `koanf:"agent"`
	MaxPromptTokens int    `koanf:"max_prompt_tokens"`
	Concurrency     int    `koanf:"concurrency"`
}

type DiffConfig struct {
	MaxFiles      int           `koanf:"max_files"`
	MaxPatchBytes int           `koanf:"max_patch_bytes"`
	MaxPages      int           `koanf:"max_pages"`
	PerPage       int           `koanf:"per_page"`
	PageTimeout   time.Duration `koanf:"page_timeout"`
}

// MinCommentBodyChars is the smallest accepted comment.max_body_chars; below
// it the header and idempotency marker alone would not fit.
const MinCommentBodyChars = 1000

type CommentConfig struct {
	// MaxBodyChars overrides the provider ceiling when positive.
	MaxBodyChars int    `koanf:"max_body_chars"`
	BotName      string `koanf:"bot_name"`
}

type KnowledgeConfig struct {
	CriteriaFile string        `koanf:"criteria_file"`
	Endpoint     string        `koanf:"endpoint"`
	Timeout      time.Duration `koanf:"timeout"`
}

type RetryConfig struct {
	DiffAttempts int           `koanf:"diff_attempts"`
	LLMAttempts  int           `koanf:"llm_attempts"`
	BaseDelay    time.Duration `koanf:"base_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
	Reserve           int           `koanf:"reserve"`
	MaxWait           time.Duration `koanf:"max_wait"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.port":                    8888,
		"server.run_timeout":             "5m",
		"server.max_body_bytes":          25 << 20,
		"log.level":                      "info",
		"log.format":                     "console",
		"providers.github.enabled":       true,
		"providers.github.base_url":      "",
		"providers.github.timeout":       "30s",
		"providers.gitlab.enabled":       true,
		"providers.gitlab.base_url":      "https://gitlab.com",
		"providers.gitlab.auth_scheme":   "private_token",
		"providers.gitlab.timeout":       "30s",
		"llm.provider":                   "openai",
		"llm.model":                      "gpt-4o-mini",
		"llm.temperature":                0.2,
		"llm.max_tokens":                 4096,
		"llm.timeout":                    "120s",
		"review.agent":                   "simple",
		"review.max_prompt_tokens":       12000,
		"review.concurrency":             4,
		"diff.max_files":                 300,
		"diff.max_patch_bytes":           512 * 1024,
		"diff.max_pages":                 100,
		"diff.per_page":                  100,
		"diff.page_timeout":              "30s",
		"comment.max_body_chars":         0,
		"comment.bot_name":               "reviewbot",
		"knowledge.timeout":              "10s",
		"retry.diff_attempts":            3,
		"retry.llm_attempts":             3,
		"retry.base_delay":               "1s",
		"retry.max_delay":                "30s",
		"rate_limit.requests_per_second": 5.0,
		"rate_limit.burst":               5,
		"rate_limit.reserve":             10,
		"rate_limit.max_wait":            "60s",
	}
}

// LoadConfig loads the configuration: built-in defaults, then the TOML file,
// then REVIEWBOT_ environment variables.
func LoadConfig(configPath string) (*Config, error) {
	var k = koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
	} else {
		defaultPaths := []string{"./reviewbot.toml", "$HOME/.reviewbot.toml"}
		for _, path := range defaultPaths {
			path = os.ExpandEnv(path)
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), toml.Parser()); err == nil {
					break
				}
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	return &config, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// InitConfig initializes a new configuration file
func InitConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("configuration file already exists at %s", configPath)
	}

	sampleConfig := `# reviewbot configuration

[server]
port = 8888
run_timeout = "5m"

[log]
level = "info"
format = "console"
# run_dir = "run_logs"

[providers.github]
enabled = true
token = "your-github-token"
webhook_secret = "your-webhook-secret"
# base_url = "https://github.example.com/api/v3/"
# app_id = 12345
# installation_id = 67890
# private_key_path = "app.pem"

[providers.gitlab]
enabled = true
base_url = "https://gitlab.com"
token = "your-gitlab-token"
auth_scheme = "private_token"
webhook_token = "your-webhook-token"

[llm]
provider = "openai"
model = "gpt-4o-mini"
api_key = "your-api-key"
temperature = 0.2

[review]
agent = "simple"
max_prompt_tokens = 12000
concurrency = 4

[diff]
max_files = 300
max_patch_bytes = 524288

[knowledge]
# criteria_file = "review-criteria.yaml"
# endpoint = "https://knowledge.internal/lookup"
`

	return os.WriteFile(configPath, []byte(sampleConfig), 0644)
}

// Validate validates the configuration
func Validate(config *Config) error {
	gh, gl := config.Providers.GitHub, config.Providers.GitLab
	if !gh.Enabled && !gl.Enabled {
		return fmt.Errorf("at least one provider must be enabled")
	}

	if gh.Enabled {
		if gh.AppID != 0 {
			if gh.InstallationID == 0 || gh.PrivateKeyPath == "" {
				return fmt.Errorf("github app auth requires installation_id and private_key_path")
			}
		} else if gh.Token == "" {
			return fmt.Errorf("github token is required")
		}
	}

	if gl.Enabled {
		if gl.BaseURL == "" {
			return fmt.Errorf("gitlab base_url is required")
		}
		if gl.Token == "" {
			return fmt.Errorf("gitlab token is required")
		}
		switch gl.AuthScheme {
		case "", "private_token", "oauth":
		default:
			return fmt.Errorf("unknown gitlab auth_scheme %q", gl.AuthScheme)
		}
	}

	switch config.LLM.Provider {
	case "":
		return fmt.Errorf("llm provider is required")
	case "ollama":
	default:
		if config.LLM.APIKey == "" {
			return fmt.Errorf("%s api_key is required", config.LLM.Provider)
		}
	}

	switch config.Review.Agent {
	case "simple", "advanced", "chain":
	default:
		return fmt.Errorf("unknown review agent %q", config.Review.Agent)
	}

	if config.Diff.MaxFiles <= 0 || config.Diff.MaxPatchBytes <= 0 {
		return fmt.Errorf("diff ceilings must be positive")
	}

	if n := config.Comment.MaxBodyChars; n < 0 || (n > 0 && n < MinCommentBodyChars) {
		return fmt.Errorf("comment max_body_chars must be 0 or at least %d", MinCommentBodyChars)
	}

	// A single rate-limit wait must leave the run time to do its work.
	if rt := config.Server.RunTimeout; rt > 0 && config.RateLimit.MaxWait >= rt {
		return fmt.Errorf("rate_limit max_wait (%s) must be shorter than server run_timeout (%s)", config.RateLimit.MaxWait, rt)
	}

	return nil
}
