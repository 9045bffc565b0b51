package quotagate

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Payload kinds accepted by a route.
const (
	PayloadPrompt   = "prompt"
	PayloadMessages = "messages"
)

// Adapter kinds.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindGemini    = "gemini"
)

// Store backends.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// ContentUsagePrompt is the default system prompt of the content usage route.
const ContentUsagePrompt = `You check if a piece of text has references, ideas, very specific words/meanings from other pieces of text. Your output MUST be formatted as {"references": ["boolean1", "boolean2", "boolean3", ...]} where each boolean is true if the text we verify has a reference or meaning/words taken from one of the other texts mentioned by the user. The user will provide the input data in this format: {"text_to_verify": "text", "texts_to_verify_against": ["text1", "text2", "text3", ...]}. An example of an output: {"references": [true, false, true]}. Another example of a valid output: {"references": [false, false]}.`

// Config is the top-level service configuration.
type Config struct {
	ListenAddr       string           `yaml:"listen_addr"`
	Environment      string           `yaml:"environment"`
	APITokens        []string         `yaml:"api_tokens"`
	Policy           string           `yaml:"policy"`
	SelectionTimeout time.Duration    `yaml:"selection_timeout"`
	ShutdownTimeout  time.Duration    `yaml:"shutdown_timeout"`
	Store            StoreConfig      `yaml:"store"`
	ClientRateLimit  RateLimitConfig  `yaml:"client_rate_limit"`
	Metrics          MetricsConfig    `yaml:"metrics"`
	Routes           []RouteConfig    `yaml:"routes"`
	Providers        []ProviderConfig `yaml:"providers"`
}

// StoreConfig selects and configures the capacity store backend.
type StoreConfig struct {
	Backend  string         `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

// RateLimitConfig limits inbound requests per client address. Zero
// RequestsPerMinute disables the limiter.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RouteConfig configures one generation route.
type RouteConfig struct {
	Path                string        `yaml:"path"`
	Payload             string        `yaml:"payload"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxTokens           int           `yaml:"max_tokens"`
	SystemPrompt        string        `yaml:"system_prompt"`
	RequireSystemPrompt bool          `yaml:"require_system_prompt"`
	Params              Sampling      `yaml:"params"`
	Providers           []string      `yaml:"providers"`
}

// Name returns the route path without its leading slash, for logs and
// metric labels.
func (r RouteConfig) Name() string {
	return strings.TrimPrefix(r.Path, "/")
}

// ProviderConfig describes one upstream vendor.
type ProviderConfig struct {
	Name        string   `yaml:"name"`
	Kind        string   `yaml:"kind"`
	BaseURL     string   `yaml:"base_url"`
	Model       string   `yaml:"model"`
	ProfilesEnv string   `yaml:"profiles_env"`
	Params      Sampling `yaml:"params"`
}

// Sampling holds optional generation parameters. Unset fields are omitted
// from upstream requests.
type Sampling struct {
	Temperature      *float64 `yaml:"temperature"`
	TopP             *float64 `yaml:"top_p"`
	PresencePenalty  *float64 `yaml:"presence_penalty"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty"`
	Stop             []string `yaml:"stop"`
}

// Merge returns s with every field set in o overriding it.
func (s Sampling) Merge(o Sampling) Sampling {
	if o.Temperature != nil {
		s.Temperature = o.Temperature
	}
	if o.TopP != nil {
		s.TopP = o.TopP
	}
	if o.PresencePenalty != nil {
		s.PresencePenalty = o.PresencePenalty
	}
	if o.FrequencyPenalty != nil {
		s.FrequencyPenalty = o.FrequencyPenalty
	}
	if o.Stop != nil {
		s.Stop = o.Stop
	}
	return s
}

// Provider looks a provider up by name.
func (c Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Development reports whether error details may be exposed to clients.
func (c Config) Development() bool {
	return c.Environment == "development"
}

// LoadConfig reads and parses a YAML config file on top of DefaultConfig.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("quotagate: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("quotagate: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("quotagate: config: listen_addr is required")
	}
	tokens := 0
	for _, t := range c.APITokens {
		if t != "" {
			tokens++
		}
	}
	if tokens == 0 {
		return fmt.Errorf("quotagate: config: at least one api token is required")
	}
	switch c.Policy {
	case "", PolicyLeastUtilization, PolicyFirstAvailable:
	default:
		return fmt.Errorf("quotagate: config: unknown policy %q", c.Policy)
	}
	switch c.Store.Backend {
	case StoreRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("quotagate: config: store.redis.addr is required")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("quotagate: config: store.postgres.dsn is required")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("quotagate: config: unknown store backend %q", c.Store.Backend)
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("quotagate: config: providers[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("quotagate: config: duplicate provider %q", p.Name)
		}
		names[p.Name] = true

		switch p.Kind {
		case KindOpenAI, KindAnthropic, KindGemini:
		default:
			return fmt.Errorf("quotagate: config: providers[%d] (%s): unknown kind %q", i, p.Name, p.Kind)
		}
		if p.Model == "" {
			return fmt.Errorf("quotagate: config: providers[%d] (%s): model is required", i, p.Name)
		}
		if p.ProfilesEnv == "" {
			return fmt.Errorf("quotagate: config: providers[%d] (%s): profiles_env is required", i, p.Name)
		}
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("quotagate: config: at least one route is required")
	}
	paths := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if !strings.HasPrefix(r.Path, "/") || r.Path == "/" {
			return fmt.Errorf("quotagate: config: routes[%d]: invalid path %q", i, r.Path)
		}
		if r.Path == "/health" || (c.Metrics.Enabled && r.Path == c.Metrics.Path) {
			return fmt.Errorf("quotagate: config: routes[%d]: path %q is reserved", i, r.Path)
		}
		if paths[r.Path] {
			return fmt.Errorf("quotagate: config: duplicate route %q", r.Path)
		}
		paths[r.Path] = true

		if r.Payload != PayloadPrompt && r.Payload != PayloadMessages {
			return fmt.Errorf("quotagate: config: routes[%d] (%s): unknown payload %q", i, r.Path, r.Payload)
		}
		if r.MaxTokens <= 0 {
			return fmt.Errorf("quotagate: config: routes[%d] (%s): max_tokens must be positive", i, r.Path)
		}
		if len(r.Providers) == 0 {
			return fmt.Errorf("quotagate: config: routes[%d] (%s): at least one provider is required", i, r.Path)
		}
		for _, name := range r.Providers {
			if !names[name] {
				return fmt.Errorf("quotagate: config: routes[%d] (%s): unknown provider %q", i, r.Path, name)
			}
		}
	}

	return nil
}

// DefaultConfig returns the built-in deployment: the content usage route
// backed by OpenAI and Anthropic, and the roleplay route backed by
// OpenAI-compatible Llama hosts. API tokens and Redis settings come from the
// environment.
func DefaultConfig() Config {
	temp := 0.7
	topP := 1.0
	penalty := 0.5

	return Config{
		ListenAddr:       ":" + envOr("PORT", "3000"),
		Environment:      envOr("ENVIRONMENT", "production"),
		APITokens:        []string{os.Getenv("API_TOKEN")},
		Policy:           PolicyLeastUtilization,
		SelectionTimeout: 5 * time.Second,
		ShutdownTimeout:  10 * time.Second,
		Store: StoreConfig{
			Backend: StoreRedis,
			Redis: RedisConfig{
				Addr:      envOr("REDIS_ADDR", "localhost:6379"),
				Password:  os.Getenv("REDIS_PASSWORD"),
				KeyPrefix: "quotagate:",
			},
			Postgres: PostgresConfig{TablePrefix: "quotagate_"},
		},
		ClientRateLimit: RateLimitConfig{RequestsPerMinute: 30, Burst: 30},
		Metrics:         MetricsConfig{Enabled: true, Path: "/metrics"},
		Routes: []RouteConfig{
			{
				Path:         "/verify-content-usage",
				Payload:      PayloadPrompt,
				Timeout:      10 * time.Second,
				MaxTokens:    40,
				SystemPrompt: ContentUsagePrompt,
				Providers:    []string{"openai", "anthropic"},
			},
			{
				Path:                "/roleplay",
				Payload:             PayloadMessages,
				Timeout:             60 * time.Second,
				MaxTokens:           200,
				RequireSystemPrompt: true,
				Params: Sampling{
					Temperature:      &temp,
					TopP:             &topP,
					PresencePenalty:  &penalty,
					FrequencyPenalty: &penalty,
					Stop:             []string{"<|eot_id|>", "Human:", "Assistant:"},
				},
				Providers: []string{
					"groq", "together", "fireworks", "hyperbolic", "deepinfra",
					"openrouter", "awanllm", "klusterai", "avianio", "lambdalabs",
					"novita", "inferencenet",
				},
			},
		},
		Providers: defaultProviders(),
	}
}

func defaultProviders() []ProviderConfig {
	zero := 0.0
	low := 0.1
	return []ProviderConfig{
		{Name: "openai", Kind: KindOpenAI, BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini", ProfilesEnv: "OPENAI_CONFIGS", Params: Sampling{Temperature: &low}},
		{Name: "anthropic", Kind: KindAnthropic, BaseURL: "https://api.anthropic.com/v1", Model: "claude-3-haiku-20240307", ProfilesEnv: "ANTHROPIC_CONFIGS", Params: Sampling{Temperature: &zero}},
		{Name: "groq", Kind: KindOpenAI, BaseURL: "https://api.groq.com/openai/v1", Model: "llama-3.3-70b-versatile", ProfilesEnv: "GROQ_CONFIGS"},
		{Name: "together", Kind: KindOpenAI, BaseURL: "https://api.together.xyz/v1", Model: "meta-llama/Llama-3.3-70B-Instruct-Turbo", ProfilesEnv: "TOGETHER_CONFIGS"},
		{Name: "fireworks", Kind: KindOpenAI, BaseURL: "https://api.fireworks.ai/inference/v1", Model: "accounts/fireworks/models/llama-v3p3-70b-instruct", ProfilesEnv: "FIREWORKS_CONFIGS"},
		{Name: "hyperbolic", Kind: KindOpenAI, BaseURL: "https://api.hyperbolic.xyz/v1", Model: "meta-llama/Meta-Llama-3.3-70B-Instruct", ProfilesEnv: "HYPERBOLIC_CONFIGS"},
		{Name: "deepinfra", Kind: KindOpenAI, BaseURL: "https://api.deepinfra.com/v1/openai", Model: "meta-llama/Llama-3.3-70B-Instruct", ProfilesEnv: "DEEPINFRA_CONFIGS"},
		{Name: "openrouter", Kind: KindOpenAI, BaseURL: "https://openrouter.ai/api/v1", Model: "meta-llama/llama-3.3-70b-instruct", ProfilesEnv: "OPENROUTER_CONFIGS"},
		{Name: "awanllm", Kind: KindOpenAI, BaseURL: "https://api.awanllm.com/v1", Model: "Meta-Llama-3.3-70B-Instruct", ProfilesEnv: "AWAN_CONFIGS"},
		{Name: "klusterai", Kind: KindOpenAI, BaseURL: "https://api.kluster.ai/v1", Model: "klusterai/Meta-Llama-3.3-70B-Instruct-Turbo", ProfilesEnv: "KLUSTER_AI_CONFIGS"},
		{Name: "avianio", Kind: KindOpenAI, BaseURL: "https://api.avian.io/v1", Model: "meta-llama/Meta-Llama-3.3-70B-Instruct", ProfilesEnv: "AVIAN_IO_CONFIGS"},
		{Name: "lambdalabs", Kind: KindOpenAI, BaseURL: "https://api.lambdalabs.com/v1", Model: "meta-llama/Meta-Llama-3.3-70B-Instruct", ProfilesEnv: "LAMBDA_LABS_CONFIGS"},
		{Name: "novita", Kind: KindOpenAI, BaseURL: "https://api.novita.ai/v3/openai", Model: "meta-llama/llama-3.3-70b-instruct", ProfilesEnv: "NOVITA_AI_CONFIGS"},
		{Name: "inferencenet", Kind: KindOpenAI, BaseURL: "https://api.inference.net/v1", Model: "meta-llama/llama-3.3-70b-instruct/fp-16", ProfilesEnv: "INFERENCE_NET_CONFIGS"},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
