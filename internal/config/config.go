package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"dracanus/internal/domain"
)

// Backend kinds understood by the completion package.
const (
	KindOllama    = "ollama"
	KindPlusCoder = "plus-coder"
	KindOpenAI    = "openai"
)

// Scheduling modes for decomposed jobs.
const (
	ScheduleDependencies = "dependencies"
	SchedulePriority     = "priority"
)

// Config models dracanus.yml.
type Config struct {
	Environment string     `yaml:"environment"`
	Completion  Completion `yaml:"completion"`
	Backends    []Backend  `yaml:"backends"`
	Routing     struct {
		Scheduling string        `yaml:"scheduling"`
		Keywords   []KeywordRule `yaml:"keywords"`
	} `yaml:"routing"`
	Audit struct {
		HistoryLimit int `yaml:"history_limit"`
		MetricsDays  int `yaml:"metrics_days"`
	} `yaml:"audit"`
	Learning struct {
		WindowDays    int `yaml:"window_days"`
		SampleLimit   int `yaml:"sample_limit"`
		MinExecutions int `yaml:"min_executions"`
	} `yaml:"learning"`
	Notifications struct {
		NATSURL              string `yaml:"nats_url"`
		SubjectPrefix        string `yaml:"subject_prefix"`
		Link                 string `yaml:"link"`
		RelayIntervalSeconds int    `yaml:"relay_interval_seconds"`
	} `yaml:"notifications"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type Completion struct {
	FallbackOrder        []string `yaml:"fallback_order"`
	DecompositionBackend string   `yaml:"decomposition_backend"`
	Temperature          float64  `yaml:"temperature"`
	MaxTokens            int      `yaml:"max_tokens"`
	TimeoutSeconds       int      `yaml:"timeout_seconds"`
}

// Timeout is the per-request transport timeout for backends.
func (c Completion) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type Backend struct {
	Name              string  `yaml:"name"`
	Kind              string  `yaml:"kind"`
	URL               string  `yaml:"url"`
	Model             string  `yaml:"model"`
	APIKeyEnv         string  `yaml:"api_key_env,omitempty"`
	PricePer1KTokens  float64 `yaml:"price_per_1k_tokens"`
	RequestsPerMinute int     `yaml:"requests_per_minute,omitempty"`
}

// APIKey reads the backend credential from the environment.
func (b Backend) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

type KeywordRule struct {
	Category string   `yaml:"category"`
	Terms    []string `yaml:"terms"`
}

// Backend returns the backend declared under name.
func (c *Config) Backend(name string) (Backend, bool) {
	for _, b := range c.Backends {
		if b.Name == name {
			return b, true
		}
	}
	return Backend{}, false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Environment != domain.EnvSandbox && c.Environment != domain.EnvProduction {
		return fmt.Errorf("config.environment must be 'sandbox' or 'production'")
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("config.backends is required")
	}
	seen := map[string]bool{}
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("config.backends[%d].name is required", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("backend %s declared twice", b.Name)
		}
		seen[b.Name] = true
		switch b.Kind {
		case KindOllama, KindPlusCoder, KindOpenAI:
		default:
			return fmt.Errorf("backend %s has unknown kind %q", b.Name, b.Kind)
		}
		if b.URL == "" {
			return fmt.Errorf("backend %s url is required", b.Name)
		}
		if b.PricePer1KTokens < 0 {
			return fmt.Errorf("backend %s price must not be negative", b.Name)
		}
		if b.RequestsPerMinute < 0 {
			return fmt.Errorf("backend %s requests_per_minute must not be negative", b.Name)
		}
	}
	if len(c.Completion.FallbackOrder) == 0 {
		return fmt.Errorf("config.completion.fallback_order is required")
	}
	for _, name := range c.Completion.FallbackOrder {
		if !seen[name] {
			return fmt.Errorf("fallback_order references unknown backend %s", name)
		}
	}
	if !seen[c.Completion.DecompositionBackend] {
		return fmt.Errorf("decomposition_backend references unknown backend %q", c.Completion.DecompositionBackend)
	}
	if c.Completion.MaxTokens <= 0 {
		return fmt.Errorf("config.completion.max_tokens must be positive")
	}
	if c.Completion.Temperature < 0 || c.Completion.Temperature > 2 {
		return fmt.Errorf("config.completion.temperature must be within [0,2]")
	}
	if c.Completion.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.completion.timeout_seconds must be positive")
	}
	switch c.Routing.Scheduling {
	case ScheduleDependencies, SchedulePriority:
	default:
		return fmt.Errorf("config.routing.scheduling must be '%s' or '%s'", ScheduleDependencies, SchedulePriority)
	}
	for i, rule := range c.Routing.Keywords {
		if !domain.IsCategory(rule.Category) {
			return fmt.Errorf("config.routing.keywords[%d] has unknown category %q", i, rule.Category)
		}
		if len(rule.Terms) == 0 {
			return fmt.Errorf("keyword rule for %s has no terms", rule.Category)
		}
		for _, t := range rule.Terms {
			if t == "" {
				return fmt.Errorf("keyword rule for %s has an empty term", rule.Category)
			}
		}
	}
	if c.Audit.HistoryLimit <= 0 || c.Audit.MetricsDays <= 0 {
		return fmt.Errorf("config.audit limits must be positive")
	}
	if c.Learning.WindowDays <= 0 || c.Learning.SampleLimit <= 0 || c.Learning.MinExecutions <= 0 {
		return fmt.Errorf("config.learning limits must be positive")
	}
	if c.Notifications.SubjectPrefix == "" {
		return fmt.Errorf("config.notifications.subject_prefix is required")
	}
	if c.Notifications.RelayIntervalSeconds <= 0 {
		return fmt.Errorf("config.notifications.relay_interval_seconds must be positive")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be 'json' or 'console'")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dracanus.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with dcn config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates the result.
// Sections omitted from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `environment: production

completion:
  fallback_order: [ollama, plus-coder, openai]
  decomposition_backend: ollama
  temperature: 0.7
  max_tokens: 2000
  timeout_seconds: 120

backends:
  - name: ollama
    kind: ollama
    url: http://localhost:11434
    model: llama3.2
    price_per_1k_tokens: 0
  - name: plus-coder
    kind: plus-coder
    url: http://localhost:8000
    model: plus-coder-1
    api_key_env: PLUS_CODER_API_KEY
    price_per_1k_tokens: 0
  - name: openai
    kind: openai
    url: https://api.openai.com
    model: gpt-4o-mini
    api_key_env: OPENAI_API_KEY
    price_per_1k_tokens: 0.002
    requests_per_minute: 60

routing:
  scheduling: dependencies
  keywords:
    - category: EMAIL
      terms: [email, send]
    - category: RESEARCH
      terms: [research, find]
    - category: DOCUMENT
      terms: [document, write, create]

audit:
  history_limit: 100
  metrics_days: 7

learning:
  window_days: 7
  sample_limit: 100
  min_executions: 5

notifications:
  nats_url: ""
  subject_prefix: dracanus
  link: /dashboard/policies/blocked
  relay_interval_seconds: 2

log:
  level: info
  format: json
`
