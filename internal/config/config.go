package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Proxy   ProxyConfig
	Log     LogConfig
	Index   IndexConfig
	Queue   QueueConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL         string
	EmbedModel      string
	EmbedDimensions int
	// EmbedRateLimit caps embedding calls per second; 0 disables the limit.
	EmbedRateLimit float64
}

type StorageConfig struct {
	DataDir string
}

type ProxyConfig struct {
	OpenRouterAPIKey string
	DefaultModel     string
	BaseURL          string
}

type LogConfig struct {
	Level string
}

type IndexConfig struct {
	CacheCapacity    int
	SearchLimit      int
	SimilarThreshold float64
}

type QueueConfig struct {
	MaxRetries      int
	SyncInterval    time.Duration
	DeliveryTimeout time.Duration
	ProbeInterval   time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Ollama: OllamaConfig{
			BaseURL:         "http://localhost:11434",
			EmbedModel:      "nomic-embed-text",
			EmbedDimensions: 256,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Proxy: ProxyConfig{
			DefaultModel: "anthropic/claude-opus-4",
			BaseURL:      "https://openrouter.ai/api/v1",
		},
		Log: LogConfig{
			Level: "info",
		},
		Index: IndexConfig{
			CacheCapacity:    1000,
			SearchLimit:      10,
			SimilarThreshold: 0.7,
		},
		Queue: QueueConfig{
			MaxRetries:      3,
			SyncInterval:    30 * time.Second,
			DeliveryTimeout: 30 * time.Second,
			ProbeInterval:   10 * time.Second,
		},
	}
}

// Load reads configuration from the YAML config file, environment variables,
// and the platform secret store.
//
// The file lives at $XDG_CONFIG_HOME/chatcore/config.yaml. Environment
// variables (CHATCORE_*) override file values. The OpenRouter API key is
// never read from the file; it comes from the environment or, failing that,
// the platform secret store.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Proxy.OpenRouterAPIKey == "" {
		if key, err := kc.Get("chatcore", "openrouter_api_key"); err == nil && key != "" {
			cfg.Proxy.OpenRouterAPIKey = key
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that numeric settings are in range.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Ollama.EmbedDimensions < 0 {
		return fmt.Errorf("ollama.embed_dimensions must be non-negative")
	}
	if c.Ollama.EmbedRateLimit < 0 {
		return fmt.Errorf("ollama.embed_rate_limit must be non-negative")
	}
	if c.Index.CacheCapacity <= 0 {
		return fmt.Errorf("index.cache_capacity must be positive")
	}
	if c.Index.SearchLimit <= 0 {
		return fmt.Errorf("index.search_limit must be positive")
	}
	if c.Index.SimilarThreshold < -1 || c.Index.SimilarThreshold > 1 {
		return fmt.Errorf("index.similar_threshold must be within [-1, 1]")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("queue.max_retries must be positive")
	}
	for key, d := range map[string]time.Duration{
		"queue.sync_interval":    c.Queue.SyncInterval,
		"queue.delivery_timeout": c.Queue.DeliveryTimeout,
		"queue.probe_interval":   c.Queue.ProbeInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// RequireAPIKey reports a missing OpenRouter API key. Only commands that
// deliver messages need one.
func (c Config) RequireAPIKey() error {
	if c.Proxy.OpenRouterAPIKey != "" {
		return nil
	}
	return fmt.Errorf("%s", "missing required config: OpenRouter API key. "+
		"Set it via environment variable CHATCORE_OPENROUTER_API_KEY"+apiKeyHint())
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
