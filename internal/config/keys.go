package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CHATCORE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "CHATCORE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "CHATCORE_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.embed_dimensions", typ: kInt, env: "CHATCORE_OLLAMA_EMBED_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedDimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedDimensions },
	},
	{
		key: "ollama.embed_rate_limit", typ: kFloat, env: "CHATCORE_OLLAMA_EMBED_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedRateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedRateLimit },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CHATCORE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "proxy.openrouter_api_key", typ: kString, env: "CHATCORE_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Proxy.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.OpenRouterAPIKey },
	},
	{
		key: "proxy.default_model", typ: kString, env: "CHATCORE_PROXY_DEFAULT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.DefaultModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.DefaultModel },
	},
	{
		key: "proxy.base_url", typ: kString, env: "CHATCORE_PROXY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Proxy.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Proxy.BaseURL },
	},
	{
		key: "log.level", typ: kString, env: "CHATCORE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "index.cache_capacity", typ: kInt, env: "CHATCORE_INDEX_CACHE_CAPACITY",
		apply:   func(cfg *Config, v any) { cfg.Index.CacheCapacity = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.CacheCapacity },
	},
	{
		key: "index.search_limit", typ: kInt, env: "CHATCORE_INDEX_SEARCH_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Index.SearchLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Index.SearchLimit },
	},
	{
		key: "index.similar_threshold", typ: kFloat, env: "CHATCORE_INDEX_SIMILAR_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Index.SimilarThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Index.SimilarThreshold },
	},
	{
		key: "queue.max_retries", typ: kInt, env: "CHATCORE_QUEUE_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Queue.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Queue.MaxRetries },
	},
	{
		key: "queue.sync_interval", typ: kDuration, env: "CHATCORE_QUEUE_SYNC_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.SyncInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.SyncInterval },
	},
	{
		key: "queue.delivery_timeout", typ: kDuration, env: "CHATCORE_QUEUE_DELIVERY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Queue.DeliveryTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.DeliveryTimeout },
	},
	{
		key: "queue.probe_interval", typ: kDuration, env: "CHATCORE_QUEUE_PROBE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Queue.ProbeInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Queue.ProbeInterval },
	},
}

// parse converts a raw string into the key's value type.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if pv, err := s.parse(v); err == nil {
					s.apply(cfg, pv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
