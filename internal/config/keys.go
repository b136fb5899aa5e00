package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
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
		key: "server.port", typ: kInt, env: "LOOKCAST_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "LOOKCAST_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "LOOKCAST_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "server.public_base_url", typ: kString, env: "LOOKCAST_PUBLIC_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.PublicBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.PublicBaseURL },
	},
	{
		key: "storage.data_dir", typ: kString, env: "LOOKCAST_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.asset_dir", typ: kString, env: "LOOKCAST_STORAGE_ASSET_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.AssetDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.AssetDir },
	},
	{
		key: "catalog.limit_per_category", typ: kInt, env: "LOOKCAST_CATALOG_LIMIT_PER_CATEGORY",
		apply:   func(cfg *Config, v any) { cfg.Catalog.LimitPerCategory = v.(int) },
		extract: func(cfg Config) any { return cfg.Catalog.LimitPerCategory },
	},
	{
		key: "catalog.fetch_timeout", typ: kString, env: "LOOKCAST_CATALOG_FETCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Catalog.FetchTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Catalog.FetchTimeout },
	},
	{
		key: "matching.min_similarity", typ: kFloat, env: "LOOKCAST_MATCHING_MIN_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Matching.MinSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Matching.MinSimilarity },
	},
	{
		key: "pipeline.max_attempts", typ: kInt, env: "LOOKCAST_PIPELINE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxAttempts },
	},
	{
		key: "pipeline.render_timeout", typ: kString, env: "LOOKCAST_PIPELINE_RENDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.RenderTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.RenderTimeout },
	},
	{
		key: "pipeline.publish_required", typ: kBool, env: "LOOKCAST_PIPELINE_PUBLISH_REQUIRED",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PublishRequired = v.(bool) },
		extract: func(cfg Config) any { return cfg.Pipeline.PublishRequired },
	},
	{
		key: "log.level", typ: kString, env: "LOOKCAST_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "LOOKCAST_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
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
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
