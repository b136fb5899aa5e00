package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Catalog  CatalogConfig
	Matching MatchingConfig
	Pipeline PipelineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port          int
	MCPPort       int
	APIToken      string // empty disables bearer auth
	PublicBaseURL string
}

type StorageConfig struct {
	DataDir  string
	AssetDir string
}

type CatalogConfig struct {
	LimitPerCategory int
	FetchTimeout     string // Go duration string
}

type MatchingConfig struct {
	MinSimilarity float64
}

type PipelineConfig struct {
	MaxAttempts     int // retry chain cap; 0 = unbounded
	RenderTimeout   string
	PublishRequired bool
}

type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:          4500,
			MCPPort:       4501,
			PublicBaseURL: "http://localhost:4500",
		},
		Storage: StorageConfig{
			DataDir:  dataDir,
			AssetDir: filepath.Join(dataDir, "assets"),
		},
		Catalog: CatalogConfig{
			LimitPerCategory: 300,
			FetchTimeout:     "10s",
		},
		Matching: MatchingConfig{
			MinSimilarity: 0.35,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:   5,
			RenderTimeout: "30s",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/lookcast/config.json, then applies LOOKCAST_*
// environment variable overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "lookcast-data"
		}
	}
	return filepath.Join(dir, "lookcast")
}
