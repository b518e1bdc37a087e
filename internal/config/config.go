// Package config loads the sync daemon configuration from a YAML file,
// dotenv, and environment variables.
package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	BaseURL         string `yaml:"base_url"`
	Token           string `yaml:"token"`
	UserID          string `yaml:"user_id"`
	StateDSN        string `yaml:"state_dsn"`
	RefreshInterval string `yaml:"refresh_interval"`
	LogPrefix       string `yaml:"log_prefix"`
}

// Load builds the configuration with precedence:
// 1. Environment variables
// 2. ./.env.local (dotenv) - walks up parent directories to find it
// 3. ~/.config/familylists/config.yaml (YAML)
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL: "http://127.0.0.1:8000",
		UserID:  "default",
	}

	if envPath := findEnvLocal(); envPath != "" {
		_ = godotenv.Load(envPath)
	}

	// The YAML file is optional.
	_ = loadYAMLConfig(cfg)

	if baseURL := os.Getenv("FAMILYLISTS_BASE_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if token := getEnvOrFile("FAMILYLISTS_TOKEN", "FAMILYLISTS_TOKEN_FILE"); token != "" {
		cfg.Token = token
	}
	if userID := os.Getenv("FAMILYLISTS_USER_ID"); userID != "" {
		cfg.UserID = userID
	}
	if stateDSN := os.Getenv("FAMILYLISTS_STATE_DSN"); stateDSN != "" {
		cfg.StateDSN = stateDSN
	}
	if interval := os.Getenv("FAMILYLISTS_REFRESH_INTERVAL"); interval != "" {
		cfg.RefreshInterval = interval
	}

	if cfg.StateDSN == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			cfg.StateDSN = filepath.Join(homeDir, ".local", "share", "familylists", "state.json")
		}
	}
	return cfg, nil
}

func loadYAMLConfig(cfg *Config) error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	configPath := filepath.Join(homeDir, ".config", "familylists", "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// getEnvOrFile gets an environment variable value, or reads it from a file
// if the _FILE variant is set.
func getEnvOrFile(envVar, fileVar string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	if filePath := os.Getenv(fileVar); filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			return string(data)
		}
	}
	return ""
}

// findEnvLocal searches for .env.local starting from cwd and walking up
// parent directories, stopping at the user's home directory.
func findEnvLocal() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		if _, err := os.Stat(".env.local"); err == nil {
			return ".env.local"
		}
		return ""
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	homeDir = filepath.Clean(homeDir)
	dir := filepath.Clean(cwd)
	for {
		envPath := filepath.Join(dir, ".env.local")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		if dir == homeDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}
