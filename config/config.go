package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// Environment variables consulted for the GitHub API token, in order.
const (
	EnvGithubToken         = "GHMIRROR_GITHUB_TOKEN"
	EnvGithubTokenFallback = "GITHUB_TOKEN"
)

// GitHub holds the GitHub API settings.
type GitHub struct {
	Token string `mapstructure:"token"`
}

// CouchDB holds the document store connection settings.
type CouchDB struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Sync holds the synchronization settings.
type Sync struct {
	// Repositories to sync, in "owner/name" format.
	Repositories []string `mapstructure:"repositories"`
}

// Config represents the application configuration.
type Config struct {
	GitHub  GitHub  `mapstructure:"github"`
	CouchDB CouchDB `mapstructure:"couchdb"`
	Sync    Sync    `mapstructure:"sync"`
}

// Load reads the TOML configuration. An empty path searches for
// config.toml in the working directory. The GitHub token may always be
// supplied through the environment instead of the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetDefault("couchdb.url", "http://localhost:5984")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if token := os.Getenv(EnvGithubToken); token != "" {
		cfg.GitHub.Token = token
	} else if token := os.Getenv(EnvGithubTokenFallback); token != "" && cfg.GitHub.Token == "" {
		cfg.GitHub.Token = token
	}

	return &cfg, nil
}

// WriteDefault creates a commented starter configuration if none exists.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil // don't overwrite
	}

	const template = `[github]
# Personal access token; may also come from GHMIRROR_GITHUB_TOKEN or
# GITHUB_TOKEN in the environment.
token = ""

[couchdb]
url = "http://localhost:5984"
username = ""
password = ""

[sync]
repositories = ["example/repo"]
`
	if err := os.WriteFile(path, []byte(template), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
