package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variables that override secrets from the config file.
const (
	EnvWebhookSecret = "VOLUNTEERD_WEBHOOK_SECRET"
	EnvAppJWT        = "VOLUNTEERD_GITHUB_APP_JWT"
	EnvSlackToken    = "VOLUNTEERD_SLACK_TOKEN"
)

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	// ListenAddr is the HTTP listen address for the webhook and command
	// endpoints.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the path to the SQLite database file.
	DatabasePath string `yaml:"database_path"`

	GitHub GitHub `yaml:"github"`
	Slack  Slack  `yaml:"slack"`

	// SearchIndexURL, when set, receives fire-and-forget index
	// notifications for reconciled workflows.
	SearchIndexURL string `yaml:"search_index_url"`

	// Projects maps monitored repository URLs to project metadata. Events
	// from repositories not listed here are dropped.
	Projects []Project `yaml:"projects"`
}

// GitHub holds the app credentials used for install-token exchange and
// webhook verification.
type GitHub struct {
	// AppJWT is the short-lived app-level JWT presented to the token
	// exchange. Minting it is an external concern.
	AppJWT        string `yaml:"app_jwt"`
	WebhookSecret string `yaml:"webhook_secret"`
}

// Slack holds the notification credentials.
type Slack struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// Project describes one monitored repository.
type Project struct {
	RepoURL string `yaml:"repo_url"`
	Name    string `yaml:"name"`
	// Maintainers are repository owners whose own items are not tracked.
	Maintainers []string `yaml:"maintainers"`
}

// IsMaintainer reports whether the given GitHub login is a maintainer of
// this project.
func (p Project) IsMaintainer(login string) bool {
	for _, m := range p.Maintainers {
		if m == login {
			return true
		}
	}
	return false
}

// ProjectIndex is the immutable repository-URL lookup injected into the
// reconciler.
type ProjectIndex struct {
	byURL map[string]Project
}

// NewProjectIndex builds a lookup table over the configured projects.
func NewProjectIndex(projects []Project) *ProjectIndex {
	byURL := make(map[string]Project, len(projects))
	for _, p := range projects {
		byURL[p.RepoURL] = p
	}
	return &ProjectIndex{byURL: byURL}
}

// Lookup resolves a repository URL to its project, reporting whether the
// repository is monitored at all.
func (i *ProjectIndex) Lookup(repoURL string) (Project, bool) {
	p, ok := i.byURL[repoURL]
	return p, ok
}

// Load reads the configuration from a YAML file, applies environment
// overrides for secrets and fills in defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv(EnvWebhookSecret); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv(EnvAppJWT); v != "" {
		cfg.GitHub.AppJWT = v
	}
	if v := os.Getenv(EnvSlackToken); v != "" {
		cfg.Slack.Token = v
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "volunteerd.db"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Projects))
	for _, p := range c.Projects {
		if p.RepoURL == "" {
			return fmt.Errorf("project %q has no repo_url", p.Name)
		}
		if p.Name == "" {
			return fmt.Errorf("project for %s has no name", p.RepoURL)
		}
		if _, dup := seen[p.RepoURL]; dup {
			return fmt.Errorf("duplicate project repo_url %s", p.RepoURL)
		}
		seen[p.RepoURL] = struct{}{}
	}
	return nil
}

// WriteDefault writes a starter configuration file, refusing to overwrite an
// existing one.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}

	cfg := Config{
		ListenAddr:   ":8080",
		DatabasePath: "volunteerd.db",
		Projects: []Project{{
			RepoURL:     "https://github.com/example/repo",
			Name:        "example",
			Maintainers: []string{"example-maintainer"},
		}},
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
