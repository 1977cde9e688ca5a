package ctl

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv overrides the default config location.
const ConfigPathEnv = "ICGLCTL_CONFIG"

var outputFormats = map[string]bool{"table": true, "json": true, "yaml": true}

// Config is the icglctl configuration file: named consoles plus the one in use.
type Config struct {
	CurrentContext string             `yaml:"currentContext"`
	Contexts       map[string]Context `yaml:"contexts"`
}

// Context describes one console API and the operator's defaults for it.
type Context struct {
	Name   string `yaml:"name" json:"name"`
	Server string `yaml:"server" json:"server"`
	Token  string `yaml:"token,omitempty" json:"token,omitempty"`

	// Output is the format used when --output is not given.
	Output string `yaml:"output,omitempty" json:"output,omitempty"`
	// TailTypes filters tail when --type is not given.
	TailTypes []string `yaml:"tailTypes,omitempty" json:"tailTypes,omitempty"`
	// RequireReview refuses approve --yes unless the batch id is named with --batch.
	RequireReview bool `yaml:"requireReview,omitempty" json:"requireReview,omitempty"`
}

// Validate checks the server URL and the default output format.
func (c Context) Validate() error {
	if c.Name == "" {
		return errors.New("context name is required")
	}
	u, err := url.Parse(c.Server)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("context %q: server must be an http(s) URL, got %q", c.Name, c.Server)
	}
	if c.Output != "" && !outputFormats[strings.ToLower(c.Output)] {
		return fmt.Errorf("context %q: unsupported output format %q", c.Name, c.Output)
	}
	return nil
}

// LoadConfig reads path, returning an empty config when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Contexts: map[string]Context{}}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]Context{}
	}
	for name, ctx := range cfg.Contexts {
		// Hand-edited files may omit the name inside the entry.
		if ctx.Name == "" {
			ctx.Name = name
			cfg.Contexts[name] = ctx
		}
	}
	if cfg.CurrentContext != "" {
		if _, ok := cfg.Contexts[cfg.CurrentContext]; !ok {
			return nil, fmt.Errorf("%s: current context %q is not defined", path, cfg.CurrentContext)
		}
	}
	return cfg, nil
}

// SaveConfig writes cfg to path with owner-only permissions since contexts
// carry API tokens.
func SaveConfig(cfg *Config, path string) error {
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]Context{}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func defaultConfigPath() string {
	if p := os.Getenv(ConfigPathEnv); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./icglctl.yaml"
	}
	return filepath.Join(dir, "icglctl", "config.yaml")
}

// upsertContext merges update into any existing entry of the same name so a
// token or preference set earlier survives a partial set-context. A nil
// requireReview keeps the stored value.
func upsertContext(cfg *Config, update Context, requireReview *bool, makeCurrent bool) (Context, error) {
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]Context{}
	}
	merged := cfg.Contexts[update.Name]
	merged.Name = update.Name
	if update.Server != "" {
		merged.Server = update.Server
	}
	if update.Token != "" {
		merged.Token = update.Token
	}
	if update.Output != "" {
		merged.Output = strings.ToLower(update.Output)
	}
	if update.TailTypes != nil {
		merged.TailTypes = update.TailTypes
	}
	if requireReview != nil {
		merged.RequireReview = *requireReview
	}
	if err := merged.Validate(); err != nil {
		return Context{}, err
	}
	cfg.Contexts[merged.Name] = merged
	if cfg.CurrentContext == "" || makeCurrent {
		cfg.CurrentContext = merged.Name
	}
	return merged, nil
}

func ensureContextExists(cfg *Config, name string) error {
	if _, ok := cfg.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	return nil
}
