// Package config loads the ssogate configuration from YAML, with
// environment variable overrides for secrets and deployment knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/idplane/ssogate/internal/matcher"
	"github.com/idplane/ssogate/internal/provider"
)

type Config struct {
	App struct {
		// dev | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	// SSO enforcement settings.
	SSO struct {
		// DefaultProvider is the provider challenged requests are sent to.
		DefaultProvider string `yaml:"default_provider"`
		// StateSecret signs the anti-forgery state tokens. Overridable
		// via SSO_STATE_SECRET.
		StateSecret string `yaml:"state_secret"`
		StateTTL    string `yaml:"state_ttl"`
		// SessionCookie names the reference session cookie.
		SessionCookie string `yaml:"session_cookie"`
		SessionTTL    string `yaml:"session_ttl"`
		SecureCookies bool   `yaml:"secure_cookies"`
	} `yaml:"sso"`

	// Providers holds one block per provider name. Missing fields leave
	// the provider Unconfigured; that is a state, not a load error.
	Providers map[string]provider.Config `yaml:"providers"`

	// ProviderTimeout bounds token and user-info calls.
	ProviderTimeout string `yaml:"provider_timeout"`

	// BypassRules is the declarative bypass tree. Empty means the
	// built-in default rule set.
	BypassRules []matcher.Rule `yaml:"bypass_rules"`

	// RateLimit throttles the /sso endpoints per client address. Max 0
	// disables throttling.
	RateLimit struct {
		Max    int    `yaml:"max"`
		Window string `yaml:"window"`
	} `yaml:"rate_limit"`

	TokenStore struct {
		// Kind: "memory" | "redis"
		Kind  string `yaml:"kind"`
		TTL   string `yaml:"ttl"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"token_store"`
}

// Load reads the YAML file at path and applies env overrides. A missing
// file yields the zero config plus overrides, so env-only deployments
// work too.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("APP_ENV"); v != "" {
		c.App.Env = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("SSO_STATE_SECRET"); v != "" {
		c.SSO.StateSecret = v
	}
	if v := os.Getenv("SSO_DEFAULT_PROVIDER"); v != "" {
		c.SSO.DefaultProvider = v
	}
	if v := os.Getenv("TOKEN_STORE_KIND"); v != "" {
		c.TokenStore.Kind = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.TokenStore.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.TokenStore.Redis.Password = v
	}

	// Per-provider secret overrides: OAUTH_<NAME>_CLIENT_ID / _SECRET.
	for name, pc := range c.Providers {
		upper := strings.ToUpper(name)
		if v := os.Getenv("OAUTH_" + upper + "_CLIENT_ID"); v != "" {
			pc.ClientID = v
		}
		if v := os.Getenv("OAUTH_" + upper + "_CLIENT_SECRET"); v != "" {
			pc.ClientSecret = v
		}
		c.Providers[name] = pc
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.SSO.SessionCookie == "" {
		c.SSO.SessionCookie = "ssogate_session"
	}
	if c.TokenStore.Kind == "" {
		c.TokenStore.Kind = "memory"
	}
	if c.SSO.DefaultProvider == "" && len(c.Providers) > 0 {
		// Deterministic pick is handled at wiring time from the enabled
		// set; leaving this empty is allowed only with zero providers.
		for _, name := range []string{provider.NameLinkedIn, provider.NameGitHub} {
			if _, ok := c.Providers[name]; ok {
				c.SSO.DefaultProvider = name
				break
			}
		}
	}
}

// Duration parses one of the duration-typed fields, with a fallback.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// BuildBypass compiles the configured rules, or the default tree when
// none are configured.
func (c *Config) BuildBypass() (*matcher.Node, error) {
	if len(c.BypassRules) == 0 {
		return matcher.DefaultBypass(), nil
	}
	return matcher.FromRules(c.BypassRules)
}
