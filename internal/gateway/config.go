package gateway

import (
	"cmp"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	defaultBind      = "127.0.0.1:8080"
	minWebhookSecret = 16
)

// Config is the gateway.http module section.
type Config struct {
	Bind     string                   `yaml:"bind"`
	Auth     AuthConfig               `yaml:"auth"`
	Webhooks map[string]WebhookConfig `yaml:"webhooks"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AuthRate caps authentication attempts per second on the admin
	// endpoints, with a burst of AuthBurst.
	AuthRate  float64 `yaml:"auth_rate"`
	AuthBurst int     `yaml:"auth_burst"`

	// ReadOnly keeps the admin API to GET endpoints: no logout, resume,
	// folder deletion, reload or manual job runs.
	ReadOnly bool `yaml:"read_only"`
}

func (c *Config) defaults() {
	c.Bind = cmp.Or(c.Bind, defaultBind)
	c.ReadTimeout = positiveOr(c.ReadTimeout, 10*time.Second)
	c.WriteTimeout = positiveOr(c.WriteTimeout, 30*time.Second)
	c.ShutdownTimeout = positiveOr(c.ShutdownTimeout, 5*time.Second)
	c.AuthRate = positiveOr(c.AuthRate, 5)
	c.AuthBurst = positiveOr(c.AuthBurst, 10)
}

func positiveOr[T int | float64 | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

// validate checks a defaulted config.
func (c *Config) validate() error {
	if _, err := net.ResolveTCPAddr("tcp", c.Bind); err != nil {
		return fmt.Errorf("gateway: invalid bind address %q: %w", c.Bind, err)
	}
	if (c.Auth.BasicUser == "") != (c.Auth.BasicPass == "") {
		return errors.New("gateway: auth.basic_user and auth.basic_pass must be set together")
	}
	for source, wh := range c.Webhooks {
		if source == "" {
			return errors.New("gateway: webhook source name must not be empty")
		}
		if wh.Secret != "" && len(wh.Secret) < minWebhookSecret {
			return fmt.Errorf("gateway: webhook %q secret must be at least %d bytes", source, minWebhookSecret)
		}
	}
	return nil
}

// AuthConfig holds the admin API credentials. Bearer and basic auth may
// both be set; either one is accepted.
type AuthConfig struct {
	BearerToken string `yaml:"bearer_token"`
	BasicUser   string `yaml:"basic_user"`
	BasicPass   string `yaml:"basic_pass"`
}

// Enabled reports whether the admin API can be served at all.
func (a AuthConfig) Enabled() bool {
	return a.BearerToken != "" || (a.BasicUser != "" && a.BasicPass != "")
}

// WebhookConfig is the per-source entry under webhooks.
type WebhookConfig struct {
	Secret string `yaml:"secret"`
}
