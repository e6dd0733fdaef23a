package telegram

import (
	"cmp"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"time"
)

// Update delivery modes for the control bot.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

const (
	defaultAPIURL   = "https://api.telegram.org"
	maxPollTimeout  = 50
	maxMessageBytes = 4096
)

var (
	// tokenPattern is "<bot id>:<secret>".
	tokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)
	// secretTokenPattern is what setWebhook accepts as secret_token.
	secretTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,256}$`)
)

// Config is the channel.telegram module section.
type Config struct {
	Token          string `yaml:"token"`
	Mode           string `yaml:"mode"`
	PollingTimeout int    `yaml:"polling_timeout"`
	WebhookURL     string `yaml:"webhook_url"`
	WebhookSecret  string `yaml:"webhook_secret"`

	// AllowUsers are the Telegram user ids allowed to issue commands.
	// AdminIDs may also run admin-only commands and are always allowed.
	AllowUsers []int64 `yaml:"allow_users"`
	AdminIDs   []int64 `yaml:"admin_ids"`
	Public     bool    `yaml:"public"`

	// CommandLimit commands per CommandWindow per user.
	CommandLimit  int           `yaml:"command_limit"`
	CommandWindow time.Duration `yaml:"command_window"`

	MaxMessageLength int    `yaml:"max_message_length"`
	APIURL           string `yaml:"api_url"`

	// RelayPollingTimeout is the getUpdates timeout used by relay sessions
	// dialed through the Bot API transport.
	RelayPollingTimeout int `yaml:"relay_polling_timeout"`
}

// defaults fills unset fields. A zero polling timeout becomes 30s.
func (c *Config) defaults() {
	c.Mode = cmp.Or(c.Mode, ModePolling)
	c.APIURL = cmp.Or(c.APIURL, defaultAPIURL)
	c.PollingTimeout = cmp.Or(c.PollingTimeout, 30)
	c.RelayPollingTimeout = cmp.Or(c.RelayPollingTimeout, 30)
	c.CommandLimit = cmp.Or(c.CommandLimit, 30)
	c.MaxMessageLength = cmp.Or(c.MaxMessageLength, maxMessageBytes)
	if c.CommandWindow <= 0 {
		c.CommandWindow = time.Minute
	}
}

// validate reports every problem of a defaulted config.
func (c *Config) validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("telegram: "+format, args...))
	}

	switch {
	case c.Token == "":
		fail("token is required")
	case !tokenPattern.MatchString(c.Token):
		fail("token format invalid (expected <bot_id>:<hash>)")
	}

	switch c.Mode {
	case ModePolling:
	case ModeWebhook:
		if c.WebhookURL == "" {
			fail("webhook_url is required when mode is %q", ModeWebhook)
		} else if u, err := url.Parse(c.WebhookURL); err != nil || u.Scheme != "https" {
			fail("webhook_url must be an https URL, got %q", c.WebhookURL)
		}
	default:
		fail("invalid mode %q (must be %q or %q)", c.Mode, ModePolling, ModeWebhook)
	}
	if c.WebhookSecret != "" && !secretTokenPattern.MatchString(c.WebhookSecret) {
		fail("webhook_secret must be 1-256 characters of A-Z, a-z, 0-9, _ and -")
	}

	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		fail("api_url must be a valid http/https URL, got %q", c.APIURL)
	}
	if c.PollingTimeout < 0 || c.PollingTimeout > maxPollTimeout {
		fail("polling_timeout must be 0-%d, got %d", maxPollTimeout, c.PollingTimeout)
	}
	if c.RelayPollingTimeout < 0 || c.RelayPollingTimeout > maxPollTimeout {
		fail("relay_polling_timeout must be 0-%d, got %d", maxPollTimeout, c.RelayPollingTimeout)
	}
	if c.MaxMessageLength < 1 || c.MaxMessageLength > maxMessageBytes {
		fail("max_message_length must be 1-%d, got %d", maxMessageBytes, c.MaxMessageLength)
	}
	if c.CommandLimit < 0 {
		fail("command_limit must be >= 0, got %d", c.CommandLimit)
	}
	for _, id := range slices.Concat(c.AllowUsers, c.AdminIDs) {
		if id <= 0 {
			fail("user ids must be positive, got %d", id)
			break
		}
	}
	return errors.Join(errs...)
}
