package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/smartfolders/internal/breaker"
	"github.com/flemzord/smartfolders/internal/relay"
	"github.com/flemzord/smartfolders/internal/session"
)

// Overflow policy names accepted in configuration.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowReject     = "reject"
)

// Config holds the relay engine settings (the "relay" section of the
// configuration file).
type Config struct {
	// ForwardDelay is the minimum spacing between two sends to the same
	// destination. Applied live on reload.
	ForwardDelay time.Duration `yaml:"forward_delay"`

	// FolderCacheTTL is how long a verified destination is trusted before
	// it is checked again. Applied live on reload.
	FolderCacheTTL time.Duration `yaml:"folder_cache_ttl"`

	EnableMetrics bool   `yaml:"enable_metrics"`
	DataDir       string `yaml:"data_dir"`

	DedupCapacity int `yaml:"dedup_capacity"`

	// DedupTTL is how long a relayed fingerprint suppresses redelivery.
	// Applied live on reload.
	DedupTTL time.Duration `yaml:"dedup_ttl"`

	QueueSize             int           `yaml:"queue_size"`
	Overflow              string        `yaml:"overflow"`
	MaxConcurrentForwards int           `yaml:"max_concurrent_forwards"`
	SendTimeout           time.Duration `yaml:"send_timeout"`
	CallTimeout           time.Duration `yaml:"call_timeout"`
	RetryBudget           int           `yaml:"retry_budget"`
	RetryBase             time.Duration `yaml:"retry_base"`
	RetryCap              time.Duration `yaml:"retry_cap"`

	Breaker   breaker.Config          `yaml:"breaker"`
	Reconnect session.ReconnectConfig `yaml:"reconnect"`
	Auth      session.AuthConfig      `yaml:"auth"`

	// EncryptionKey seals session blobs at rest. Empty stores them in
	// plaintext with owner-only permissions unless RequireEncryption is set.
	EncryptionKey     string `yaml:"encryption_key"`
	RequireEncryption bool   `yaml:"require_encryption"`

	// SessionTimeout shuts down sessions with no inbound activity for
	// that long. Zero, the default, keeps sessions running indefinitely.
	// Applied live on reload.
	SessionTimeout  time.Duration `yaml:"session_timeout"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the settings used when the file omits a field.
// DataDir is left empty; the caller fills it with a platform default.
func DefaultConfig() Config {
	return Config{
		ForwardDelay:          500 * time.Millisecond,
		FolderCacheTTL:        5 * time.Minute,
		DedupCapacity:         10000,
		DedupTTL:              24 * time.Hour,
		QueueSize:             1000,
		Overflow:              OverflowDropOldest,
		MaxConcurrentForwards: 5,
		SendTimeout:           30 * time.Second,
		CallTimeout:           30 * time.Second,
		RetryBudget:           5,
		RetryBase:             time.Second,
		RetryCap:              time.Minute,
		Breaker: breaker.Config{
			Threshold:   5,
			Cooldown:    5 * time.Minute,
			MaxCooldown: 30 * time.Minute,
			Growth:      2,
		},
		Reconnect: session.ReconnectConfig{
			Base:   time.Second,
			Cap:    5 * time.Minute,
			Jitter: 0.2,
		},
		Auth: session.AuthConfig{
			QRTimeout: time.Minute,
			QRRetries: 3,
		},
		CheckInterval:   30 * time.Second,
		CleanupInterval: time.Hour,
	}
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	nonNegative := func(name string, d time.Duration) {
		if d < 0 {
			errs = append(errs, fmt.Errorf("relay: %s must not be negative", name))
		}
	}
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("relay: %s must be positive", name))
		}
	}

	nonNegative("forward_delay", c.ForwardDelay)
	nonNegative("folder_cache_ttl", c.FolderCacheTTL)
	nonNegative("dedup_ttl", c.DedupTTL)
	positive("send_timeout", c.SendTimeout)
	positive("call_timeout", c.CallTimeout)
	positive("retry_base", c.RetryBase)
	nonNegative("session_timeout", c.SessionTimeout)
	positive("check_interval", c.CheckInterval)
	positive("cleanup_interval", c.CleanupInterval)

	if c.RetryCap < c.RetryBase {
		errs = append(errs, errors.New("relay: retry_cap must be at least retry_base"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("relay: data_dir is required"))
	}
	if c.DedupCapacity < 0 {
		errs = append(errs, errors.New("relay: dedup_capacity must not be negative"))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("relay: queue_size must be positive"))
	}
	if c.MaxConcurrentForwards <= 0 {
		errs = append(errs, errors.New("relay: max_concurrent_forwards must be positive"))
	}
	if c.RetryBudget <= 0 {
		errs = append(errs, errors.New("relay: retry_budget must be positive"))
	}
	if _, err := c.overflow(); err != nil {
		errs = append(errs, err)
	}
	if c.Breaker.Threshold <= 0 {
		errs = append(errs, errors.New("relay: breaker.threshold must be positive"))
	}
	if c.Breaker.Cooldown <= 0 {
		errs = append(errs, errors.New("relay: breaker.cooldown must be positive"))
	}
	if c.Breaker.MaxCooldown < c.Breaker.Cooldown {
		errs = append(errs, errors.New("relay: breaker.max_cooldown must be at least breaker.cooldown"))
	}
	if c.Breaker.Growth < 1 {
		errs = append(errs, errors.New("relay: breaker.growth must be at least 1"))
	}
	if c.Reconnect.Base <= 0 || c.Reconnect.Cap < c.Reconnect.Base {
		errs = append(errs, errors.New("relay: reconnect.base must be positive and not above reconnect.cap"))
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter >= 1 {
		errs = append(errs, errors.New("relay: reconnect.jitter must be in [0, 1)"))
	}
	if c.Auth.QRTimeout <= 0 || c.Auth.QRRetries <= 0 {
		errs = append(errs, errors.New("relay: auth.qr_timeout and auth.qr_retries must be positive"))
	}
	if c.RequireEncryption && c.EncryptionKey == "" {
		errs = append(errs, errors.New("relay: require_encryption is set but encryption_key is empty"))
	}

	return errors.Join(errs...)
}

func (c Config) overflow() (relay.Overflow, error) {
	switch c.Overflow {
	case "", OverflowDropOldest:
		return relay.DropOldest, nil
	case OverflowReject:
		return relay.Reject, nil
	default:
		return 0, fmt.Errorf("relay: unknown overflow policy %q (want %q or %q)",
			c.Overflow, OverflowDropOldest, OverflowReject)
	}
}

// RestartRequired lists the fields that differ between c and next and
// cannot be applied to a running engine.
func (c Config) RestartRequired(next Config) []string {
	var fields []string
	check := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}
	check("enable_metrics", c.EnableMetrics != next.EnableMetrics)
	check("data_dir", c.DataDir != next.DataDir)
	check("dedup_capacity", c.DedupCapacity != next.DedupCapacity)
	check("queue_size", c.QueueSize != next.QueueSize)
	check("overflow", c.Overflow != next.Overflow)
	check("max_concurrent_forwards", c.MaxConcurrentForwards != next.MaxConcurrentForwards)
	check("send_timeout", c.SendTimeout != next.SendTimeout)
	check("call_timeout", c.CallTimeout != next.CallTimeout)
	check("retry_budget", c.RetryBudget != next.RetryBudget)
	check("retry_base", c.RetryBase != next.RetryBase)
	check("retry_cap", c.RetryCap != next.RetryCap)
	check("breaker", c.Breaker != next.Breaker)
	check("reconnect", c.Reconnect != next.Reconnect)
	check("auth", c.Auth != next.Auth)
	check("encryption_key", c.EncryptionKey != next.EncryptionKey)
	check("require_encryption", c.RequireEncryption != next.RequireEncryption)
	check("check_interval", c.CheckInterval != next.CheckInterval)
	check("cleanup_interval", c.CleanupInterval != next.CleanupInterval)
	return fields
}
