package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"

	"github.com/flemzord/smartfolders/internal/core"
	"gopkg.in/yaml.v3"
)

// SupportedVersion is the only configuration schema version understood.
const SupportedVersion = "1"

var natsSchemes = []string{"nats", "tls", "ws", "wss"}

// Validate reports every problem in cfg at once, joined with errors.Join.
// Module sections must name a compiled-in module and be a mapping (or
// empty); their content is checked by the module itself when it loads.
func Validate(cfg *Config) error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	switch cfg.Version {
	case SupportedVersion:
	case "":
		add("version field is required")
	default:
		add("unsupported version %q (supported: %q)", cfg.Version, SupportedVersion)
	}

	if len(cfg.Modules) == 0 {
		add("at least one module must be configured")
	}
	ids := make([]string, 0, len(cfg.Modules))
	for id := range cfg.Modules {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if _, ok := core.GetModule(id); !ok {
			add("unknown module %q", id)
			continue
		}
		node := cfg.Modules[id]
		switch node.Kind {
		case 0, yaml.MappingNode:
		case yaml.ScalarNode:
			if node.Tag != "!!null" {
				add("module %q: section must be a mapping, got %q", id, node.Value)
			}
		default:
			add("module %q: section must be a mapping", id)
		}
	}

	if err := cfg.Relay.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := validateNATSURL(cfg.Events.NATSURL); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func validateNATSURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: events.nats_url: %w", err)
	}
	if !slices.Contains(natsSchemes, u.Scheme) {
		return fmt.Errorf("config: events.nats_url: unsupported scheme %q (want one of %v)", u.Scheme, natsSchemes)
	}
	return nil
}
