package config

import (
	"slices"
	"strings"

	"github.com/flemzord/smartfolders/internal/core"
)

// loadPriority orders module namespaces for loading. Storage comes first so
// a backend service exists before the relay is wired, and channels come
// last because they depend on the services the others register.
var loadPriority = map[string]int{
	"store":   0,
	"gateway": 1,
	"channel": 2,
}

// Resolve returns the configured module IDs in load order: by namespace
// priority, then by ID. Unknown namespaces load after the known ones.
func Resolve(cfg *Config) []string {
	ids := make([]string, 0, len(cfg.Modules))
	for id := range cfg.Modules {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if pa, pb := priority(a), priority(b); pa != pb {
			return pa - pb
		}
		return strings.Compare(a, b)
	})
	return ids
}

func priority(id string) int {
	if p, ok := loadPriority[core.ModuleID(id).Namespace()]; ok {
		return p
	}
	return len(loadPriority)
}
