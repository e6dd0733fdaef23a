package sqlite

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const defaultDBFile = "smartfolders.db"

// Config is the store.sqlite module section.
//
//	store.sqlite:
//	  path: /var/lib/smartfolders/relay.db
//	  journal: wal
//	  synchronous: normal
//	  busy_timeout: 5s
type Config struct {
	// Path of the database file. Defaults to {data_dir}/smartfolders.db.
	Path string `yaml:"path"`

	// Journal is the SQLite journal mode: wal (default), delete or truncate.
	// WAL lets the status endpoints read while the relay writes.
	Journal string `yaml:"journal"`

	// Synchronous is the fsync level: normal (default) or full.
	Synchronous string `yaml:"synchronous"`

	// BusyTimeout is how long a statement waits on a locked database.
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

var (
	journalModes = []string{"wal", "delete", "truncate"}
	syncLevels   = []string{"normal", "full"}
)

func (c *Config) defaults() {
	c.Journal = strings.ToLower(c.Journal)
	if c.Journal == "" {
		c.Journal = "wal"
	}
	c.Synchronous = strings.ToLower(c.Synchronous)
	if c.Synchronous == "" {
		c.Synchronous = "normal"
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
}

func (c *Config) validate() error {
	if !slices.Contains(journalModes, c.Journal) {
		return fmt.Errorf("sqlite: journal must be one of %v, got %q", journalModes, c.Journal)
	}
	if !slices.Contains(syncLevels, c.Synchronous) {
		return fmt.Errorf("sqlite: synchronous must be one of %v, got %q", syncLevels, c.Synchronous)
	}
	if c.BusyTimeout < 0 {
		return fmt.Errorf("sqlite: busy_timeout must be non-negative, got %s", c.BusyTimeout)
	}
	return nil
}

// pragmas returns the connection settings for c, in execution order.
func (c *Config) pragmas() []string {
	return []string{
		"PRAGMA journal_mode=" + strings.ToUpper(c.Journal),
		"PRAGMA synchronous=" + strings.ToUpper(c.Synchronous),
		fmt.Sprintf("PRAGMA busy_timeout=%d", c.BusyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
}
