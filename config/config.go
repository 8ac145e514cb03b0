// Package config loads and validates the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration unmarshals from either a Go duration string ("90s",
// "2m30s") or a bare number, read as seconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case int64:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("bad duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("bad duration value %v", raw)
	}
	return nil
}

// Config is the top-level daemon configuration.
type Config struct {
	API     API     `yaml:"api"`
	Store   Store   `yaml:"store"`
	Server  Server  `yaml:"server"`
	Webhook Webhook `yaml:"webhook"`
	Archive Archive `yaml:"archive"`
	Watches []Watch `yaml:"watches"`
}

// API points the request layer at the platform.
type API struct {
	BaseURL string `yaml:"base_url"`
	// Token is the Bearer token. The FORUMWATCH_TOKEN environment
	// variable overrides it so the file can stay secret-free.
	Token       string   `yaml:"token"`
	Proxy       string   `yaml:"proxy"`
	Timeout     Duration `yaml:"timeout"`
	HourlyLimit int      `yaml:"hourly_limit"`
}

// Store configures the dedup database and its maintenance.
type Store struct {
	Path          string   `yaml:"path"`
	PruneKeep     int      `yaml:"prune_keep"`
	PurgeAfter    Duration `yaml:"purge_after"`
	PurgeInterval Duration `yaml:"purge_interval"`
}

// Server is the operational HTTP surface.
type Server struct {
	Addr string `yaml:"addr"`
}

// Webhook configures the outbound notification sink. An empty URL
// disables it.
type Webhook struct {
	URL      string            `yaml:"url"`
	Style    string            `yaml:"style"` // generic | chat
	Username string            `yaml:"username"`
	Headers  map[string]string `yaml:"headers"`
	ForumURL string            `yaml:"forum_url"`
	Timeout  Duration          `yaml:"timeout"`
	Mock     bool              `yaml:"mock"`
}

// Archive configures the event journal. Bucket selects Cloud Storage,
// LocalDir a directory; both empty disables archiving.
type Archive struct {
	Bucket   string `yaml:"bucket"`
	LocalDir string `yaml:"local_dir"`
}

// Watch is one registration from the watches list.
type Watch struct {
	Type     string   `yaml:"type"` // thread | forum | user | keyword | credits | inbox
	ThreadID int64    `yaml:"thread_id"`
	ForumID  int64    `yaml:"forum_id"`
	UserID   int64    `yaml:"user_id"`
	Keyword  string   `yaml:"keyword"`
	Forums   []int64  `yaml:"forums"` // keyword scope
	Mode     string   `yaml:"mode"`   // user watches: threads | all
	Interval Duration `yaml:"interval"`
}

// Load reads a YAML configuration file and applies defaults. Secrets
// from the environment and validation are the caller's steps, in that
// order.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Path == "" {
		c.Store.Path = "forumwatch.db"
	}
	if c.Store.PurgeAfter <= 0 {
		c.Store.PurgeAfter = Duration(30 * 24 * time.Hour)
	}
	if c.Store.PurgeInterval <= 0 {
		c.Store.PurgeInterval = Duration(6 * time.Hour)
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
}

// Validate reports every problem at once so a config can be fixed in
// one pass.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.Token == "" {
		errs = append(errs, errors.New("api.token is required (file or FORUMWATCH_TOKEN)"))
	}
	if len(c.Watches) == 0 {
		errs = append(errs, errors.New("watches: at least one registration is required"))
	}
	for i, w := range c.Watches {
		if err := w.validate(); err != nil {
			errs = append(errs, fmt.Errorf("watches[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

func (w Watch) validate() error {
	switch w.Type {
	case "thread":
		if w.ThreadID <= 0 {
			return fmt.Errorf("thread watch needs thread_id, got %d", w.ThreadID)
		}
	case "forum":
		if w.ForumID <= 0 {
			return fmt.Errorf("forum watch needs forum_id, got %d", w.ForumID)
		}
	case "user":
		if w.UserID <= 0 {
			return fmt.Errorf("user watch needs user_id, got %d", w.UserID)
		}
		switch w.Mode {
		case "", "threads", "all":
		default:
			return fmt.Errorf("user watch mode %q, want threads or all", w.Mode)
		}
	case "keyword":
		if strings.TrimSpace(w.Keyword) == "" {
			return errors.New("keyword watch needs a keyword")
		}
		if len(w.Forums) == 0 {
			return errors.New("keyword watch needs at least one forum id in forums")
		}
		for _, fid := range w.Forums {
			if fid <= 0 {
				return fmt.Errorf("keyword watch forum id %d is invalid", fid)
			}
		}
	case "credits", "inbox":
	case "":
		return errors.New("watch needs a type")
	default:
		return fmt.Errorf("unknown watch type %q", w.Type)
	}
	return nil
}
