package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "250ms" or "5s". Bare integers are taken as nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Locks   LockConfig    `yaml:"locks"`
	Engine  EngineConfig  `yaml:"engine"`
	Notify  NotifyConfig  `yaml:"notify"`
	Log     LogConfig     `yaml:"log"`
}

type BackendConfig struct {
	Path        string   `yaml:"path"`         // database file path
	BusyTimeout Duration `yaml:"busy_timeout"` // sqlite busy timeout
}

type LockConfig struct {
	// ShortWait bounds how long a short-lock acquisition blocks on a
	// concurrently held short lock before failing with a lock conflict.
	// Zero means fail immediately. Long-lock conflicts never wait.
	ShortWait Duration `yaml:"short_wait"`
}

type EngineConfig struct {
	// WriteUnchanged forces edits with an empty column delta to still
	// bump the version and produce a ledger entry.
	WriteUnchanged bool `yaml:"write_unchanged"`

	// UserID and SessionID stamp created/changed rows and user actions.
	UserID    string `yaml:"user_id"`
	SessionID string `yaml:"session_id"`
}

type NotifyConfig struct {
	Workers   int `yaml:"workers"`    // invalidation dispatcher pool size
	QueueSize int `yaml:"queue_size"` // pending invalidations before blocking
}

type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Path:        "reldoc.db",
			BusyTimeout: Duration(5 * time.Second),
		},
		Locks: LockConfig{
			ShortWait: Duration(10 * time.Second),
		},
		Engine: EngineConfig{
			WriteUnchanged: false,
			UserID:         "system",
		},
		Notify: NotifyConfig{
			Workers:   4,
			QueueSize: 1024,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults. Missing keys keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
