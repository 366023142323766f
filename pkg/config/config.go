package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provision/pkg/engine"
	"github.com/openfroyo/provision/pkg/engine/phases"
	"github.com/openfroyo/provision/pkg/registry"
	"github.com/openfroyo/provision/pkg/stores"
	"github.com/openfroyo/provision/pkg/telemetry"
)

// Environment variables that override the configuration file.
const (
	EnvRegistryRoot = "PROVISION_REGISTRY_ROOT"
	EnvStorePath    = "PROVISION_STORE_PATH"
	EnvLogLevel     = "LOG_LEVEL"
)

// Config is the provisioning configuration.
type Config struct {
	Registry  RegistryConfig   `yaml:"registry" toml:"registry"`
	Store     StoreConfig      `yaml:"store" toml:"store"`
	Phases    PhasesConfig     `yaml:"phases" toml:"phases"`
	Telemetry telemetry.Config `yaml:"telemetry" toml:"telemetry"`
}

// RegistryConfig configures the profile registry.
type RegistryConfig struct {
	// Root is the directory holding one sub-directory per profile.
	Root string `yaml:"root" toml:"root" validate:"required"`

	// Compress writes gzip snapshots.
	Compress bool `yaml:"compress" toml:"compress"`

	// Watch invalidates the registry cache when other processes commit.
	Watch bool `yaml:"watch" toml:"watch"`
}

// StoreConfig configures the transaction journal.
type StoreConfig struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `yaml:"path" toml:"path"`

	// Keep is how many transactions per profile are retained after each
	// run. Zero keeps everything.
	Keep int `yaml:"keep" toml:"keep" validate:"gte=0"`
}

// PhasesConfig selects and tunes the built-in phases.
type PhasesConfig struct {
	Exclude         []string       `yaml:"exclude" toml:"exclude" validate:"dive,oneof=collect unconfigure uninstall property install configure"`
	Weights         map[string]int `yaml:"weights" toml:"weights" validate:"dive,keys,oneof=collect unconfigure uninstall property install configure,endkeys,gt=0"`
	ForcedUninstall bool           `yaml:"forced_uninstall" toml:"forced_uninstall"`
}

// Default returns the configuration used when no file is given. State is
// kept under ~/.provision.
func Default() *Config {
	base := ".provision"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".provision")
	}
	return &Config{
		Registry: RegistryConfig{
			Root: filepath.Join(base, "registry"),
		},
		Store: StoreConfig{
			Path: filepath.Join(base, "journal.db"),
			Keep: 100,
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// Load reads path over Default, applies environment overrides and
// validates the result. Files ending in .toml are read as TOML, anything
// else as YAML. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return engine.NewValidationError(fmt.Sprintf("unknown config key %s in %s", undecoded[0], path), nil)
		}
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvRegistryRoot); v != "" {
		c.Registry.Root = v
	}
	if v, ok := os.LookupEnv(EnvStorePath); ok {
		c.Store.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Telemetry.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return engine.NewValidationError("invalid configuration: "+strings.Join(msgs, "; "), err)
		}
		return engine.NewValidationError("invalid configuration", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewValidationError("invalid telemetry configuration", err)
	}
	return nil
}

// PhaseSet builds the phase set selected by the phases section.
func (c *Config) PhaseSet() (*engine.PhaseSet, error) {
	return phases.NewSet(phases.Options{
		Exclude:         c.Phases.Exclude,
		Weights:         c.Phases.Weights,
		ForcedUninstall: c.Phases.ForcedUninstall,
	})
}

// OpenRegistry opens the profile registry described by the registry
// section.
func (c *Config) OpenRegistry(opts ...registry.Option) (*registry.Registry, error) {
	if c.Registry.Compress {
		opts = append(opts, registry.WithCompression(true))
	}
	return registry.New(c.Registry.Root, opts...)
}

// OpenStore returns the journal described by the store section, or nil
// when the journal is disabled. The store still needs Init and Migrate.
func (c *Config) OpenStore() (*stores.SQLiteStore, error) {
	if c.Store.Path == "" {
		return nil, nil
	}
	return stores.NewSQLiteStore(stores.Config{Path: c.Store.Path})
}
