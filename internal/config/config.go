// Package config loads futexsim configuration from JSONC files and flags.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/kfutex/pkg/futex"
)

var (
	ErrConfigInvalid      = errors.New("invalid config")
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
)

// Config holds all configuration options.
type Config struct {
	Buckets    int    `json:"buckets"`
	PageSize   uint64 `json:"page_size"` //nolint:tagliatelle // snake_case for config file
	Frames     int    `json:"frames"`
	SharedKeys bool   `json:"shared_keys"` //nolint:tagliatelle // snake_case for config file
	LogLevel   string `json:"log_level"`   //nolint:tagliatelle // snake_case for config file
}

// Overrides are values set on the command line. Nil fields are unset.
type Overrides struct {
	Buckets    *int
	PageSize   *uint64
	Frames     *int
	SharedKeys *bool
	LogLevel   *string
}

// fileConfig distinguishes absent keys from zero values.
type fileConfig struct {
	Buckets    *int    `json:"buckets"`
	PageSize   *uint64 `json:"page_size"`   //nolint:tagliatelle // snake_case for config file
	Frames     *int    `json:"frames"`
	SharedKeys *bool   `json:"shared_keys"` //nolint:tagliatelle // snake_case for config file
	LogLevel   *string `json:"log_level"`   //nolint:tagliatelle // snake_case for config file
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Buckets:  futex.DefaultBuckets,
		PageSize: futex.DefaultPageSize,
		Frames:   256,
		LogLevel: "warn",
	}
}

// FileName is the default project config file name.
const FileName = ".futexsim.json"

// globalPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/futexsim/config.json if set, otherwise
// ~/.config/futexsim/config.json. Returns empty string if the home
// directory cannot be determined.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "futexsim", "config.json")
	}

	home := env["HOME"]
	if home == "" {
		var err error

		home, err = os.UserHomeDir()
		if err != nil {
			return ""
		}
	}

	return filepath.Join(home, ".config", "futexsim", "config.json")
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/futexsim/config.json)
// 3. Project config file in workDir (.futexsim.json, if exists)
// 4. Explicit config file via configPath (if non-empty; replaces 3)
// 5. CLI overrides.
func Load(workDir, configPath string, overrides Overrides, env map[string]string) (Config, Sources, error) {
	cfg := Default()

	var sources Sources

	if path := globalPath(env); path != "" {
		fc, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, Sources{}, err
		}

		if loaded {
			sources.Global = path
			cfg = fc.apply(cfg)
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false

	if configPath != "" {
		projectPath, mustExist = configPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	fc, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, Sources{}, err
	}

	if loaded {
		sources.Project = projectPath
		cfg = fc.apply(cfg)
	}

	cfg = fileConfig(overrides).apply(cfg)

	err = cfg.Validate()
	if err != nil {
		return Config{}, Sources{}, err
	}

	return cfg, sources, nil
}

// loadFile reads one config file. A missing optional file is not an error.
func loadFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist) && mustExist:
			return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		case errors.Is(err, os.ErrNotExist):
			return fileConfig{}, false, nil
		default:
			return fileConfig{}, false, fmt.Errorf("%w: %s: %w", ErrConfigFileRead, path, err)
		}
	}

	fc, err := parse(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return fc, true, nil
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	var fc fileConfig

	err = dec.Decode(&fc)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return fc, nil
}

func (fc fileConfig) apply(base Config) Config {
	if fc.Buckets != nil {
		base.Buckets = *fc.Buckets
	}

	if fc.PageSize != nil {
		base.PageSize = *fc.PageSize
	}

	if fc.Frames != nil {
		base.Frames = *fc.Frames
	}

	if fc.SharedKeys != nil {
		base.SharedKeys = *fc.SharedKeys
	}

	if fc.LogLevel != nil {
		base.LogLevel = *fc.LogLevel
	}

	return base
}

// Validate checks every field. Errors wrap [ErrConfigInvalid].
func (c Config) Validate() error {
	var errs []error

	if !isPrime(c.Buckets) {
		errs = append(errs, fmt.Errorf("buckets %d must be a prime >= 2", c.Buckets))
	}

	if c.PageSize < 64 || bits.OnesCount64(c.PageSize) != 1 {
		errs = append(errs, fmt.Errorf("page_size %d must be a power of two >= 64", c.PageSize))
	}

	if c.Frames < 1 {
		errs = append(errs, fmt.Errorf("frames %d must be positive", c.Frames))
	}

	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}

// Level parses LogLevel. Only debug, info, warn and error are accepted.
func (c Config) Level() (zapcore.Level, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil || level > zapcore.ErrorLevel {
		return zapcore.InfoLevel, fmt.Errorf("log_level %q must be debug, info, warn or error", c.LogLevel)
	}

	return level, nil
}

// Futex returns the futex system configuration.
func (c Config) Futex(logger *zap.Logger) futex.Config {
	return futex.Config{
		Buckets:    c.Buckets,
		PageSize:   c.PageSize,
		SharedKeys: c.SharedKeys,
		Logger:     logger,
	}
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}

	for d := 2; d*d <= n; d++ {
		if n%d == 0 {
			return false
		}
	}

	return true
}

// Format returns the config as formatted JSON.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
