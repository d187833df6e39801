// Package aliasing provides project name alias resolution for dashboard queries.
//
// Different SDK deployments of the same application often report different
// project names ("checkout-prod", "checkout-staging", "checkout-pr-123"),
// fragmenting the dashboard view. This package provides configuration loading
// and resolution to map reported project names to canonical ones at query
// time. Stored rows keep the name the client sent.
package aliasing

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/runlens-io/runlens/internal/config"
)

type (
	// ProjectPattern maps a project-name pattern to a canonical template.
	//
	// Pattern syntax:
	//   - {variable} captures any characters except "/"
	//   - {variable*} captures any characters including "/"
	//   - Literal characters match exactly
	ProjectPattern struct {
		Pattern   string `yaml:"pattern"`
		Canonical string `yaml:"canonical"`
	}

	// Config holds project alias configuration loaded from .runlens.yaml.
	Config struct {
		// ProjectAliases maps reported project names to canonical names.
		// Key is the alias (as reported by an SDK), value is the canonical name.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		ProjectAliases map[string]string `yaml:"project_aliases"`

		// ProjectPatterns are pattern-based aliases, evaluated in order after
		// the direct alias map. First matching pattern wins.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		ProjectPatterns []ProjectPattern `yaml:"project_patterns"`
	}
)

// DefaultConfigPath is the default location for the runlens configuration file.
// Uses hidden file format following common tool conventions (.eslintrc, .prettierrc, etc.).
const DefaultConfigPath = ".runlens.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "RUNLENS_CONFIG_PATH"

// LoadConfig loads alias configuration from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if file doesn't exist - aliases are optional
//   - Returns empty config + logs warning if YAML is invalid (graceful degradation)
//   - Returns populated config on success
//
// This graceful degradation ensures the server can start even without aliases
// configured, as project aliasing is an optional feature.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ProjectAliases: make(map[string]string),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Missing file is OK - aliases are optional
			slog.Debug("Config file not found, continuing without aliases",
				slog.String("path", path))

			return cfg, nil
		}

		// Other read errors (permissions, etc.) - log warning and continue
		slog.Warn("Failed to read config file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	// Empty file is valid - just no aliases
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		// Invalid YAML - log warning and continue with empty config
		slog.Warn("Failed to parse config file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{ProjectAliases: make(map[string]string)}, nil
	}

	// Ensure map is initialized even if YAML had nil/empty section
	if cfg.ProjectAliases == nil {
		cfg.ProjectAliases = make(map[string]string)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path specified in RUNLENS_CONFIG_PATH
// environment variable. Falls back to ".runlens.yaml" in current directory if not set.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
