package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const appEnvVar = "APP_ENV"

// Environment is the deployment stage named by APP_ENV.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

var environmentAliases = map[string]Environment{
	"prod":  Production,
	"stag":  Staging,
	"stage": Staging,
	"dev":   Development,
}

// CurrentEnvironment reads APP_ENV, resolving short aliases. Unset means
// development; unknown names are kept as given.
func CurrentEnvironment() Environment {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return Development
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return Environment(env)
}

// ProductionLike reports whether env gets the stricter validation rules.
func (e Environment) ProductionLike() bool {
	return e == Production || e == Staging
}

// configPath maps config/config.yml to config/config.<env>.yml.
func (e Environment) configPath(defaultPath string) string {
	ext := filepath.Ext(defaultPath)
	return strings.TrimSuffix(defaultPath, ext) + "." + string(e) + ext
}

// resolveConfigPath swaps the default path for the environment's file when
// that file exists. Explicit paths are always kept.
func resolveConfigPath(path, defaultPath string, env Environment) string {
	if path == "" {
		path = defaultPath
	}
	if path != defaultPath {
		return path
	}
	candidate := env.configPath(defaultPath)
	if _, err := os.Stat(candidate); err != nil {
		return path
	}
	return candidate
}

// validateFor applies the rules that only hold outside development: a
// single venue cannot produce a spread, and the API must be reachable
// for health checks.
func validateFor(env Environment, cfg *Config) error {
	if !env.ProductionLike() {
		return nil
	}
	if enabled := len(cfg.EnabledExchanges()); enabled < 2 {
		return fmt.Errorf("%s requires at least two enabled exchanges, got %d", env, enabled)
	}
	if !cfg.API.Enabled {
		return fmt.Errorf("%s requires api.enabled for health checks", env)
	}
	return nil
}
