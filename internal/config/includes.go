package config

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sort"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"

	"github.com/bolasblack/nfcond/internal/util"
)

// rawConfig is the on-disk form. Pointer fields distinguish "unset" from a
// zero value so that includes merge correctly.
type rawConfig struct {
	Includes   []string   `toml:"includes,omitempty"`
	Control    rawControl `toml:"control"`
	Server     Server     `toml:"server"`
	Log        rawLog     `toml:"log"`
	Metrics    rawMetrics `toml:"metrics"`
	Namespaces []string          `toml:"namespaces,omitempty"`
	Policies   map[string]string `toml:"policies,omitempty"`
	Rules      []Rule            `toml:"rules,omitempty"`
}

type rawControl struct {
	Perms    string `toml:"perms,omitempty"`
	UID      *int   `toml:"uid,omitempty"`
	GID      *int   `toml:"gid,omitempty"`
	MaxNodes *int   `toml:"max_nodes,omitempty"`
}

type rawLog struct {
	Level string `toml:"level,omitempty"`
	JSON  *bool  `toml:"json,omitempty"`
}

type rawMetrics struct {
	Enabled *bool `toml:"enabled,omitempty"`
}

// LoadWithIncludes loads config with includes support, applied on top of
// DefaultConfig. Includes are processed depth-first in the order given and
// the including file wins over what it includes.
func LoadWithIncludes(env *util.Env, path string) (Config, error) {
	raw, err := loadWithIncludes(env, path, make(map[string]bool))
	if err != nil {
		return Config{}, err
	}
	return applyRaw(DefaultConfig(), raw), nil
}

// loadWithIncludes is the internal recursive implementation.
func loadWithIncludes(env *util.Env, path string, visited map[string]bool) (rawConfig, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return rawConfig{}, fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	if visited[absPath] {
		return rawConfig{}, fmt.Errorf("circular include detected: %s", path)
	}
	visited[absPath] = true

	data, err := afero.ReadFile(env.Fs, path)
	if err != nil {
		return rawConfig{}, err
	}

	var raw rawConfig
	if err := toml.Unmarshal(data, &raw); err != nil {
		return rawConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	baseDir := filepath.Dir(absPath)

	var merged rawConfig
	for _, includePattern := range raw.Includes {
		resolvedPattern := includePattern
		if !filepath.IsAbs(includePattern) {
			resolvedPattern = filepath.Join(baseDir, includePattern)
		}

		matchedFiles, err := expandGlob(env, resolvedPattern)
		if err != nil {
			return rawConfig{}, fmt.Errorf("failed to expand glob %s: %w", includePattern, err)
		}

		// Empty glob result is OK (no files matched)
		for _, includePath := range matchedFiles {
			included, err := loadWithIncludes(env, includePath, visited)
			if err != nil {
				return rawConfig{}, fmt.Errorf("failed to load include %s: %w", includePath, err)
			}
			merged = mergeRaw(merged, included)
		}
	}

	return mergeRaw(merged, raw), nil
}

// isGlobPattern checks if the pattern contains glob special characters.
func isGlobPattern(pattern string) bool {
	for _, c := range pattern {
		switch c {
		case '*', '?', '[':
			return true
		}
	}
	return false
}

// expandGlob expands a glob pattern and returns sorted matched files.
// For literal paths (no glob characters), returns error if file doesn't exist.
// For glob patterns, returns empty slice if no files match.
func expandGlob(env *util.Env, pattern string) ([]string, error) {
	if !isGlobPattern(pattern) {
		if _, err := env.Fs.Stat(pattern); err != nil {
			return nil, err
		}
		return []string{pattern}, nil
	}

	matches, err := afero.Glob(env.Fs, pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// mergeRaw merges overlay into base.
// Scalars: overlay wins if set
// Namespaces: union, first occurrence keeps its position
// Policies: per-key, overlay wins
// Rules: append
func mergeRaw(base, overlay rawConfig) rawConfig {
	result := base
	result.Includes = nil

	if overlay.Control.Perms != "" {
		result.Control.Perms = overlay.Control.Perms
	}
	if overlay.Control.UID != nil {
		result.Control.UID = overlay.Control.UID
	}
	if overlay.Control.GID != nil {
		result.Control.GID = overlay.Control.GID
	}
	if overlay.Control.MaxNodes != nil {
		result.Control.MaxNodes = overlay.Control.MaxNodes
	}

	if overlay.Server.Listen != "" {
		result.Server.Listen = overlay.Server.Listen
	}

	if overlay.Log.Level != "" {
		result.Log.Level = overlay.Log.Level
	}
	if overlay.Log.JSON != nil {
		result.Log.JSON = overlay.Log.JSON
	}

	if overlay.Metrics.Enabled != nil {
		result.Metrics.Enabled = overlay.Metrics.Enabled
	}

	result.Namespaces = slices.Clone(base.Namespaces)
	for _, ns := range overlay.Namespaces {
		if !slices.Contains(result.Namespaces, ns) {
			result.Namespaces = append(result.Namespaces, ns)
		}
	}

	if len(overlay.Policies) > 0 {
		result.Policies = maps.Clone(base.Policies)
		if result.Policies == nil {
			result.Policies = make(map[string]string, len(overlay.Policies))
		}
		maps.Copy(result.Policies, overlay.Policies)
	}

	if len(overlay.Rules) > 0 {
		result.Rules = append(slices.Clone(base.Rules), overlay.Rules...)
	}

	return result
}

// applyRaw overlays the fields set in raw onto cfg.
func applyRaw(cfg Config, raw rawConfig) Config {
	if raw.Control.Perms != "" {
		cfg.Control.Perms = raw.Control.Perms
	}
	if raw.Control.UID != nil {
		cfg.Control.UID = *raw.Control.UID
	}
	if raw.Control.GID != nil {
		cfg.Control.GID = *raw.Control.GID
	}
	if raw.Control.MaxNodes != nil {
		cfg.Control.MaxNodes = *raw.Control.MaxNodes
	}
	if raw.Server.Listen != "" {
		cfg.Server.Listen = raw.Server.Listen
	}
	if raw.Log.Level != "" {
		cfg.Log.Level = raw.Log.Level
	}
	if raw.Log.JSON != nil {
		cfg.Log.JSON = *raw.Log.JSON
	}
	if raw.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *raw.Metrics.Enabled
	}
	cfg.Namespaces = raw.Namespaces
	cfg.Policies = raw.Policies
	cfg.Rules = raw.Rules
	return cfg
}
