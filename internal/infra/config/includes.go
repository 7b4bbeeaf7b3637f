package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const maxIncludeDepth = 10

// applyIncludes overlays every file listed in cfg.Includes (globs allowed,
// relative to the including file) onto cfg, depth-first. Included files may
// include further files; cycles and paths escaping the including directory
// are rejected.
func applyIncludes(cfg *Config, configPath string) error {
	visited := map[string]bool{configPath: true}
	return includeFrom(cfg, filepath.Dir(configPath), cfg.Includes, visited, 0)
}

func includeFrom(cfg *Config, baseDir string, patterns []string, visited map[string]bool, depth int) error {
	if depth >= maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}

	for _, pattern := range patterns {
		paths, err := expandInclude(pattern, baseDir)
		if err != nil {
			return err
		}
		for _, p := range paths {
			if visited[p] {
				return fmt.Errorf("config includes: circular include detected for %q", p)
			}
			visited[p] = true

			nested, err := overlayFile(cfg, p)
			if err != nil {
				return err
			}
			if len(nested) > 0 {
				if err := includeFrom(cfg, filepath.Dir(p), nested, visited, depth+1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// expandInclude resolves pattern against baseDir and returns absolute paths.
// A literal path that does not exist is returned as-is so the read reports it;
// a glob that matches nothing yields no paths.
func expandInclude(pattern, baseDir string) ([]string, error) {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(baseDir, pattern)
	}
	pattern = filepath.Clean(pattern)

	if rel, err := filepath.Rel(baseDir, pattern); err == nil && strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("config includes: path %q escapes config directory", pattern)
	}

	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("config includes: glob %q: %w", pattern, err)
	}
	if len(matches) == 0 && !strings.ContainsAny(pattern, "*?[") {
		matches = []string{pattern}
	}

	out := make([]string, 0, len(matches))
	for _, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			return nil, fmt.Errorf("config includes: abs path %q: %w", m, err)
		}
		out = append(out, abs)
	}
	return out, nil
}

// overlayFile unmarshals path onto cfg and returns the includes it declares.
func overlayFile(cfg *Config, path string) ([]string, error) {
	if err := validatePermissions(path); err != nil {
		return nil, fmt.Errorf("config includes: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config includes: read %q: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	cfg.Includes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config includes: parse %q: %w", path, err)
	}
	nested := cfg.Includes
	cfg.Includes = nil
	return nested, nil
}
