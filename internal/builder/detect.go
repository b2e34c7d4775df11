package builder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Project types, in detection-priority order.
const (
	TypeNext   = "nextjs"
	TypeVite   = "vite"
	TypeReact  = "react"
	TypeStatic = "static"
)

// manifest is the subset of package.json the detector cares about.
type manifest struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// hasDep reports whether the manifest lists name anywhere.
func (m *manifest) hasDep(name string) bool {
	if _, ok := m.Dependencies[name]; ok {
		return true
	}
	_, ok := m.DevDependencies[name]
	return ok
}

// hasScript reports whether the manifest defines the named script.
func (m *manifest) hasScript(name string) bool {
	_, ok := m.Scripts[name]
	return ok
}

// nextConfigs and viteConfigs are the framework config files checked during
// detection, in order.
var (
	nextConfigs = []string{"next.config.js", "next.config.mjs", "next.config.ts"}
	viteConfigs = []string{"vite.config.js", "vite.config.mjs", "vite.config.ts"}
)

// DetectProjectType inspects an extracted project directory and classifies it.
// A Next config wins, then a Vite config or Vite dependency, then a React
// dependency; anything else, including a missing manifest, is static.
func DetectProjectType(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return TypeStatic, nil
		}
		return "", fmt.Errorf("builder: read package.json: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return "", fmt.Errorf("builder: parse package.json: %w", err)
	}

	for _, name := range nextConfigs {
		if fileExists(filepath.Join(dir, name)) {
			return TypeNext, nil
		}
	}
	if m.hasDep("next") {
		return TypeNext, nil
	}

	for _, name := range viteConfigs {
		if fileExists(filepath.Join(dir, name)) {
			return TypeVite, nil
		}
	}
	if m.hasDep("vite") {
		return TypeVite, nil
	}
	if m.hasDep("react") {
		return TypeReact, nil
	}

	return TypeStatic, nil
}

// loadManifest reads the project manifest, returning nil when absent.
func loadManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("builder: read package.json: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("builder: parse package.json: %w", err)
	}
	return &m, nil
}

// fileExists reports whether path exists and is a regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
