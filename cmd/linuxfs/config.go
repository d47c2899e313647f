//go:build linux

package main

import (
	"fmt"
	"os"
	"path/filepath"

	yaml "go.yaml.in/yaml/v2"
)

// config holds the tool's optional YAML configuration.
type config struct {
	// Verbose enables information messages without passing --verbose.
	Verbose bool `yaml:"verbose"`

	// ReportEvery is the default progress reporting increment for iterate.
	ReportEvery uint64 `yaml:"report_every"`
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}

	return filepath.Join(dir, "linuxfs", "config.yml")
}

// loadConfig reads the configuration at path, or the default location when
// path is empty. A missing default file yields the zero configuration.
func loadConfig(path string) (*config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}

	cfg := &config{}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}

		return nil, fmt.Errorf("Failed to read configuration %q: %w", path, err)
	}

	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("Failed to parse configuration %q: %w", path, err)
	}

	return cfg, nil
}
