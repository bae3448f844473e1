package store

import (
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/foreman/internal/model"
	yamlutil "github.com/msageha/foreman/internal/yaml"
)

const configFile = "config.yaml"

// LoadConfig reads .foreman/config.yaml and applies defaults. A missing file
// yields a pure-defaults config, so a bare `foreman init` is enough to start.
func (s *Store) LoadConfig() (*model.Config, error) {
	var cfg model.Config

	content, err := os.ReadFile(filepath.Join(s.dir, configFile))
	switch {
	case os.IsNotExist(err):
		// fall through to defaults
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yamlv3.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// SaveConfig writes the config atomically.
func (s *Store) SaveConfig(cfg *model.Config) error {
	return yamlutil.AtomicWrite(filepath.Join(s.dir, configFile), cfg)
}
