package graphio

import (
	"os"

	"github.com/gomlx/quantprop/driver"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LoadConfig reads a driver configuration from a YAML file. Fields not present in the file keep the
// values of driver.DefaultConfig.
func LoadConfig(path string) (driver.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return driver.Config{}, errors.Wrapf(err, "failed to read configuration file %q", path)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return driver.Config{}, errors.WithMessagef(err, "in configuration file %q", path)
	}
	return cfg, nil
}

// ParseConfig parses a driver configuration in YAML, over the default configuration, and validates it.
func ParseConfig(data []byte) (driver.Config, error) {
	cfg := driver.DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return driver.Config{}, errors.Wrap(err, "failed to parse configuration YAML")
	}
	if err := cfg.Validate(); err != nil {
		return driver.Config{}, err
	}
	return cfg, nil
}
