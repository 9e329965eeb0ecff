package run

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig carries the protocol knobs that have no universally right
// value: the restart window and the change-ring bound in particular.
type fileConfig struct {
	WindowSize      uint32        `yaml:"windowSize"`
	MaxPayloadSize  uint32        `yaml:"maxPayloadSize"`
	RestartTimeout  time.Duration `yaml:"restartTimeout"`
	RedirectLimit   int           `yaml:"redirectLimit"`
	ChangesCapacity int           `yaml:"changesCapacity"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		WindowSize:     16,
		MaxPayloadSize: 1 << 20,
	}
}

func loadFileConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}
