package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load merges configuration from the global file, the project file and the
// environment, in ascending precedence. Missing files are not an error.
func Load() (*Config, error) {
	var files []string
	if home, err := os.UserHomeDir(); err == nil {
		files = append(files, filepath.Join(home, ".specdeck", "config.yaml"))
	}
	if cwd, err := os.Getwd(); err == nil {
		files = append(files, filepath.Join(cwd, ".specdeck", "config.yaml"))
	}
	return load(files, true)
}

// LoadFile loads configuration from one explicit file plus environment
// overrides. The file must exist.
func LoadFile(path string) (*Config, error) {
	return load([]string{path}, false)
}

func load(files []string, optional bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SPECDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	merged := false
	for _, path := range files {
		if optional {
			if _, err := os.Stat(path); err != nil {
				continue
			}
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		var err error
		if merged {
			err = v.MergeInConfig()
		} else {
			err = v.ReadInConfig()
		}
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged = true
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// GlobalConfigPath returns the location of the per-user config file.
func GlobalConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".specdeck", "config.yaml")
}

// ProjectConfigPath returns the location of the project config file.
func ProjectConfigPath() string {
	cwd, _ := os.Getwd()
	return filepath.Join(cwd, ".specdeck", "config.yaml")
}
