package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/marmos91/ods2/internal/bytesize"
	"gopkg.in/yaml.v3"
)

const sampleHeader = `# ods2 Configuration File
#
# Precedence: ODS2_* environment variables, then this file, then defaults.
# Example: ODS2_LOGGING_LEVEL=DEBUG ods2 info dka0
#
# Device types: memory, image, badger, s3. Backend-specific settings go
# under "options"; s3 devices need at least options.bucket.

`

// sampleConfig is the configuration written by InitConfig: defaults plus
// one image device mounted by default.
func sampleConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Devices = []DeviceConfig{{
		Name: "dka0",
		Type: "image",
		Path: filepath.ToSlash(filepath.Join(getConfigDir(), "dka0.img")),
		Size: bytesize.FromBlocks(2048),
	}}
	cfg.Mount.Devices = []string{"dka0"}
	return cfg
}

// InitConfig writes a sample configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes a sample configuration to path.
func InitConfigToPath(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists at %s (use --force to overwrite)", path)
	}

	data, err := yaml.Marshal(sampleConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(sampleHeader), data...), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
