// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
	"time"

	"github.com/stream-audio/udpjitter"
	"gopkg.in/yaml.v3"
)

// fileConfig holds the jitterprobe configuration file contents. Flags
// override the file, which overrides the built-in defaults.
type fileConfig struct {
	// Listen is the address the probe server binds.
	Listen string `yaml:"listen"`

	// Server is the probe server address reflectors connect to.
	Server string `yaml:"server"`

	// IntervalMillis is the probe spacing in milliseconds.
	IntervalMillis int `yaml:"interval_millis"`

	// MarkVoice toggles the DSCP expedited-forwarding marking.
	MarkVoice bool `yaml:"mark_voice"`
}

// interval returns the configured probe spacing.
func (c *fileConfig) interval() time.Duration {
	return time.Duration(c.IntervalMillis) * time.Millisecond
}

// defaultConfigPath returns the default config file path.
func defaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "jitterprobe.yaml")
	}
	return filepath.Join(base, "jitterprobe", "config.yaml")
}

// loadConfig reads the configuration from the given YAML file path.
// If the file does not exist, it returns the defaults with no error.
func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{
		Listen:         udpjitter.DefaultListenAddr,
		Server:         "",
		IntervalMillis: int(udpjitter.DefaultSendInterval / time.Millisecond),
		MarkVoice:      true,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
