package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// runConfig mirrors runCmdArgs for YAML loading: start from
// defaultRunConfig, unmarshal a YAML file over it, and let any flag the
// user actually passed on the command line win over the file.
type runConfig struct {
	Participants int    `yaml:"participants"`
	Messages     int    `yaml:"messages"`
	PayloadSize  int    `yaml:"payload_size"`
	MaxPayload   int    `yaml:"max_payload"`
	MsgCount     int    `yaml:"msg_count"`
	Debug        bool   `yaml:"debug"`
	LogLevel     string `yaml:"log_level"`
}

// defaultRunConfig returns the same defaults the run command's flags fall
// back to when neither a flag nor a config file sets them.
func defaultRunConfig() *runConfig {
	return &runConfig{
		Participants: 4,
		Messages:     20,
		PayloadSize:  24,
		MaxPayload:   256,
		MsgCount:     256,
		LogLevel:     "info",
	}
}

// loadRunConfig reads a YAML run configuration from path, starting from
// defaultRunConfig so an omitted field keeps its default.
func loadRunConfig(path string) (*runConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaultRunConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse YAML config: %w", err)
	}
	return cfg, nil
}
