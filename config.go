package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"

	"github.com/ibcp/ibcp/transfer"
)

// Defaults match the original deployment: a fixed well-known port, a 4 KiB
// transfer buffer, and a fixed artifact name on the receiving side.
const (
	defaultPort           = 7471
	defaultBufferSize     = 4096
	defaultArtifact       = "received_file.bin"
	defaultResolveTimeout = 2000 * time.Millisecond
)

// tomlConfig describes the TOML configuration file.
type tomlConfig struct {
	Transfer transferConf
	Log      logConf
}

// transferConf describes the Transfer configuration block.
type transferConf struct {
	Port             int
	BufferSize       int    `toml:"buffer_size"`
	Artifact         string `toml:"artifact"`
	ResolveTimeoutMS int    `toml:"resolve_timeout_ms"`
}

// logConf describes the Log configuration block.
type logConf struct {
	Level string
}

type config struct {
	Port           int
	BufferSize     int
	Artifact       string
	ResolveTimeout time.Duration
	LogLevel       logrus.Level
}

func defaultConfig() config {
	return config{
		Port:           defaultPort,
		BufferSize:     defaultBufferSize,
		Artifact:       defaultArtifact,
		ResolveTimeout: defaultResolveTimeout,
		LogLevel:       logrus.InfoLevel,
	}
}

// loadConfig returns the built-in defaults, overridden by the TOML file at
// path when one is given.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, cfg.validate()
	}

	var tc tomlConfig
	if _, err := toml.DecodeFile(path, &tc); err != nil {
		return cfg, fmt.Errorf("parse configuration %s: %w", path, err)
	}

	if tc.Transfer.Port != 0 {
		cfg.Port = tc.Transfer.Port
	}
	if tc.Transfer.BufferSize != 0 {
		cfg.BufferSize = tc.Transfer.BufferSize
	}
	if tc.Transfer.Artifact != "" {
		cfg.Artifact = tc.Transfer.Artifact
	}
	if tc.Transfer.ResolveTimeoutMS != 0 {
		cfg.ResolveTimeout = time.Duration(tc.Transfer.ResolveTimeoutMS) * time.Millisecond
	}
	if tc.Log.Level != "" {
		level, err := logrus.ParseLevel(tc.Log.Level)
		if err != nil {
			return cfg, fmt.Errorf("log.level: %w", err)
		}
		cfg.LogLevel = level
	}

	return cfg, cfg.validate()
}

func (c config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("transfer.port %d out of range", c.Port)
	}
	if c.BufferSize < transfer.HeaderSize {
		return fmt.Errorf("transfer.buffer_size %d below the %d-byte header", c.BufferSize, transfer.HeaderSize)
	}
	if c.Artifact == "" {
		return fmt.Errorf("transfer.artifact is empty")
	}
	if c.ResolveTimeout <= 0 {
		return fmt.Errorf("transfer.resolve_timeout_ms must be positive")
	}
	return nil
}
