// Copyright 2026 The Session Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the session relay server's configuration.
//
// Environment variables are the authoritative, zero-config path per the
// external interface contract: every setting has a sensible default, and an
// operator can run the server with no config file at all. An optional YAML
// file, named by SESSIONRELAY_CONFIG or --config, supplies defaults that are
// applied before environment variables so a fleet of relays can share a
// checked-in base config without hand-setting a dozen env vars on each host.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved configuration for sessionrelay-server.
type Config struct {
	// RootDir is the directory tree watched for session logs.
	// Default: <home>/.claude/projects.
	RootDir string `yaml:"root_dir"`

	// HTTPAddress is the listen address for the HTTP/WebSocket surface.
	HTTPAddress string `yaml:"http_address"`

	// PublicBaseURL is prefixed to enrollment URLs embedded in QR
	// payloads. Must be reachable from the mobile client, not just the
	// server itself (e.g. "https://relay.example.com", not "localhost").
	PublicBaseURL string `yaml:"public_base_url"`

	// EnrollmentTTL bounds how long an issued enrollment token may be
	// redeemed.
	EnrollmentTTL time.Duration `yaml:"enrollment_ttl"`

	// CredentialTTL bounds how long a redeemed device credential is
	// valid without a refresh.
	CredentialTTL time.Duration `yaml:"credential_ttl"`

	// PingInterval is how often the server heartbeats a connected
	// client.
	PingInterval time.Duration `yaml:"ping_interval"`

	// Polling forces the directory watcher to use polling instead of
	// the platform's native filesystem notification backend. Useful on
	// filesystems (NFS, some container overlays) where inotify/FSEvents
	// don't fire reliably.
	Polling bool `yaml:"polling"`

	// HistoryBufferSize is the per-session ring buffer capacity, in
	// records, that a late subscriber's history prelude replays. Zero
	// (the default) discards: a subscriber only ever sees live records
	// from the moment it subscribes.
	HistoryBufferSize int `yaml:"history_buffer_size"`
}

// Default returns the configuration with every field at its documented
// default. Used as the base before a config file or environment variables
// are applied.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		RootDir:           homeDir + "/.claude/projects",
		HTTPAddress:       ":8443",
		PublicBaseURL:     "",
		EnrollmentTTL:     30 * time.Second,
		CredentialTTL:     30 * 24 * time.Hour,
		PingInterval:      30 * time.Second,
		Polling:           false,
		HistoryBufferSize: 0,
	}
}

// Load resolves configuration in priority order: built-in defaults, then an
// optional YAML file (SESSIONRELAY_CONFIG env var or configPath if
// non-empty), then environment variables. Environment variables always win,
// matching the spec's "environment variables are authoritative" contract.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = os.Getenv("SESSIONRELAY_CONFIG")
	}
	if configPath != "" {
		if err := cfg.loadFile(configPath); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", configPath, err)
		}
	}

	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// applyEnv overrides c's fields with any of the corresponding environment
// variables that are set.
func (c *Config) applyEnv() {
	if v := os.Getenv("SESSIONRELAY_ROOT_DIR"); v != "" {
		c.RootDir = v
	}
	if v := os.Getenv("SESSIONRELAY_HTTP_ADDRESS"); v != "" {
		c.HTTPAddress = v
	}
	if v := os.Getenv("SESSIONRELAY_PUBLIC_BASE_URL"); v != "" {
		c.PublicBaseURL = v
	}
	if v := os.Getenv("SESSIONRELAY_ENROLLMENT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.EnrollmentTTL = d
		}
	}
	if v := os.Getenv("SESSIONRELAY_CREDENTIAL_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.CredentialTTL = d
		}
	}
	if v := os.Getenv("SESSIONRELAY_PING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.PingInterval = d
		}
	}
	if v := os.Getenv("SESSIONRELAY_POLLING"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Polling = b
		}
	}
	if v := os.Getenv("SESSIONRELAY_HISTORY_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.HistoryBufferSize = n
		}
	}
}

// Validate checks the configuration for values the server cannot start
// with.
func (c *Config) Validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is required")
	}
	if c.HTTPAddress == "" {
		return fmt.Errorf("http_address is required")
	}
	if c.EnrollmentTTL <= 0 {
		return fmt.Errorf("enrollment_ttl must be positive")
	}
	if c.CredentialTTL <= 0 {
		return fmt.Errorf("credential_ttl must be positive")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping_interval must be positive")
	}
	if c.HistoryBufferSize < 0 {
		return fmt.Errorf("history_buffer_size must not be negative")
	}
	return nil
}
