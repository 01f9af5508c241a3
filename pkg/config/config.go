// Copyright 2025-2026 The crossposter authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config loads and validates the crossposter configuration file.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the root of the YAML configuration.
type Config struct {
	Database dbutil.Config     `yaml:"database"`
	Redis    RedisConfig       `yaml:"redis"`
	MaxAPI   MaxAPIConfig      `yaml:"max_api"`
	Source   SourceConfig      `yaml:"source"`
	HTTP     HTTPConfig        `yaml:"http"`
	Relay    RelayConfig       `yaml:"relay"`
	Backfill BackfillConfig    `yaml:"backfill"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// LinkCacheTTL bounds how stale a cached link resolution may get.
	LinkCacheTTL time.Duration `yaml:"link_cache_ttl"`
}

type MaxAPIConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

type SourceConfig struct {
	// BaseURL is the local HTTP endpoint of the Telegram client used for
	// history pages and media downloads during backfill.
	BaseURL string `yaml:"base_url"`
}

type HTTPConfig struct {
	// Listen is the address of the local ingest/control API.
	Listen string `yaml:"listen"`
}

type RelayConfig struct {
	MediaGroupWindow   time.Duration `yaml:"media_group_window"`
	MediaGroupMaxWait  time.Duration `yaml:"media_group_max_wait"`
	MediaGroupMaxParts int           `yaml:"media_group_max_parts"`
	DedupCacheSize     int           `yaml:"dedup_cache_size"`
	MaxRetryAttempts   int           `yaml:"max_retry_attempts"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
	MessagesPerSecond  float64       `yaml:"messages_per_second"`
	MaxConcurrentSends int64         `yaml:"max_concurrent_sends"`
	QueueSize          int           `yaml:"queue_size"`
	UploadAttempts     int           `yaml:"upload_attempts"`
	UploadRetryDelay   time.Duration `yaml:"upload_retry_delay"`
}

type BackfillConfig struct {
	PageSize int `yaml:"page_size"`
	FanOut   int `yaml:"fan_out"`
	// MaxPosts caps how many posts one run processes, zero disables the cap.
	MaxPosts         int           `yaml:"max_posts"`
	ProgressEvery    int           `yaml:"progress_every"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

func (cfg *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	err := node.Decode((*rawConfig)(cfg))
	if err != nil {
		return err
	}
	return cfg.PostProcess()
}

// PostProcess fills defaults and validates the required fields.
func (cfg *Config) PostProcess() error {
	if cfg.MaxAPI.BaseURL == "" {
		cfg.MaxAPI.BaseURL = "https://botapi.max.ru"
	}
	if cfg.MaxAPI.Token == "" {
		return fmt.Errorf("max_api.token is required")
	}
	if cfg.Database.URI == "" {
		return fmt.Errorf("database.uri is required")
	}
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = "127.0.0.1:29555"
	}
	if cfg.Source.BaseURL == "" {
		cfg.Source.BaseURL = "http://127.0.0.1:29556"
	}
	if cfg.Redis.LinkCacheTTL <= 0 {
		cfg.Redis.LinkCacheTTL = 5 * time.Minute
	}

	relay := &cfg.Relay
	if relay.MediaGroupWindow <= 0 {
		relay.MediaGroupWindow = 2 * time.Second
	}
	if relay.MediaGroupMaxWait <= 0 {
		relay.MediaGroupMaxWait = 10 * time.Second
	}
	if relay.MediaGroupMaxParts <= 0 {
		relay.MediaGroupMaxParts = 10
	}
	if relay.DedupCacheSize <= 0 {
		relay.DedupCacheSize = 10000
	}
	if relay.MaxRetryAttempts <= 0 {
		relay.MaxRetryAttempts = 3
	}
	if relay.RetryBaseDelay <= 0 {
		relay.RetryBaseDelay = time.Second
	}
	if relay.RetryMaxDelay <= 0 {
		relay.RetryMaxDelay = 30 * time.Second
	}
	if relay.MessagesPerSecond <= 0 {
		relay.MessagesPerSecond = 1
	}
	if relay.MaxConcurrentSends <= 0 {
		relay.MaxConcurrentSends = 4
	}
	if relay.QueueSize <= 0 {
		relay.QueueSize = 256
	}
	if relay.UploadAttempts <= 0 {
		relay.UploadAttempts = 3
	}
	if relay.UploadRetryDelay <= 0 {
		relay.UploadRetryDelay = 2 * time.Second
	}

	backfill := &cfg.Backfill
	if backfill.PageSize <= 0 {
		backfill.PageSize = 100
	}
	if backfill.FanOut <= 0 {
		backfill.FanOut = 3
	}
	if backfill.ProgressEvery <= 0 {
		backfill.ProgressEvery = 10
	}
	if backfill.ProgressInterval <= 0 {
		backfill.ProgressInterval = 30 * time.Second
	}
	return nil
}

// Load reads and parses the config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
