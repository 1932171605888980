// Copyright 2025 Chris Watkins
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the YAML configuration file.
//
// All settings travel in the returned Config struct; nothing is read
// from or written to the process environment.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Built-in fallbacks, used when the config file does not set
// defaults.scan values.
const (
	DefaultScanLimit       = 50
	DefaultMarkDeletedDays = 30
)

// Graph identifies the application and mailbox in the Microsoft
// identity platform.
type Graph struct {
	TenantID     string `mapstructure:"tenant_id"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	EmailUser    string `mapstructure:"email_user"`
}

// Database locates the message store.
type Database struct {
	Path string `mapstructure:"path"`
}

// Paths holds filesystem locations used by the process.
type Paths struct {
	LockFile string `mapstructure:"lock_file"`
	LogFile  string `mapstructure:"log_file"`
}

// Scan carries the default thresholds for the scan command.
type Scan struct {
	Limit                int `mapstructure:"limit"`
	MarkDeletedAfterDays int `mapstructure:"mark_deleted_after_days"`
}

// Defaults groups per-command default settings.
type Defaults struct {
	Scan Scan `mapstructure:"scan"`
}

// Logging configures the process-wide logger.
type Logging struct {
	Level string `mapstructure:"level"`
}

// Config is the top-level application configuration.
type Config struct {
	Graph    Graph    `mapstructure:"graph"`
	Database Database `mapstructure:"database"`
	Paths    Paths    `mapstructure:"paths"`
	Defaults Defaults `mapstructure:"defaults"`
	Logging  Logging  `mapstructure:"logging"`
}

// Load reads the YAML file at path into a Config, applying built-in
// defaults and validating that the required sections are present.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("defaults.scan.limit", DefaultScanLimit)
	v.SetDefault("defaults.scan.mark_deleted_after_days", DefaultMarkDeletedDays)
	v.SetDefault("logging.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "reading config file %q", path)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %q", path)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Graph == (Graph{}):
		return errors.New("missing required section in config file: graph")
	case c.Database == (Database{}):
		return errors.New("missing required section in config file: database")
	case c.Paths.LockFile == "":
		return errors.New("missing required section in config file: paths")
	}
	return nil
}
