// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "corral.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

const DefaultMetadataPlugin = "sqlite"

type Config struct {
	MetadataPlugin    string `yaml:"metadataPlugin"    envconfig:"CORRAL_DATABASE_METADATA_PLUGIN"`
	DatabasePath      string `yaml:"databasePath"                                                  split_words:"true"`
	PostgresDsn       string `yaml:"postgresDsn"       envconfig:"CORRAL_POSTGRES_DSN"`
	BindAddr          string `yaml:"bindAddr"                                                      split_words:"true"`
	SettlementUrl     string `yaml:"settlementUrl"     envconfig:"CORRAL_SETTLEMENT_URL"`
	SettlementQueue   string `yaml:"settlementQueue"   envconfig:"CORRAL_SETTLEMENT_QUEUE"`
	ScreeningEndpoint string `yaml:"screeningEndpoint"                                             split_words:"true"`
	PendingTimeout    string `yaml:"pendingTimeout"                                                split_words:"true"`
	ReapInterval      string `yaml:"reapInterval"                                                  split_words:"true"`
	ReconcileInterval string `yaml:"reconcileInterval"                                             split_words:"true"`
	ShutdownTimeout   string `yaml:"shutdownTimeout"                                               split_words:"true"`
	// Compliance rule tuning (decimal amounts and a duration; empty =
	// evaluator defaults)
	LargeContributionThreshold string `yaml:"largeContributionThreshold" split_words:"true"`
	CumulativeThreshold        string `yaml:"cumulativeThreshold"        split_words:"true"`
	RapidActivityWindow        string `yaml:"rapidActivityWindow"        split_words:"true"`
	ApiPort                    uint   `yaml:"apiPort"                    envconfig:"port"`
	MetricsPort                uint   `yaml:"metricsPort"                split_words:"true"`
	Tracing                    bool   `yaml:"tracing"`
	TracingStdout              bool   `yaml:"tracingStdout"              split_words:"true"`
}

var globalConfig = &Config{
	MetadataPlugin:    DefaultMetadataPlugin,
	DatabasePath:      ".corral",
	BindAddr:          "0.0.0.0",
	ApiPort:           8080,
	MetricsPort:       12798,
	PendingTimeout:    "30m",
	ReapInterval:      "1m",
	ReconcileInterval: "15m",
	ShutdownTimeout:   DefaultShutdownTimeout,
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.corral/corral.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".corral", "corral.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/corral/corral.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/corral/corral.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Overlay config values onto existing defaults
		err = yaml.Unmarshal(buf, globalConfig)
		if err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	err := envconfig.Process("corral", globalConfig)
	if err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}

	// Validate and default the metadata plugin
	switch globalConfig.MetadataPlugin {
	case "":
		globalConfig.MetadataPlugin = DefaultMetadataPlugin
	case "sqlite", "postgres":
		// Valid
	default:
		return nil, fmt.Errorf(
			"invalid metadataPlugin: %q (must be 'sqlite' or 'postgres')",
			globalConfig.MetadataPlugin,
		)
	}

	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}
