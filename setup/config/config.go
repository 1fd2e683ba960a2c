// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"gopkg.in/yaml.v2"

	"github.com/element-hq/federation-sender/internal/sqlutil"
)

// FederationSender is the root configuration for the worker.
type FederationSender struct {
	// The name of this home-server: the origin on every outbound
	// transaction.
	ServerName spec.ServerName `yaml:"server_name"`

	// Path to the ed25519 signing key, in the "ed25519 <id> <base64>"
	// key file format.
	SigningKeyPath string `yaml:"signing_key_path"`

	// The database shared with the home-server.
	Database sqlutil.DatabaseOptions `yaml:"database"`

	Replication Replication `yaml:"replication"`
	Client      Client      `yaml:"client"`
	Metrics     Metrics     `yaml:"metrics"`
	Sentry      Sentry      `yaml:"sentry"`
	Cache       Cache       `yaml:"cache"`
}

// Replication is the upstream replication listener to consume.
type Replication struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// The name this worker identifies itself with on connect.
	ClientName string `yaml:"client_name"`
}

// Client configures the outbound federation HTTP client.
type Client struct {
	// When true, the federation client skips TLS certificate verification
	// for remote servers entirely; it is not limited to name or chain failures.
	AllowSelfSigned bool `yaml:"allow_self_signed"`
	// Upper bound on transactions in flight across all destinations.
	MaxConcurrency int `yaml:"max_concurrency"`
}

type Metrics struct {
	// Address for /metrics and /health; empty disables the listener.
	ListenAddress string `yaml:"listen_address"`
}

type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type Cache struct {
	MaxSizeBytes int64         `yaml:"max_size_bytes"`
	MaxAge       time.Duration `yaml:"max_age"`
}

// DefaultClientName matches what the upstream expects from this worker
// family.
const DefaultClientName = "NETCORESynapseReplication"

func (c *FederationSender) Defaults() {
	if c.Replication.ClientName == "" {
		c.Replication.ClientName = DefaultClientName
	}
	if c.Client.MaxConcurrency == 0 {
		c.Client.MaxConcurrency = 100
	}
	if c.Cache.MaxSizeBytes == 0 {
		c.Cache.MaxSizeBytes = 16 * 1024 * 1024
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = 5 * time.Minute
	}
	c.Database.Defaults(10)
}

func (c *FederationSender) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "server_name", string(c.ServerName))
	checkNotEmpty(configErrs, "signing_key_path", c.SigningKeyPath)
	checkNotEmpty(configErrs, "database.connection_string", string(c.Database.ConnectionString))
	checkNotEmpty(configErrs, "replication.host", c.Replication.Host)
	checkPositive(configErrs, "replication.port", int64(c.Replication.Port))
	checkPositive(configErrs, "client.max_concurrency", int64(c.Client.MaxConcurrency))
	if c.Sentry.Enabled {
		checkNotEmpty(configErrs, "sentry.dsn", c.Sentry.DSN)
	}
	if c.Database.ConnectionString != "" &&
		!c.Database.ConnectionString.IsSQLite() && !c.Database.ConnectionString.IsPostgres() {
		configErrs.Add(fmt.Sprintf("unrecognised database type in %q", "database.connection_string"))
	}
}

// Load reads, defaults and verifies the configuration. All problems are
// reported together rather than one at a time.
func Load(path string) (*FederationSender, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg FederationSender
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Defaults()
	var configErrs ConfigErrors
	cfg.Verify(&configErrs)
	if len(configErrs) > 0 {
		return nil, configErrs
	}
	return &cfg, nil
}

// ConfigErrors collects every problem found while verifying the config.
type ConfigErrors []string

func (errs *ConfigErrors) Add(str string) {
	*errs = append(*errs, str)
}

func (errs ConfigErrors) Error() string {
	if len(errs) == 1 {
		return errs[0]
	}
	return fmt.Sprintf("%s (and %d other problems)", errs[0], len(errs)-1)
}

func checkNotEmpty(configErrs *ConfigErrors, key, value string) {
	if value == "" {
		configErrs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

func checkPositive(configErrs *ConfigErrors, key string, value int64) {
	if value <= 0 {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %d", key, value))
	}
}
