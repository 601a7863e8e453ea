/*
Copyright © 2022 - 2024 SUSE LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the broker's configuration (§6):
// the D-Bus name it owns, which bus to connect to, the per-connection
// quotas, and the TCTI used to reach the device. Load reads whatever
// sources the caller's viper holds, following viper's usual layering;
// the tabrmd command binds environment variables and command line flags
// (flags take precedence) and reads no configuration file.
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Bus selects which D-Bus instance the broker connects to.
type Bus string

const (
	BusSystem  Bus = "system"
	BusSession Bus = "session"
)

// Defaults mirror the daemon's historical command line defaults.
const (
	DefaultDBusName             = "com.intel.tss2.Tabrmd2"
	DefaultBus                  = BusSystem
	DefaultFlushAllOnStart       = false
	DefaultMaxConnections        = 27
	DefaultMaxSessionsPerConn    = 4
	DefaultMaxTransientsPerConn  = 27
	DefaultPRNGSeedFile          = ""
	DefaultAllowRoot             = false
	DefaultTCTIConf              = "device:/dev/tpmrm0"
)

// Bounds enforced on the matching quota fields, per §6.
const (
	MaxConnectionsCeiling       = 100
	MaxSessionsPerConnCeiling   = 64
	MaxTransientsPerConnCeiling = 100
)

// Config is the full set of options consumed by the broker process (§6).
type Config struct {
	DBusName             string `mapstructure:"dbus_name"`
	Bus                  Bus    `mapstructure:"bus"`
	FlushAllOnStart      bool   `mapstructure:"flush_all_on_start"`
	MaxConnections       int    `mapstructure:"max_connections"`
	MaxSessionsPerConn   int    `mapstructure:"max_sessions_per_conn"`
	MaxTransientsPerConn int    `mapstructure:"max_transients_per_conn"`
	PRNGSeedFile         string `mapstructure:"prng_seed_file"`
	AllowRoot            bool   `mapstructure:"allow_root"`
	TCTIConf             string `mapstructure:"tcti_conf"`
}

// defaults returns a Config populated with the daemon's built-in defaults,
// the starting point Load unmarshals viper's layered values on top of.
func defaults() Config {
	return Config{
		DBusName:             DefaultDBusName,
		Bus:                  DefaultBus,
		FlushAllOnStart:      DefaultFlushAllOnStart,
		MaxConnections:       DefaultMaxConnections,
		MaxSessionsPerConn:   DefaultMaxSessionsPerConn,
		MaxTransientsPerConn: DefaultMaxTransientsPerConn,
		PRNGSeedFile:         DefaultPRNGSeedFile,
		AllowRoot:            DefaultAllowRoot,
		TCTIConf:             DefaultTCTIConf,
	}
}

// Load builds a Config from v, which the caller has already pointed at a
// config file (if any) and bound to the process's flags and environment
// (§6's configuration options, loaded the cobra/viper way). Load decodes
// on top of the built-in defaults so a value absent from every source
// still gets a sane default, then validates every bound quota.
func Load(v *viper.Viper) (*Config, error) {
	cfg := defaults()
	decoderOpt := func(dc *mapstructure.DecoderConfig) {
		dc.ErrorUnused = false
	}
	if err := v.Unmarshal(&cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("config: could not decode configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the bounds §6 places on every quota, and the closed
// set of values Bus may take.
func (c *Config) Validate() error {
	if c.Bus != BusSystem && c.Bus != BusSession {
		return fmt.Errorf("config: bus must be %q or %q, got %q", BusSystem, BusSession, c.Bus)
	}
	if c.MaxConnections < 1 || c.MaxConnections > MaxConnectionsCeiling {
		return fmt.Errorf("config: max_connections must be between 1 and %d, got %d", MaxConnectionsCeiling, c.MaxConnections)
	}
	if c.MaxSessionsPerConn < 1 || c.MaxSessionsPerConn > MaxSessionsPerConnCeiling {
		return fmt.Errorf("config: max_sessions_per_conn must be between 1 and %d, got %d", MaxSessionsPerConnCeiling, c.MaxSessionsPerConn)
	}
	if c.MaxTransientsPerConn < 1 || c.MaxTransientsPerConn > MaxTransientsPerConnCeiling {
		return fmt.Errorf("config: max_transients_per_conn must be between 1 and %d, got %d", MaxTransientsPerConnCeiling, c.MaxTransientsPerConn)
	}
	if c.DBusName == "" {
		return fmt.Errorf("config: dbus_name must not be empty")
	}
	return nil
}
