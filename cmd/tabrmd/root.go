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

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rancher/tabrmd/pkg/broker"
	"github.com/rancher/tabrmd/pkg/config"
)

// NewRootCmd builds the tabrmd command: the daemon itself, plus a
// "config" diagnostic subcommand. Every option is settable as a flag or
// as a TABRMD_* environment variable (§6); no configuration file is
// read.
func NewRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "tabrmd",
		Short:         "TPM2 Access Broker and Resource Manager Daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v, cmd)
		},
	}

	flags := cmd.Flags()
	flags.StringP("dbus-name", "n", config.DefaultDBusName, "Name for the daemon to own on the bus")
	flags.BoolP("session", "s", false, "Connect to the session bus (system bus is default)")
	flags.BoolP("flush-all", "f", config.DefaultFlushAllOnStart, "Flush all objects and sessions from the TPM on startup")
	flags.IntP("max-connections", "m", config.DefaultMaxConnections, "Maximum number of client connections")
	flags.IntP("max-sessions", "e", config.DefaultMaxSessionsPerConn, "Maximum number of sessions per connection")
	flags.IntP("max-transients", "r", config.DefaultMaxTransientsPerConn, "Maximum number of loaded transient objects per client")
	flags.StringP("prng-seed-file", "g", config.DefaultPRNGSeedFile, "File to read a seed value for the PRNG from")
	flags.BoolP("allow-root", "o", config.DefaultAllowRoot, "Allow the daemon to run as root")
	flags.StringP("tcti", "t", config.DefaultTCTIConf, "TCTI configuration string")
	flags.Bool("debug", false, "Enable debug logging")

	bindFlags(v, flags)
	v.SetEnvPrefix("TABRMD")
	v.AutomaticEnv()

	cmd.AddCommand(newConfigCmd(cmd))

	return cmd
}

// bindFlags wires every flag tabrmd accepts to its matching viper key, so
// a value set via flag or environment variable reaches config.Load the
// same way regardless of source.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	bind := map[string]string{
		"dbus_name":               "dbus-name",
		"flush_all_on_start":      "flush-all",
		"max_connections":         "max-connections",
		"max_sessions_per_conn":   "max-sessions",
		"max_transients_per_conn": "max-transients",
		"prng_seed_file":          "prng-seed-file",
		"allow_root":              "allow-root",
		"tcti_conf":               "tcti",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	_ = v.BindPFlag("session", flags.Lookup("session"))
	_ = v.BindPFlag("debug", flags.Lookup("debug"))
}

func run(v *viper.Viper, cmd *cobra.Command) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if v.GetBool("debug") {
		log.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("session") {
		v.Set("bus", string(config.BusSession))
	}

	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	if !cfg.AllowRoot && os.Geteuid() == 0 {
		return fmt.Errorf("tabrmd: refusing to run as root; pass --allow-root to override")
	}

	log.WithField("version", getBuildInfo().Version).Info("tabrmd: starting")

	b, err := broker.New(cfg, log)
	if err != nil {
		return fmt.Errorf("tabrmd: could not initialise broker: %w", err)
	}
	if err := b.Run(); err != nil {
		return fmt.Errorf("tabrmd: could not start broker: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("tabrmd: shutting down")
	if err := b.Shutdown(); err != nil {
		log.WithError(err).Warn("tabrmd: shutdown reported errors")
	}
	return nil
}
