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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/rancher/tabrmd/pkg/config"
)

// newConfigCmd adds a "config" subcommand that resolves the same layered
// configuration Run would use (environment, flags; no configuration file
// is read) and prints it back as YAML, without opening the TCTI or
// claiming the bus. It accepts every flag of the root command. Operators
// use it to sanity-check what the daemon would actually start with.
func newConfigCmd(root *cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "config",
		Short:         "Print the resolved configuration and exit",
		Args:          cobra.ExactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			bindFlags(v, root.Flags())

			if sess, _ := root.Flags().GetBool("session"); sess {
				v.Set("bus", string(config.BusSession))
			}
			v.SetEnvPrefix("TABRMD")
			v.AutomaticEnv()

			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("tabrmd: could not marshal configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().AddFlagSet(root.Flags())
	return cmd
}
