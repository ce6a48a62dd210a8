package main

import (
	"fmt"
	"os"

	"github.com/ipsframework/ipsportal/pkg/config"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Load and validate the configuration the same way serve does, then
print it as YAML with credentials masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFiles...)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}

		out, err := cfg.YAML()
		if err != nil {
			return err
		}

		_, err = os.Stdout.Write(out)

		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
