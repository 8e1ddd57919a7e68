package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/elidickinson/claude-code-mux/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample configuration file",
	RunE: func(_ *cobra.Command, _ []string) error {
		if cfgMgr.Exists() {
			return fmt.Errorf("configuration already exists at %s", cfgMgr.Path())
		}
		if err := cfgMgr.SaveConfig(config.Sample()); err != nil {
			return err
		}
		color.Green("Wrote sample configuration to %s", cfgMgr.Path())
		fmt.Println("Edit the provider api_key entries, then run 'ccm start'.")
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration",
	RunE: func(_ *cobra.Command, _ []string) error {
		data, err := os.ReadFile(cfgMgr.Path())
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file for errors",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, dropped, err := cfgMgr.Load()
		if err != nil {
			return err
		}
		for _, msg := range dropped {
			color.Yellow("warning: %s", msg)
		}
		color.Green("Configuration valid: %d providers, %d models",
			len(cfg.Providers), len(cfg.Models))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}
