package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/elidickinson/claude-code-mux/internal/process"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the routing proxy",
	RunE: func(_ *cobra.Command, _ []string) error {
		procMgr := process.NewManager(baseDir)
		if !procMgr.IsRunning() {
			color.Yellow("Service is not running")
			return nil
		}
		if err := procMgr.Stop(); err != nil {
			return err
		}
		color.Green("Service stopped")
		return nil
	},
}
