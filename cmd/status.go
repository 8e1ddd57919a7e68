package cmd

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/elidickinson/claude-code-mux/internal/process"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	Run: func(_ *cobra.Command, _ []string) {
		procMgr := process.NewManager(baseDir)
		if procMgr.IsRunning() {
			color.Green("Service is running (PID %d)", procMgr.ReadPID())
		} else {
			color.Red("Service is not running")
		}
	},
}
