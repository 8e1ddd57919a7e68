package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/elidickinson/claude-code-mux/internal/process"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the routing proxy in the background",
	RunE: func(_ *cobra.Command, _ []string) error {
		procMgr := process.NewManager(baseDir)
		if procMgr.IsRunning() {
			if err := procMgr.Stop(); err != nil {
				return err
			}
		}

		var args []string
		if cfgPath != "" {
			args = append(args, "--config", cfgPath)
		}
		if err := procMgr.StartDetached(args...); err != nil {
			return err
		}
		if !procMgr.WaitForService(10 * time.Second) {
			return fmt.Errorf("service did not come up within 10s")
		}
		color.Green("Service restarted (PID %d)", procMgr.ReadPID())
		return nil
	},
}
