package cmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/elidickinson/claude-code-mux/internal/process"
	"github.com/elidickinson/claude-code-mux/internal/server"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the routing proxy",
	Long:  `Start the routing proxy in the foreground.`,
	RunE:  runStart,
}

func runStart(_ *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found at %s", cfgMgr.Path())
		fmt.Println("Run 'ccm config init' to create one.")
		return fmt.Errorf("configuration required")
	}

	srv, err := server.New(cfgMgr, baseDir, logger)
	if err != nil {
		return err
	}

	procMgr := process.NewManager(baseDir)
	if err := procMgr.WritePID(); err != nil {
		return err
	}
	defer procMgr.CleanupPID()

	color.Green("Starting %s v%s", AppName, Version)
	return srv.Run()
}
