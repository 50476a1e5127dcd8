// Package cli implements the afar command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agusx1211/afar/internal/config"
	"github.com/agusx1211/afar/internal/debug"
)

const (
	colorReset = "\033[0m"
	colorBold  = "\033[1m"
	colorDim   = "\033[2m"
	colorRed   = "\033[31m"

	styleBoldCyan  = "\033[1;36m"
	styleBoldWhite = "\033[1;37m"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "afar",
	Short: "Agent From Afar",
	Long: colorBold + `
        __
  __ _ / _| __ _ _ __
 / _` + "`" + ` | |_ / _` + "`" + ` | '__|
| (_| |  _| (_| | |
 \__,_|_|  \__,_|_|` + colorReset + `

  ` + styleBoldCyan + `Agent From Afar` + colorReset + `

  Drive a long-running coding agent from your paired devices.
  afar keeps one encrypted channel per device, streams agent output
  live to everyone connected, and queues it for whoever is not.

` + colorBold + `Getting Started:` + colorReset + `
  afar serve                      Start the orchestrator
  afar pair --name phone          Pair a new device (prints a QR code)
  afar devices                    List paired devices
  afar status                     Show orchestrator status

` + colorBold + `More Info:` + colorReset + `
  https://github.com/agusx1211/afar`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.afar/debug/")
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file path (default ~/.afar/config.yaml)")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && os.Getenv("AFAR_DEBUG") != "1" {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		debug.LogKV("cli", "afar starting",
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// configPath resolves the --config flag.
func configPath() string {
	if cfgPath != "" {
		return cfgPath
	}
	return config.DefaultPath()
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
