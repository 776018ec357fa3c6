// Package cmd provides the CLI commands for the tool gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/Toolgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tool-gate",
	Short: "Tool Gate - governed tool execution gateway",
	Long: `Tool Gate sits between AI agent orchestrators and downstream tool
servers. Every proposed tool call is evaluated against policy before it
runs: low-risk calls execute immediately, risky calls wait for human
approval, and disallowed calls are blocked. Every decision is persisted
with redacted arguments for audit.

Quick start:
  1. Create a config file: tool-gate.yaml
  2. Run: tool-gate serve

Configuration:
  Config is loaded from tool-gate.yaml in the current directory,
  $HOME/.tool-gate/, or /etc/tool-gate/.

  Environment variables can override config values with the TOOLGATE_ prefix.
  Example: TOOLGATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the gateway server
  hash-key    Generate an Argon2id hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./tool-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
