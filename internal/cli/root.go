// Package cli implements the nfcond command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bolasblack/nfcond/internal/config"
	"github.com/bolasblack/nfcond/internal/util"
)

var (
	// Version, Commit, and Date are set at build time via ldflags
	Version = "dev"
	Commit  = ""
	Date    = ""
)

var rootCmd = NewRootCmd()

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nfcond",
		Short: "nfcond - runtime on/off switches for firewall rules",
		Long: `nfcond keeps named condition variables that firewall rules match against.

Rules reference a condition by name; operators flip it between 0 and 1
through a control node, turning whole groups of rules on or off without
touching the rule set.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate(fmt.Sprintf("nfcond version %s\ncommit: %s\ndate: %s\n", Version, Commit, Date))

	cmd.PersistentFlags().String("socket", defaultSocket(), "daemon API address (unix:///path or tcp://host:port)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newNsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newToggleCmd())
	cmd.AddCommand(newRuleCmd())
	return cmd
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GetRootCmd returns the root command for documentation generation.
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func defaultSocket() string {
	if s := os.Getenv(util.EnvSocket); s != "" {
		return s
	}
	return config.DefaultListen
}
