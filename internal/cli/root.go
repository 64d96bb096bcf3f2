// Package cli implements the termhub command line.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	build   = "unknown"
)

var (
	addr     string
	logLevel string
	pretty   bool
	dataDir  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "termhub",
	Short: "termhub - shared terminal sessions over WebSocket",
	Long: `termhub serves persistent shell sessions to browser clients.
Several clients can attach to the same session, and scrollback is replayed
when a client connects or the server restarts.`,
	SilenceUsage: true,
}

// Execute runs the root command with the given version and build stamp.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(v, b string) error {
	version, build = v, b
	rootCmd.Version = v + " (" + b + ")"
	return rootCmd.Execute()
}

func init() {
	// Global flags override the environment when set
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "", "HTTP listen address (default from TERMHUB_ADDR)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "human readable console logs")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory for the database and history files")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}
