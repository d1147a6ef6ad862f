// Command pdessim runs one rank of the PDES kernel. The command-line
// surface is deliberately thin: it loads the structured configuration
// pkg/config defines, wires up logging and metrics, and launches
// pkg/simulation. Anything domain-specific (what agents actually run)
// is a library-embedding concern, not a flag this binary parses.
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/pdes/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pdessim",
	Short:   "pdessim - a parallel discrete-event simulation kernel",
	Long:    `pdessim runs one or more ranks of a Time-Warp / conservative PDES kernel, coordinating through the scheduler, transport, and GVT packages this module implements.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pdessim version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
