package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	envFile string
	// Build information, set with -ldflags
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func printVersionInfo() {
	fmt.Printf("fern %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fern",
	Short: "Companies registry bulk ingestion service",
	Long: "Downloads registry snapshot files, stages companies, officers and financials in PostgreSQL, " +
		"and promotes quality-gated batches into the production tables.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Flags().Lookup("version") != nil && cmd.Flags().Lookup("version").Changed {
			printVersionInfo()
			return nil
		}
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file (defaults to ./.env when present)")
	rootCmd.Flags().Bool("version", false, "Show version information and exit")

	setupCommands()
}

func main() {
	Execute()
}
