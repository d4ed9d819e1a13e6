package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/hamed0406/devopsguardian/internal/config"
)

const defaultConfigFile = "guardian.yaml"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Synthetic transaction monitoring",
	Long: `DevOps-Guardian runs scripted API, content, form and navigation checks
on a schedule, keeps their history and raises alerts when a transaction
goes down, degrades or recovers.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("GUARDIAN_CONFIG"),
		"config file (default guardian.yaml if present)")
}

// loadConfig reads the config file named by --config, falling back to
// guardian.yaml in the working directory and then to defaults plus env.
func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath(configPath))
}

func resolveConfigPath(p string) string {
	if p != "" {
		return p
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}
