package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"msgstore/internal/app"
	"msgstore/internal/config"
)

func main() {
	if err := app.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var verbose bool

// loadConfig reads the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates a MsgApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Submit", "Import").
func newApp(ctx context.Context, operation string) (*app.MsgApp, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewMsgApp(ctx, cfg, operation, app.Options{Verbose: verbose})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

var rootCmd = &cobra.Command{
	Use:          "msgstore",
	Short:        "Deposition correspondence store",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log progress to stderr")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(opsCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(markReadCmd)
	rootCmd.AddCommand(tagCmd)
	rootCmd.AddCommand(threadCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(keysCmd)
}
