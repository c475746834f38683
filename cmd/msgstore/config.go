package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"msgstore/internal/app"
	"msgstore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])
		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir:     %s\n", cfg.BaseDir)
		fmt.Printf("Archive Root: %s\n", cfg.Store.ArchiveRoot)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		database := "disabled"
		if cfg.Database.Enabled() {
			database = cfg.Database.Type
			if cfg.Database.UseDatabase {
				database += " (all collections)"
			}
		}

		fmt.Printf("Base Dir:      %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:       %s\n", cfg.LogDir)
		fmt.Printf("Archive Root:  %s\n", cfg.Store.ArchiveRoot)
		fmt.Printf("Mirror Root:   %s\n", orNone(cfg.Store.MirrorRoot))
		fmt.Printf("Lock Timeout:  %s\n", cfg.Store.LockTimeoutDuration())
		fmt.Printf("Database:      %s\n", database)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:         %s (%s)\n", v.Name, v.Type)
		}
		for _, s := range cfg.Store.ReleaseSubjects {
			fmt.Printf("Release Subj.: %s\n", s)
		}
		return nil
	},
}

var configVaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage vault",
}

var configVaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the vault is reachable and writable",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ValidateVault")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.ValidateVault(cmd.Context()); err != nil {
			return fmt.Errorf("vault check failed: %w", err)
		}
		fmt.Println("Vault OK")
		return nil
	},
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configVaultCmd)
	configVaultCmd.AddCommand(configVaultCheckCmd)
}
