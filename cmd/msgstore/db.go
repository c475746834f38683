package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"msgstore/internal/app"
	"msgstore/internal/router"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the message database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := app.Migrate(cfg)
		if err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
		fmt.Printf("Schema at version %d\n", st.Current)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show schema version and row counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := app.MigrationStatus(cfg)
		if err != nil {
			return err
		}
		switch {
		case st.Empty:
			fmt.Printf("Schema: not initialized (latest %d)\n", st.Latest)
			return nil
		case st.Dirty:
			fmt.Printf("Schema: version %d, dirty\n", st.Current)
			return nil
		default:
			fmt.Printf("Schema: version %d of %d\n", st.Current, st.Latest)
		}
		if !st.UpToDate() {
			return nil
		}

		a, err := newApp(cmd.Context(), "DatabaseStats")
		if err != nil {
			return err
		}
		defer a.Close()
		rows, err := a.DatabaseStats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Messages:        %s\n", humanize.Comma(int64(rows.Messages)))
		fmt.Printf("File references: %s\n", humanize.Comma(int64(rows.FileReferences)))
		fmt.Printf("Statuses:        %s\n", humanize.Comma(int64(rows.Statuses)))
		fmt.Printf("Origcomm refs:   %s\n", humanize.Comma(int64(rows.OrigCommReferences)))
		return nil
	},
}

var dbImportCmd = &cobra.Command{
	Use:   "import [DEPOSITION...]",
	Short: "Copy flat-file collections into the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Import")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Import(cmd.Context(), args)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		printTransfer("Imported", st)
		return nil
	},
}

var dbExportCmd = &cobra.Command{
	Use:   "export [DEPOSITION...]",
	Short: "Write database collections out as flat files",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "Export")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.Export(cmd.Context(), args)
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		printTransfer("Exported", st)
		return nil
	},
}

var dbBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload an encrypted database snapshot to the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "BackupDatabase")
		if err != nil {
			return err
		}
		defer a.Close()

		key, err := a.BackupDatabase(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Snapshot stored as %s\n", key)
		return nil
	},
}

func printTransfer(verb string, st router.TransferStats) {
	fmt.Printf("%s %d message(s), %d file reference(s), %d status(es) into %d collection(s)\n",
		verb, st.Messages, st.FileReferences, st.Statuses, st.Collections)
	if st.Skipped > 0 {
		fmt.Printf("Skipped %d file reference(s) without a message\n", st.Skipped)
	}
}

// ops command
var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "View recorded operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context(), "ListOperations")
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.Operations(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}

		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-15s  %s  %-10s  %-8s  %s\n",
				op.ID,
				op.Operation,
				op.StartedAt.Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
				op.Parameters,
			)
		}
		return nil
	},
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbImportCmd)
	dbCmd.AddCommand(dbExportCmd)
	dbCmd.AddCommand(dbBackupCmd)

	opsCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")
}
