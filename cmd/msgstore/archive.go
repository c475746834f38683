package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Store and retrieve encrypted collection archives",
}

var archivePutCmd = &cobra.Command{
	Use:   "put DEPOSITION CATEGORY",
	Short: "Encrypt a collection and store it in the vault",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := parseCategory(args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), "Archive")
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.Archive(cmd.Context(), args[0], c)
		if err != nil {
			return fmt.Errorf("archive failed: %w", err)
		}
		fmt.Printf("Archived %d message(s) as %s (%s)\n", info.Messages, info.Key, humanize.Bytes(uint64(info.Size)))
		fmt.Printf("SHA-256: %s\n", info.Checksum)
		return nil
	},
}

var archiveGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Decrypt an archive to stdout or a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		a, err := newApp(cmd.Context(), "FetchArchive")
		if err != nil {
			return err
		}
		defer a.Close()

		passphrase, err := readPassphrase("Passphrase: ")
		if err != nil {
			return err
		}

		w := os.Stdout
		if out != "" {
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := a.FetchArchive(cmd.Context(), args[0], passphrase, w); err != nil {
			return err
		}
		if out != "" {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", out)
		}
		return nil
	},
}

var archiveListCmd = &cobra.Command{
	Use:   "list DEPOSITION",
	Short: "List the archives of a deposition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "ListArchives")
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := a.ListArchives(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No archives.")
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the archive key pair",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the archive key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), "SetupKeys")
		if err != nil {
			return err
		}
		defer a.Close()

		pass, err := readPassphrase("New passphrase: ")
		if err != nil {
			return err
		}
		confirm, err := readPassphrase("Confirm passphrase: ")
		if err != nil {
			return err
		}
		if pass != confirm {
			return fmt.Errorf("passphrases do not match")
		}

		if err := a.SetupKeys(pass); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Println("Key pair created")
		return nil
	},
}

func init() {
	archiveCmd.AddCommand(archivePutCmd)
	archiveCmd.AddCommand(archiveGetCmd)
	archiveCmd.AddCommand(archiveListCmd)
	archiveGetCmd.Flags().StringP("out", "O", "", "Write the decrypted collection to this file")

	keysCmd.AddCommand(keysInitCmd)
}
