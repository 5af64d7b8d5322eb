package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/gingerrexayers/btool-go/internal/btool/backup"
)

// NewRestoreCommand creates the 'restore' command for the CLI.
func NewRestoreCommand() *cobra.Command {
	var backupRoot string
	var sourceDir string
	var outputDir string
	var filePath string
	var verify bool

	cmd := &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore a snapshot, or a single file within it, to a directory.",
		Long: `Restores a snapshot to the output directory. With --file, restores only
that one file from the snapshot instead of the whole tree.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshotID := args[0]

			finalOutputDir := outputDir
			if finalOutputDir == "" {
				finalOutputDir = sourceDir
			}

			var opts []backup.Option
			if verify {
				opts = append(opts, backup.WithVerify(true))
			}
			engine := backup.NewEngine(resolveBackupRoot(backupRoot, sourceDir), opts...)

			if filePath != "" {
				dest := filepath.Join(finalOutputDir, filepath.FromSlash(filePath))
				if err := engine.RestoreFile(snapshotID, filePath, dest); err != nil {
					return err
				}
				fmt.Printf("restored %s to %s\n", filePath, dest)
				return nil
			}
			if err := engine.RestoreSnapshot(snapshotID, finalOutputDir); err != nil {
				return err
			}
			fmt.Printf("restored snapshot %s to %s\n", snapshotID, finalOutputDir)
			return nil
		},
	}

	cmd.Flags().StringVarP(&backupRoot, "backup-root", "b", "", "directory holding chunk and manifest state (defaults to <directory>/.btool)")
	cmd.Flags().StringVarP(&sourceDir, "directory", "d", ".", "the directory the snapshot was originally taken from")
	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "the directory to restore into (defaults to the source directory)")
	cmd.Flags().StringVar(&filePath, "file", "", "restore only this file (relative path, as recorded in the snapshot) instead of the whole snapshot")
	cmd.Flags().BoolVar(&verify, "verify", false, "recompute and compare each restored file's integrity hash")

	return cmd
}
