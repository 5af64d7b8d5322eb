package main

import (
	"github.com/spf13/cobra"

	"github.com/gingerrexayers/btool-go/internal/btool/backup"
)

// NewScanCommand creates the 'scan' command.
func NewScanCommand() *cobra.Command {
	var backupRoot string

	cmd := &cobra.Command{
		Use:   "scan [directory]",
		Short: "Report what a backup of a directory would cover, without storing anything.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			engine := backup.NewEngine(resolveBackupRoot(backupRoot, dir))
			return engine.Scan(dir)
		},
	}

	cmd.Flags().StringVarP(&backupRoot, "backup-root", "b", "", "directory holding chunk and manifest state (defaults to <directory>/.btool)")

	return cmd
}
