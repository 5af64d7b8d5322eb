package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gingerrexayers/btool-go/internal/btool/backup"
)

// NewPlanCommand creates the 'plan' command.
func NewPlanCommand() *cobra.Command {
	var backupRoot string

	cmd := &cobra.Command{
		Use:   "plan [directory]",
		Short: "Compute chunk hashes and deduplication stats for a directory without saving a snapshot.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			engine := backup.NewEngine(resolveBackupRoot(backupRoot, dir))
			snapshot, err := engine.Plan(dir)
			if err != nil {
				return err
			}
			fmt.Printf("files: %d  total size: %d bytes  new chunks: %v  existing chunks: %v\n",
				snapshot.TotalFiles, snapshot.TotalSize, snapshot.Metadata["new_chunks"], snapshot.Metadata["existing_chunks"])
			return nil
		},
	}

	cmd.Flags().StringVarP(&backupRoot, "backup-root", "b", "", "directory holding chunk and manifest state (defaults to <directory>/.btool)")

	return cmd
}
