package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gingerrexayers/btool-go/internal/btool/backup"
)

// NewRunCommand creates the 'run' command, which performs the canonical
// backup.
func NewRunCommand() *cobra.Command {
	var backupRoot string

	cmd := &cobra.Command{
		Use:   "run [directory]",
		Short: "Back up a directory into a new snapshot.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			engine := backup.NewEngine(resolveBackupRoot(backupRoot, dir))
			snapshot, err := engine.Run(dir)
			if err != nil {
				return err
			}
			fmt.Printf("snapshot %s: %d files, %d bytes, %d unique chunks\n",
				snapshot.ID, snapshot.TotalFiles, snapshot.TotalSize, snapshot.UniqueChunks)
			return nil
		},
	}

	cmd.Flags().StringVarP(&backupRoot, "backup-root", "b", "", "directory holding chunk and manifest state (defaults to <directory>/.btool)")

	return cmd
}
