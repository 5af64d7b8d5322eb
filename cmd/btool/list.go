package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gingerrexayers/btool-go/internal/btool/backup"
)

// NewListCommand creates the 'list' command.
func NewListCommand() *cobra.Command {
	var backupRoot string

	cmd := &cobra.Command{
		Use:   "list [directory]",
		Short: "List available snapshots.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			engine := backup.NewEngine(resolveBackupRoot(backupRoot, dir))
			snapshots, err := engine.ListSnapshots()
			if err != nil {
				return err
			}
			if len(snapshots) == 0 {
				fmt.Println("no snapshots found")
				return nil
			}
			for _, snapshot := range snapshots {
				fmt.Printf("%s  %s  %d files  %d bytes  source: %s\n",
					snapshot.ID, snapshot.Timestamp.Format("2006-01-02T15:04:05Z"),
					snapshot.TotalFiles, snapshot.TotalSize, snapshot.SourcePath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&backupRoot, "backup-root", "b", "", "directory holding chunk and manifest state (defaults to <directory>/.btool)")

	return cmd
}
