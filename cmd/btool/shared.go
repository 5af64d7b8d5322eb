package main

import "path/filepath"

// resolveBackupRoot returns backupRoot if set, or else
// <sourcePath>/.btool, matching the teacher CLI's convention of
// defaulting auxiliary state to a dotdirectory under the source tree.
func resolveBackupRoot(backupRoot, sourcePath string) string {
	if backupRoot != "" {
		return backupRoot
	}
	return filepath.Join(sourcePath, ".btool")
}
