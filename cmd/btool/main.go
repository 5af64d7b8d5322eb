package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var rootCmd = &cobra.Command{Use: "btool"}

	rootCmd.AddCommand(NewScanCommand())
	rootCmd.AddCommand(NewPlanCommand())
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewListCommand())
	rootCmd.AddCommand(NewRestoreCommand())
	rootCmd.AddCommand(NewCompletionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
