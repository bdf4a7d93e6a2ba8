package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "cognitionflow",
		Short: "CognitionFlow - Multi-agent code generation pipeline",
		Long: `CognitionFlow coordinates an Engineer, Executor and Reviewer agent in a
review loop: the Engineer writes Python for a task, the Executor runs it in an
isolated workspace, and the Reviewer either approves the results or sends the
Engineer back with feedback.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
