package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/ssiens-oss/ssiens-oss-static-pod-sub007/server/config"
)

func main() {
	rootCmd := createRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func createRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "podsub",
		Short: "PodSub print-on-demand production automation",
		Long: `
PodSub runs the production job-orchestration core: a worker pool executing
generation jobs against the external pipeline, with durable job tracking,
circuit-protected remote calls, and an operational API.
`,
		SilenceUsage: true,
	}

	configManager := config.NewManager(rootCmd)

	rootCmd.AddCommand(createServeCmd(configManager))
	rootCmd.AddCommand(createPrepareCmd(configManager))

	return rootCmd
}

// initFatal prints an error and exits. Used only during startup, before the
// structured logger is the right tool.
func initFatal(err error, message string) {
	fmt.Fprintf(os.Stderr, "Error %s: %v\n", message, err)
	os.Exit(1)
}
