package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by the client commands.
type GlobalFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	global := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "appstead",
		Short: "appstead manages the lifecycle of uploaded apps on this machine",
		Long: `appstead is a single-node control plane for externally written apps:
upload code, provision an isolated environment, then run it perpetually
under supervision or on a schedule. The daemon owns all state; every
other subcommand talks to it over the HTTP API.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&global.APIUrl, "api-url",
		"http://127.0.0.1:8420/api", "daemon API base URL")
	root.PersistentFlags().DurationVar(&global.APITimeout, "api-timeout",
		30*time.Second, "request timeout")

	root.AddCommand(createServeCommand())
	root.AddCommand(createUploadCommand(global))
	root.AddCommand(createUpdateCommand(global))
	for _, verb := range []struct {
		name, short string
	}{
		{"install", "Provision the app's environment and install its dependencies"},
		{"enable", "Make the app eligible to run"},
		{"disable", "Stop the app if running and park it"},
		{"start", "Start a perpetual app under supervision"},
		{"stop", "Gracefully stop a running app"},
		{"restart", "Stop then start a perpetual app"},
	} {
		root.AddCommand(createVerbCommand(global, verb.name, verb.short))
	}
	root.AddCommand(createRunCommand(global))
	root.AddCommand(createDeleteCommand(global))
	root.AddCommand(createListCommand(global))
	root.AddCommand(createStatusCommand(global))
	root.AddCommand(createExecutionsCommand(global))
	root.AddCommand(createScheduleCommand(global))
	return root
}
