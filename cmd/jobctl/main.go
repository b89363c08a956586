package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &client{}
	root := &cobra.Command{
		Use:           "jobctl",
		Short:         "Submit and inspect orchestrator jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.baseURL, "url", getenvCLI("VEX_URL", "http://localhost:8000"), "orchestrator url")
	root.PersistentFlags().StringVar(&c.token, "token", getenvCLI("VEX_API_TOKEN", ""), "api token")

	root.AddCommand(
		newSubmitCmd(c),
		newGetCmd(c),
		newListCmd(c),
		newCancelCmd(c),
		newDeleteCmd(c),
		newGPUCmd(c),
	)
	return root
}

func getenvCLI(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}
