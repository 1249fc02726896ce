package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	server  string
	verbose bool
	c       *client
)

func main() {
	root := &cobra.Command{
		Use:   "selkie",
		Short: "selkie is the command line interface to the selkie control plane",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
			c = newClient(server)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&server, "server", "s", "http://localhost:18200/api/", "server address")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log requests")

	root.AddCommand(
		vpcCommand(),
		vmCommand(),
		diskCommand(),
		ipCommand(),
		hostCommand(),
		migrationCommand(),
		jobCommand(),
		healthCommand(),
	)

	if err := root.Execute(); err != nil {
		fail(err)
	}
	os.Exit(ExitOK)
}

// requireArgs exits with a usage error when the arg count is wrong
func requireArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			_ = cmd.Usage()
			os.Exit(ExitUsage)
		}
		return nil
	}
}

func healthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "show control plane health",
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("health")
			if err != nil {
				// a degraded daemon answers 503 with the same body
				if ae, ok := err.(*apiError); ok && ae.Status == 503 {
					fmt.Println(ae.Message)
					os.Exit(ExitStore)
				}
				fail(err)
			}
			render(out)
		},
	}
}

func jobCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "inspect async jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <id>",
		Short: "show a job",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("jobs/" + args[0])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})
	return cmd
}
