package main

import (
	"github.com/spf13/cobra"
)

func migrationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migration",
		Short: "manage live migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list migrations",
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.getList("migrations")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	start := &cobra.Command{
		Use:   "start <vm> <destination>",
		Short: "start migrating a vm to another host",
		Args:  requireArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			body := map[string]interface{}{
				"vm":          args[0],
				"destination": args[1],
			}
			if v, _ := cmd.Flags().GetInt("bandwidth"); v != 0 {
				body["bandwidth_bps"] = v
			}
			if v, _ := cmd.Flags().GetInt("max-downtime"); v != 0 {
				body["max_downtime_ms"] = v
			}
			if v, _ := cmd.Flags().GetBool("compressed"); v {
				body["compressed"] = true
			}
			out, err := c.post("migrations", body)
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	start.Flags().Int("bandwidth", 0, "transfer cap in bytes per second")
	start.Flags().Int("max-downtime", 0, "switchover downtime budget in milliseconds")
	start.Flags().Bool("compressed", false, "compress the memory stream")
	cmd.AddCommand(start)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <vm>",
		Short: "show a vm's migration",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("migrations/" + args[0] + "/status")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "cancel <vm>",
		Short: "cancel a vm's migration",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.del("migrations/" + args[0])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	return cmd
}
