package main

import (
	"github.com/spf13/cobra"
)

func hostCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "inspect hypervisor hosts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list hosts",
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.getList("hosts")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get <host>",
		Short: "show a host",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("hosts/" + args[0])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	maintenance := &cobra.Command{
		Use:   "maintenance <host>",
		Short: "toggle host maintenance mode",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			enabled, _ := cmd.Flags().GetBool("enabled")
			out, err := c.post("hosts/"+args[0]+"/maintenance", map[string]interface{}{"enabled": enabled})
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	maintenance.Flags().Bool("enabled", true, "enter or leave maintenance")
	cmd.AddCommand(maintenance)

	return cmd
}
