package main

import (
	"github.com/spf13/cobra"
)

func ipCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ip",
		Short: "manage floating ips",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list floating ips",
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.getList("ips")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	add := &cobra.Command{
		Use:   "add [address]",
		Short: "add a floating ip or a pool of them",
		Run: func(cmd *cobra.Command, args []string) {
			body := map[string]interface{}{}
			if len(args) == 1 {
				body["address"] = args[0]
			}
			if pool, _ := cmd.Flags().GetString("pool"); pool != "" {
				body["pool"] = pool
			}
			if len(body) == 0 {
				_ = cmd.Usage()
				fail(&apiError{Code: "validation", Message: "an address or a pool is required"})
			}
			out, err := c.post("ips", body)
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	add.Flags().String("pool", "", "comma separated addresses or cidrs")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <address>",
		Short: "show a floating ip",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("ips/" + args[0])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <address>",
		Short: "delete a floating ip",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.del("ips/" + args[0])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	attach := &cobra.Command{
		Use:   "attach <vm> [address]",
		Short: "attach a floating ip to a vm, any free one if no address given",
		Run: func(cmd *cobra.Command, args []string) {
			if len(args) < 1 || len(args) > 2 {
				_ = cmd.Usage()
				fail(&apiError{Code: "validation", Message: "a vm is required"})
			}
			body := map[string]interface{}{}
			if len(args) == 2 {
				body["address"] = args[1]
			}
			out, err := c.post("vms/"+args[0]+"/ips/attach", body)
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	cmd.AddCommand(attach)

	cmd.AddCommand(&cobra.Command{
		Use:   "detach <vm>",
		Short: "detach the vm's floating ip",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.post("vms/"+args[0]+"/ips/detach", nil)
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	return cmd
}
