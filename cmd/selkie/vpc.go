package main

import (
	"github.com/spf13/cobra"
)

func vpcCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vpc",
		Short: "manage virtual private clouds",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list vpcs",
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.getList("vpcs")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "create a vpc",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := map[string]interface{}{"name": args[0]}
			if cidr, _ := cmd.Flags().GetString("cidr"); cidr != "" {
				body["cidr"] = cidr
			}
			if mtu, _ := cmd.Flags().GetInt("mtu"); mtu != 0 {
				body["mtu"] = mtu
			}
			out, err := c.post("vpcs", body)
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	create.Flags().String("cidr", "", "vpc cidr block")
	create.Flags().Int("mtu", 0, "network mtu")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <name>",
		Short: "show a vpc",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("vpcs/" + args[0])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "delete a vpc",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.del("vpcs/" + args[0])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	subnet := &cobra.Command{
		Use:   "subnet",
		Short: "manage vpc subnets",
	}
	subnetAdd := &cobra.Command{
		Use:   "add <vpc> <cidr>",
		Short: "add a subnet to a vpc",
		Args:  requireArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.post("vpcs/"+args[0]+"/subnets", map[string]interface{}{"cidr": args[1]})
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	subnet.AddCommand(subnetAdd)
	subnet.AddCommand(&cobra.Command{
		Use:   "remove <vpc> <subnet-id>",
		Short: "remove a subnet from a vpc",
		Args:  requireArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.del("vpcs/" + args[0] + "/subnets/" + args[1])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})
	cmd.AddCommand(subnet)

	fw := &cobra.Command{
		Use:   "firewall",
		Short: "manage vpc firewall rules",
	}
	fw.AddCommand(&cobra.Command{
		Use:   "list <vpc>",
		Short: "list firewall rules",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.getList("vpcs/" + args[0] + "/firewall-rules")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})
	fwAdd := &cobra.Command{
		Use:   "add <vpc>",
		Short: "add a firewall rule",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := map[string]interface{}{}
			for _, key := range []string{"direction", "protocol", "cidr", "description"} {
				if v, _ := cmd.Flags().GetString(key); v != "" {
					body[key] = v
				}
			}
			for _, key := range []string{"port-start", "port-end", "priority"} {
				if v, _ := cmd.Flags().GetInt(key); v != 0 {
					body[jsonKey(key)] = v
				}
			}
			out, err := c.post("vpcs/"+args[0]+"/firewall-rules", body)
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	fwAdd.Flags().String("direction", "inbound", "inbound or outbound")
	fwAdd.Flags().String("protocol", "tcp", "tcp, udp or icmp")
	fwAdd.Flags().String("cidr", "0.0.0.0/0", "source or destination cidr")
	fwAdd.Flags().String("description", "", "rule description")
	fwAdd.Flags().Int("port-start", 0, "first port in range")
	fwAdd.Flags().Int("port-end", 0, "last port in range")
	fwAdd.Flags().Int("priority", 0, "rule priority")
	fw.AddCommand(fwAdd)
	fw.AddCommand(&cobra.Command{
		Use:   "remove <vpc> <rule-id>",
		Short: "remove a firewall rule",
		Args:  requireArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.del("vpcs/" + args[0] + "/firewall-rules/" + args[1])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})
	cmd.AddCommand(fw)

	return cmd
}

// jsonKey converts a flag name to the request body field name
func jsonKey(flag string) string {
	switch flag {
	case "port-start":
		return "port_start"
	case "port-end":
		return "port_end"
	}
	return flag
}
