package main

import (
	"github.com/spf13/cobra"
)

func vmCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vm",
		Short: "manage virtual machines",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list vms",
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.getList("vms")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "create a vm",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := map[string]interface{}{"name": args[0]}
			for flag, key := range map[string]string{
				"vpc":          "vpc",
				"image":        "image_id",
				"arch":         "arch",
				"cloud-init":   "cloud_init",
				"client-token": "client_token",
			} {
				if v, _ := cmd.Flags().GetString(flag); v != "" {
					body[key] = v
				}
			}
			for flag, key := range map[string]string{
				"cpu":    "cpu_cores",
				"memory": "memory_mb",
				"disk":   "disk_size_gb",
			} {
				if v, _ := cmd.Flags().GetInt(flag); v != 0 {
					body[key] = v
				}
			}
			out, err := c.post("vms", body)
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	create.Flags().String("vpc", "", "vpc name")
	create.Flags().String("image", "", "image id")
	create.Flags().String("arch", "", "cpu architecture")
	create.Flags().String("cloud-init", "", "cloud-init user data")
	create.Flags().String("client-token", "", "idempotency token")
	create.Flags().Int("cpu", 0, "cpu cores")
	create.Flags().Int("memory", 0, "memory in MiB")
	create.Flags().Int("disk", 0, "root disk size in GiB")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <vm>",
		Short: "show a vm",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("vms/" + args[0])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	for _, verb := range []string{"start", "stop", "restart", "terminate"} {
		verb := verb
		cmd.AddCommand(&cobra.Command{
			Use:   verb + " <vm>",
			Short: verb + " a vm",
			Args:  requireArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				out, err := c.post("vms/"+args[0]+"/"+verb, nil)
				if err != nil {
					fail(err)
				}
				render(out)
			},
		})
	}

	resize := &cobra.Command{
		Use:   "resize <vm>",
		Short: "resize a vm",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			body := map[string]interface{}{}
			for flag, key := range map[string]string{
				"cpu":    "cpu_cores",
				"memory": "memory_mb",
				"disk":   "disk_size_gb",
			} {
				if v, _ := cmd.Flags().GetInt(flag); v != 0 {
					body[key] = v
				}
			}
			out, err := c.post("vms/"+args[0]+"/resize", body)
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	resize.Flags().Int("cpu", 0, "cpu cores")
	resize.Flags().Int("memory", 0, "memory in MiB")
	resize.Flags().Int("disk", 0, "root disk size in GiB")
	cmd.AddCommand(resize)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <vm>",
		Short: "show vm status including live domain state",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("vms/" + args[0] + "/status")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "metrics <vm>",
		Short: "show guest metrics",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("vms/" + args[0] + "/metrics")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "console <vm>",
		Short: "get a signed serial console url",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("vms/" + args[0] + "/serial-console")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "manage vm snapshots",
	}
	snapCreate := &cobra.Command{
		Use:   "create <vm> <name>",
		Short: "create a snapshot",
		Args:  requireArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.post("vms/"+args[0]+"/snapshots", map[string]interface{}{"name": args[1]})
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	snapshot.AddCommand(snapCreate)
	snapshot.AddCommand(&cobra.Command{
		Use:   "list <vm>",
		Short: "list snapshots",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.getList("vms/" + args[0] + "/snapshots")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})
	snapshot.AddCommand(&cobra.Command{
		Use:   "revert <vm> <name>",
		Short: "revert to a snapshot",
		Args:  requireArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.post("vms/"+args[0]+"/snapshots/"+args[1]+"/revert", nil)
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})
	snapshot.AddCommand(&cobra.Command{
		Use:   "delete <vm> <name>",
		Short: "delete a snapshot",
		Args:  requireArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.del("vms/" + args[0] + "/snapshots/" + args[1])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})
	cmd.AddCommand(snapshot)

	return cmd
}
