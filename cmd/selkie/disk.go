package main

import (
	"github.com/spf13/cobra"
)

func diskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disk",
		Short: "manage standalone data disks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list disks",
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.getList("disks")
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "create a disk",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			size, _ := cmd.Flags().GetInt("size")
			out, err := c.post("disks", map[string]interface{}{
				"name":    args[0],
				"size_gb": size,
			})
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	create.Flags().Int("size", 10, "disk size in GiB")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "get <disk>",
		Short: "show a disk",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.get("disks/" + args[0])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <disk>",
		Short: "delete a disk",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.del("disks/" + args[0])
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	resize := &cobra.Command{
		Use:   "resize <disk>",
		Short: "grow a disk",
		Args:  requireArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			size, _ := cmd.Flags().GetInt("size")
			out, err := c.post("disks/"+args[0]+"/resize", map[string]interface{}{"size_gb": size})
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	resize.Flags().Int("size", 0, "new size in GiB")
	cmd.AddCommand(resize)

	attach := &cobra.Command{
		Use:   "attach <vm> <disk>",
		Short: "attach a disk to a vm",
		Args:  requireArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			body := map[string]interface{}{"disk_id": args[1]}
			if slot, _ := cmd.Flags().GetString("slot"); slot != "" {
				body["slot"] = slot
			}
			out, err := c.post("vms/"+args[0]+"/disks/attach", body)
			if err != nil {
				fail(err)
			}
			render(out)
		},
	}
	attach.Flags().String("slot", "", "device slot, vdc through vdz")
	cmd.AddCommand(attach)

	cmd.AddCommand(&cobra.Command{
		Use:   "detach <vm> <disk>",
		Short: "detach a disk from a vm",
		Args:  requireArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			out, err := c.post("vms/"+args[0]+"/disks/detach", map[string]interface{}{"disk_id": args[1]})
			if err != nil {
				fail(err)
			}
			render(out)
		},
	})

	return cmd
}
