package selkie

import (
	"context"
	"io"
)

type (
	// DomainState is the observed condition of a defined domain
	DomainState struct {
		Exists  bool   `json:"exists"`
		Running bool   `json:"running"`
		Raw     string `json:"raw"`
	}

	// GuestMetrics is a point-in-time usage sample for one domain
	GuestMetrics struct {
		CPUSeconds  float64 `json:"cpu_seconds"`
		MemoryKB    uint64  `json:"memory_kb"`
		MaxMemoryKB uint64  `json:"max_memory_kb"`
		VCPUs       uint32  `json:"vcpus"`
	}

	// MigrationOptions tune a live migration run
	MigrationOptions struct {
		BandwidthBPS  uint64
		MaxDowntimeMS uint64
		Compressed    bool
	}

	// MigrationJob is the observed state of an in-flight migration on the
	// source host
	MigrationJob struct {
		Active    bool
		Completed bool
		Failed    bool
		Progress  int
	}

	// Driver runs hypervisor operations against one host. Every verb is
	// idempotent so the reconciler can replay a step after a crash
	// without tracking what already happened.
	Driver interface {
		// Ping checks that the host's virtualization stack answers
		Ping(ctx context.Context) error
		// DefineDomain prepares the host workspace, root disk, and seed
		// ISO, then defines the domain
		DefineDomain(ctx context.Context, vm *VM, image *Image, volumes []*Disk) error
		// UndefineDomain removes the definition and the VM's disk files
		UndefineDomain(ctx context.Context, vm *VM) error
		// Start powers the domain on
		Start(ctx context.Context, vmID string) error
		// Stop powers the domain off; force skips the guest shutdown
		Stop(ctx context.Context, vmID string, force bool) error
		// Reboot restarts the guest
		Reboot(ctx context.Context, vmID string) error
		// Status probes the domain
		Status(ctx context.Context, vmID string) (DomainState, error)
		// Metrics samples guest resource usage
		Metrics(ctx context.Context, vmID string) (*GuestMetrics, error)

		// CreateVolume makes the backing qcow2 for a Disk
		CreateVolume(ctx context.Context, d *Disk) error
		// ResizeVolume grows the backing qcow2
		ResizeVolume(ctx context.Context, d *Disk) error
		// DeleteVolume removes the backing qcow2
		DeleteVolume(ctx context.Context, d *Disk) error
		// AttachVolume hot-adds the volume at its slot
		AttachVolume(ctx context.Context, vm *VM, d *Disk, slot string) error
		// DetachVolume removes the volume from the domain
		DetachVolume(ctx context.Context, vm *VM, slot string) error
		// ResizeCPUMem applies new cpu/memory figures to a stopped domain
		ResizeCPUMem(ctx context.Context, vm *VM) error

		// DefineNetwork ensures the VPC bridge, gateway address, and
		// masquerade rule exist on the host
		DefineNetwork(ctx context.Context, vpc *VPC) error
		// DestroyNetwork tears the VPC bridge back down
		DestroyNetwork(ctx context.Context, vpc *VPC) error
		// ApplyIptables loads a compiled ruleset without flushing
		// unrelated chains
		ApplyIptables(ctx context.Context, script []byte) error

		// OpenSerialConsole attaches to the domain's serial socket
		OpenSerialConsole(ctx context.Context, vm *VM) (io.ReadWriteCloser, error)

		// BeginMigration launches a detached live migration toward dest
		BeginMigration(ctx context.Context, vm *VM, dest *Host, opts MigrationOptions) error
		// QueryMigration reports the job state on the source
		QueryMigration(ctx context.Context, vmID string) (MigrationJob, error)
		// CancelMigration aborts the in-flight job
		CancelMigration(ctx context.Context, vmID string) error

		// EnsureImage downloads and verifies the image bits on the host
		EnsureImage(ctx context.Context, img *Image) error

		// CreateSnapshot takes a named disk+memory snapshot
		CreateSnapshot(ctx context.Context, vmID, name string) error
		// ListSnapshots names the domain's snapshots
		ListSnapshots(ctx context.Context, vmID string) ([]string, error)
		// RevertSnapshot rolls the domain back to a snapshot
		RevertSnapshot(ctx context.Context, vmID, name string) error
		// DeleteSnapshot drops a snapshot
		DeleteSnapshot(ctx context.Context, vmID, name string) error
	}
)
