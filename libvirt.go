package selkie

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mistifyio/selkie/pkg/hostport"
)

// LibvirtDriver drives one host's hypervisor by shelling out to virsh,
// qemu-img, iptables, and ip through a Runner. A semaphore bounds how
// many verbs run against the host at once.
type LibvirtDriver struct {
	context *Context
	host    *Host
	runner  Runner
	sem     chan struct{}
}

// NewLibvirtDriver binds a driver to a host. concurrency <= 0 uses the
// default of 4 in-flight verbs.
func NewLibvirtDriver(c *Context, host *Host, runner Runner, concurrency int) *LibvirtDriver {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &LibvirtDriver{
		context: c,
		host:    host,
		runner:  runner,
		sem:     make(chan struct{}, concurrency),
	}
}

// NewHostDriver builds the production driver for a host: an SSH runner
// unless the host address is local
func NewHostDriver(c *Context, host *Host, identity string, concurrency int) (*LibvirtDriver, error) {
	addr, _, err := hostport.Split(host.Address)
	if err != nil {
		addr = host.Address
	}
	if addr == "localhost" || addr == "127.0.0.1" {
		return NewLibvirtDriver(c, host, NewLocalRunner(), concurrency), nil
	}
	runner, err := NewSSHRunner(addr, host.SSHPort, host.SSHUser, identity)
	if err != nil {
		return nil, err
	}
	return NewLibvirtDriver(c, host, runner, concurrency), nil
}

func (d *LibvirtDriver) acquire(ctx context.Context) error {
	select {
	case d.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return NewError(ErrDriverTimeout, "host %s: %s", d.host.ID, ctx.Err())
	}
}

func (d *LibvirtDriver) release() {
	<-d.sem
}

func (d *LibvirtDriver) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()
	return d.runner.Run(ctx, name, args...)
}

func (d *LibvirtDriver) runInput(ctx context.Context, stdin []byte, name string, args ...string) ([]byte, error) {
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()
	return d.runner.RunInput(ctx, stdin, name, args...)
}

// classify turns a command failure into a coded error. Transport failures
// are retryable, exceeded deadlines are timeouts, missing domains are
// not-found, and everything else is the tool refusing the operation.
func (d *LibvirtDriver) classify(verb string, err error) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	if re, ok := err.(*RunError); ok && re.Err == context.DeadlineExceeded {
		return NewError(ErrDriverTimeout, "host %s: %s: deadline exceeded", d.host.ID, verb)
	}
	if OutputContains(err, "no domain", "domain not found", "failed to get domain") {
		return NewError(ErrNotFound, "host %s: %s: %s", d.host.ID, verb, err)
	}
	if OutputContains(err, "connection refused", "cannot connect", "failed to connect") {
		return NewError(ErrDriverUnavailable, "host %s: %s: %s", d.host.ID, verb, err)
	}
	return NewError(ErrDriverTerminal, "host %s: %s: %s", d.host.ID, verb, err)
}

// exists tests a path on the host
func (d *LibvirtDriver) exists(ctx context.Context, path string) (bool, error) {
	_, err := d.run(ctx, "test", "-f", path)
	if err == nil {
		return true, nil
	}
	if re, ok := err.(*RunError); ok && re.Err != context.DeadlineExceeded && len(bytes.TrimSpace(re.Output)) == 0 {
		return false, nil
	}
	return false, d.classify("stat "+path, err)
}

// Ping checks that the host answers and libvirt is up
func (d *LibvirtDriver) Ping(ctx context.Context) error {
	if _, err := d.run(ctx, "virsh", "version", "--daemon"); err != nil {
		return d.classify("ping", err)
	}
	return nil
}

// DefineDomain prepares the workspace, root disk, and seed ISO, then
// defines the domain from rendered XML
func (d *LibvirtDriver) DefineDomain(ctx context.Context, vm *VM, image *Image, volumes []*Disk) error {
	root := d.host.VMRoot
	dirs := []string{
		filepath.Join(root, "images"),
		filepath.Join(root, "disks"),
		filepath.Join(root, "volumes"),
		filepath.Join(root, "consoles"),
	}
	if _, err := d.run(ctx, "mkdir", append([]string{"-p"}, dirs...)...); err != nil {
		return d.classify("mkdir workspace", err)
	}

	rootDisk := vm.RootDiskPath(root)
	have, err := d.exists(ctx, rootDisk)
	if err != nil {
		return err
	}
	if !have {
		backing := image.LocalPath(root)
		_, err := d.run(ctx, "qemu-img", "create",
			"-f", "qcow2", "-F", "qcow2", "-b", backing,
			rootDisk, fmt.Sprintf("%dG", vm.DiskSizeGB))
		if err != nil {
			return d.classify("create root disk", err)
		}
	}

	if vm.CloudInit != nil {
		if err := d.writeSeedISO(ctx, vm); err != nil {
			return err
		}
	}

	xml, err := DomainXML(vm, d.host, volumes)
	if err != nil {
		return err
	}
	if _, err := d.runInput(ctx, []byte(xml), "virsh", "define", "/dev/stdin"); err != nil {
		if OutputContains(err, "already exists", "already defined") {
			return nil
		}
		return d.classify("define domain", err)
	}
	return nil
}

// writeSeedISO renders the cloud-init documents, stages them on the host,
// and burns the NoCloud seed image
func (d *LibvirtDriver) writeSeedISO(ctx context.Context, vm *VM) error {
	vpc, err := d.context.VPC(vm.VPCName)
	if err != nil {
		return err
	}
	user, meta, err := RenderCloudInitSeed(vm, vpc)
	if err != nil {
		return err
	}

	stage := filepath.Join(d.host.VMRoot, "disks", vm.ID+"-seed")
	if _, err := d.run(ctx, "mkdir", "-p", stage); err != nil {
		return d.classify("stage seed", err)
	}
	if _, err := d.runInput(ctx, user, "tee", filepath.Join(stage, "user-data")); err != nil {
		return d.classify("write user-data", err)
	}
	if _, err := d.runInput(ctx, meta, "tee", filepath.Join(stage, "meta-data")); err != nil {
		return d.classify("write meta-data", err)
	}
	_, err = d.run(ctx, "genisoimage",
		"-output", vm.CloudInitISOPath(d.host.VMRoot),
		"-volid", "cidata", "-joliet", "-rock",
		filepath.Join(stage, "user-data"),
		filepath.Join(stage, "meta-data"))
	if err != nil {
		return d.classify("burn seed iso", err)
	}
	if _, err := d.run(ctx, "rm", "-rf", stage); err != nil {
		return d.classify("clean seed stage", err)
	}
	return nil
}

// UndefineDomain removes the definition and the VM's files. A domain that
// was never defined is fine.
func (d *LibvirtDriver) UndefineDomain(ctx context.Context, vm *VM) error {
	if _, err := d.run(ctx, "virsh", "undefine", vm.ID, "--nvram", "--snapshots-metadata"); err != nil {
		if !OutputContains(err, "no domain", "not found") {
			return d.classify("undefine domain", err)
		}
	}
	root := d.host.VMRoot
	_, err := d.run(ctx, "rm", "-f",
		vm.RootDiskPath(root),
		vm.CloudInitISOPath(root),
		vm.ConsoleSocketPath(root))
	if err != nil {
		return d.classify("remove domain files", err)
	}
	return nil
}

// Start powers the domain on. Starting a running domain is a no-op.
func (d *LibvirtDriver) Start(ctx context.Context, vmID string) error {
	if _, err := d.run(ctx, "virsh", "start", vmID); err != nil {
		if OutputContains(err, "already active", "already running") {
			return nil
		}
		return d.classify("start domain", err)
	}
	return nil
}

// Stop powers the domain off; force destroys instead of asking the guest.
// Stopping a stopped domain is a no-op.
func (d *LibvirtDriver) Stop(ctx context.Context, vmID string, force bool) error {
	verb := "shutdown"
	if force {
		verb = "destroy"
	}
	if _, err := d.run(ctx, "virsh", verb, vmID); err != nil {
		if OutputContains(err, "not running", "domain is not running", "shut off") {
			return nil
		}
		return d.classify(verb+" domain", err)
	}
	return nil
}

// Reboot restarts the guest
func (d *LibvirtDriver) Reboot(ctx context.Context, vmID string) error {
	if _, err := d.run(ctx, "virsh", "reboot", vmID); err != nil {
		return d.classify("reboot domain", err)
	}
	return nil
}

// Status probes the domain state
func (d *LibvirtDriver) Status(ctx context.Context, vmID string) (DomainState, error) {
	out, err := d.run(ctx, "virsh", "domstate", vmID)
	if err != nil {
		if OutputContains(err, "no domain", "not found") {
			return DomainState{}, nil
		}
		return DomainState{}, d.classify("domain state", err)
	}
	raw := strings.TrimSpace(string(out))
	return DomainState{
		Exists:  true,
		Running: raw == "running",
		Raw:     raw,
	}, nil
}

// Metrics samples guest usage via dominfo
func (d *LibvirtDriver) Metrics(ctx context.Context, vmID string) (*GuestMetrics, error) {
	out, err := d.run(ctx, "virsh", "dominfo", vmID)
	if err != nil {
		return nil, d.classify("domain info", err)
	}
	m := &GuestMetrics{}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "CPU time":
			f, _ := strconv.ParseFloat(strings.TrimSuffix(value, "s"), 64)
			m.CPUSeconds = f
		case "Used memory":
			m.MemoryKB = parseKiB(value)
		case "Max memory":
			m.MaxMemoryKB = parseKiB(value)
		case "CPU(s)":
			n, _ := strconv.ParseUint(value, 10, 32)
			m.VCPUs = uint32(n)
		}
	}
	return m, nil
}

func parseKiB(s string) uint64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, _ := strconv.ParseUint(fields[0], 10, 64)
	return n
}

// CreateVolume makes the backing qcow2 for a Disk. An existing file wins.
func (d *LibvirtDriver) CreateVolume(ctx context.Context, disk *Disk) error {
	path := disk.VolumePath(d.host.VMRoot)
	have, err := d.exists(ctx, path)
	if err != nil {
		return err
	}
	if have {
		return nil
	}
	if _, err := d.run(ctx, "mkdir", "-p", filepath.Dir(path)); err != nil {
		return d.classify("mkdir volumes", err)
	}
	if _, err := d.run(ctx, "qemu-img", "create", "-f", "qcow2", path, fmt.Sprintf("%dG", disk.SizeGB)); err != nil {
		return d.classify("create volume", err)
	}
	return nil
}

// ResizeVolume grows the backing qcow2 to the Disk's current size
func (d *LibvirtDriver) ResizeVolume(ctx context.Context, disk *Disk) error {
	path := disk.VolumePath(d.host.VMRoot)
	if _, err := d.run(ctx, "qemu-img", "resize", path, fmt.Sprintf("%dG", disk.SizeGB)); err != nil {
		return d.classify("resize volume", err)
	}
	return nil
}

// DeleteVolume removes the backing qcow2
func (d *LibvirtDriver) DeleteVolume(ctx context.Context, disk *Disk) error {
	if _, err := d.run(ctx, "rm", "-f", disk.VolumePath(d.host.VMRoot)); err != nil {
		return d.classify("delete volume", err)
	}
	return nil
}

// AttachVolume hot-adds the volume at its slot
func (d *LibvirtDriver) AttachVolume(ctx context.Context, vm *VM, disk *Disk, slot string) error {
	_, err := d.run(ctx, "virsh", "attach-disk", vm.ID,
		disk.VolumePath(d.host.VMRoot), slot,
		"--subdriver", "qcow2", "--cache", "none", "--persistent")
	if err != nil {
		if OutputContains(err, "already in use", "already attached", "duplicate") {
			return nil
		}
		return d.classify("attach volume", err)
	}
	return nil
}

// DetachVolume removes the volume at the slot from the domain
func (d *LibvirtDriver) DetachVolume(ctx context.Context, vm *VM, slot string) error {
	if _, err := d.run(ctx, "virsh", "detach-disk", vm.ID, slot, "--persistent"); err != nil {
		if OutputContains(err, "no disk", "not found", "no target device") {
			return nil
		}
		return d.classify("detach volume", err)
	}
	return nil
}

// ResizeCPUMem applies the VM's cpu and memory figures to the stopped
// domain definition
func (d *LibvirtDriver) ResizeCPUMem(ctx context.Context, vm *VM) error {
	memKiB := strconv.FormatUint(vm.MemoryMB*1024, 10)
	steps := [][]string{
		{"setvcpus", vm.ID, strconv.FormatUint(uint64(vm.CPUCores), 10), "--config", "--maximum"},
		{"setvcpus", vm.ID, strconv.FormatUint(uint64(vm.CPUCores), 10), "--config"},
		{"setmaxmem", vm.ID, memKiB, "--config"},
		{"setmem", vm.ID, memKiB, "--config"},
	}
	for _, args := range steps {
		if _, err := d.run(ctx, "virsh", args...); err != nil {
			return d.classify("resize "+args[0], err)
		}
	}
	return nil
}

// DefineNetwork ensures the VPC bridge, its gateway address, and the
// masquerade rule exist on the host
func (d *LibvirtDriver) DefineNetwork(ctx context.Context, vpc *VPC) error {
	bridge := vpc.BridgeName()
	if _, err := d.run(ctx, "ip", "link", "add", bridge, "type", "bridge"); err != nil {
		if !OutputContains(err, "file exists") {
			return d.classify("add bridge", err)
		}
	}
	if _, err := d.run(ctx, "ip", "link", "set", bridge, "up"); err != nil {
		return d.classify("bridge up", err)
	}

	ipnet, err := vpc.Network()
	if err != nil {
		return err
	}
	gateway := vpc.Gateway
	if gateway == nil {
		gateway = defaultGateway(ipnet)
	}
	ones, _ := ipnet.Mask.Size()
	cidrAddr := fmt.Sprintf("%s/%d", gateway, ones)
	if _, err := d.run(ctx, "ip", "addr", "add", cidrAddr, "dev", bridge); err != nil {
		if !OutputContains(err, "file exists") {
			return d.classify("bridge address", err)
		}
	}

	masq := []string{"-t", "nat", "-s", vpc.CIDR, "-o", d.host.Uplink, "-j", "MASQUERADE"}
	if _, err := d.run(ctx, "iptables", append([]string{"-C", "POSTROUTING"}, masq[2:]...)...); err != nil {
		if _, err := d.run(ctx, "iptables", append([]string{"-t", "nat", "-A", "POSTROUTING"}, masq[2:]...)...); err != nil {
			return d.classify("masquerade rule", err)
		}
	}
	if _, err := d.run(ctx, "sysctl", "-w", "net.ipv4.ip_forward=1"); err != nil {
		return d.classify("ip forward", err)
	}
	return nil
}

// DestroyNetwork removes the VPC bridge and its masquerade rule
func (d *LibvirtDriver) DestroyNetwork(ctx context.Context, vpc *VPC) error {
	args := []string{"-t", "nat", "-D", "POSTROUTING", "-s", vpc.CIDR, "-o", d.host.Uplink, "-j", "MASQUERADE"}
	if _, err := d.run(ctx, "iptables", args...); err != nil {
		if !OutputContains(err, "does not exist", "no chain", "bad rule") {
			return d.classify("remove masquerade", err)
		}
	}
	if _, err := d.run(ctx, "ip", "link", "del", vpc.BridgeName()); err != nil {
		if !OutputContains(err, "cannot find device") {
			return d.classify("remove bridge", err)
		}
	}
	return nil
}

// ApplyIptables loads a compiled ruleset without touching unrelated chains
func (d *LibvirtDriver) ApplyIptables(ctx context.Context, script []byte) error {
	if _, err := d.runInput(ctx, script, "iptables-restore", "--noflush"); err != nil {
		return d.classify("iptables-restore", err)
	}
	return nil
}

// OpenSerialConsole attaches to the domain's serial socket through socat
func (d *LibvirtDriver) OpenSerialConsole(ctx context.Context, vm *VM) (io.ReadWriteCloser, error) {
	sock := vm.ConsoleSocketPath(d.host.VMRoot)
	stream, err := d.runner.Open(ctx, "socat", "-", "UNIX-CONNECT:"+sock)
	if err != nil {
		return nil, d.classify("open console", err)
	}
	return stream, nil
}

// BeginMigration tunes the job and launches a detached live migration so
// a dropped control connection cannot kill the transfer
func (d *LibvirtDriver) BeginMigration(ctx context.Context, vm *VM, dest *Host, opts MigrationOptions) error {
	if opts.BandwidthBPS > 0 {
		mibps := opts.BandwidthBPS / (1 << 20)
		if mibps == 0 {
			mibps = 1
		}
		if _, err := d.run(ctx, "virsh", "migrate-setspeed", vm.ID, "--bandwidth", strconv.FormatUint(mibps, 10)); err != nil {
			return d.classify("migrate speed", err)
		}
	}
	if opts.MaxDowntimeMS > 0 {
		if _, err := d.run(ctx, "virsh", "migrate-setmaxdowntime", vm.ID, strconv.FormatUint(opts.MaxDowntimeMS, 10)); err != nil {
			return d.classify("migrate downtime", err)
		}
	}

	destAddr, _, err := hostport.Split(dest.Address)
	if err != nil {
		destAddr = dest.Address
	}
	uri := fmt.Sprintf("qemu+ssh://%s@%s/system", dest.SSHUser, destAddr)
	// the destination holds a persistent definition and empty disk files
	// from the prepare phase; the transfer copies storage into them
	args := []string{"virsh", "migrate", "--live", "--undefinesource", "--copy-storage-all"}
	if opts.Compressed {
		args = append(args, "--compressed")
	}
	args = append(args, vm.ID, uri)

	detached := fmt.Sprintf("nohup %s >/dev/null 2>&1 &", shellJoin(args[0], args[1:]))
	if _, err := d.run(ctx, "sh", "-c", detached); err != nil {
		return d.classify("begin migration", err)
	}
	return nil
}

// QueryMigration reads domjobinfo on the source and reports job progress
func (d *LibvirtDriver) QueryMigration(ctx context.Context, vmID string) (MigrationJob, error) {
	out, err := d.run(ctx, "virsh", "domjobinfo", vmID, "--completed")
	if err != nil {
		out, err = d.run(ctx, "virsh", "domjobinfo", vmID)
		if err != nil {
			if OutputContains(err, "no domain", "not found") {
				// Source domain gone: --undefinesource removed it, so
				// the transfer finished
				return MigrationJob{Completed: true, Progress: 100}, nil
			}
			return MigrationJob{}, d.classify("migration state", err)
		}
	}

	job := MigrationJob{}
	var processed, total uint64
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "Job type":
			switch value {
			case "Unbounded", "Bounded":
				job.Active = true
			case "Completed":
				job.Completed = true
				job.Progress = 100
			case "Failed":
				job.Failed = true
			case "Cancelled":
				job.Failed = true
			}
		case "Data processed":
			processed = parseDataAmount(value)
		case "Data total":
			total = parseDataAmount(value)
		}
	}
	if job.Active && total > 0 {
		job.Progress = int(processed * 100 / total)
		if job.Progress > 99 {
			job.Progress = 99
		}
	}
	return job, nil
}

// parseDataAmount reads domjobinfo sizes like "1.234 GiB" into bytes
func parseDataAmount(s string) uint64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	unit := uint64(1)
	if len(fields) > 1 {
		switch fields[1] {
		case "KiB":
			unit = 1 << 10
		case "MiB":
			unit = 1 << 20
		case "GiB":
			unit = 1 << 30
		case "TiB":
			unit = 1 << 40
		}
	}
	return uint64(f * float64(unit))
}

// CancelMigration aborts the in-flight job. No job is not an error.
func (d *LibvirtDriver) CancelMigration(ctx context.Context, vmID string) error {
	if _, err := d.run(ctx, "virsh", "domjobabort", vmID); err != nil {
		if OutputContains(err, "no job", "no domain", "not found") {
			return nil
		}
		return d.classify("abort migration", err)
	}
	return nil
}

// EnsureImage downloads the image bits if missing and verifies the digest
func (d *LibvirtDriver) EnsureImage(ctx context.Context, img *Image) error {
	path := img.LocalPath(d.host.VMRoot)
	have, err := d.exists(ctx, path)
	if err != nil {
		return err
	}
	if !have {
		if img.Source == "" {
			return NewError(ErrValidation, "image %s has no source and is absent on host %s", img.ID, d.host.ID)
		}
		if _, err := d.run(ctx, "mkdir", "-p", filepath.Dir(path)); err != nil {
			return d.classify("mkdir images", err)
		}
		if _, err := d.run(ctx, "curl", "-fsSL", "-o", path, img.Source); err != nil {
			return d.classify("fetch image", err)
		}
	}
	if img.SHA256 != "" {
		check := fmt.Sprintf("%s  %s", img.SHA256, path)
		if _, err := d.runInput(ctx, []byte(check+"\n"), "sha256sum", "-c", "-"); err != nil {
			_, _ = d.run(ctx, "rm", "-f", path)
			return NewError(ErrDriverTerminal, "image %s digest mismatch on host %s", img.ID, d.host.ID)
		}
	}
	return img.MarkPresent(d.host.ID)
}

// CreateSnapshot takes a named snapshot of the domain
func (d *LibvirtDriver) CreateSnapshot(ctx context.Context, vmID, name string) error {
	if _, err := d.run(ctx, "virsh", "snapshot-create-as", vmID, name, "--atomic"); err != nil {
		if OutputContains(err, "already exists") {
			return nil
		}
		return d.classify("create snapshot", err)
	}
	return nil
}

// ListSnapshots names the domain's snapshots
func (d *LibvirtDriver) ListSnapshots(ctx context.Context, vmID string) ([]string, error) {
	out, err := d.run(ctx, "virsh", "snapshot-list", vmID, "--name")
	if err != nil {
		return nil, d.classify("list snapshots", err)
	}
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	return names, nil
}

// RevertSnapshot rolls the domain back to a snapshot
func (d *LibvirtDriver) RevertSnapshot(ctx context.Context, vmID, name string) error {
	if _, err := d.run(ctx, "virsh", "snapshot-revert", vmID, name); err != nil {
		return d.classify("revert snapshot", err)
	}
	return nil
}

// DeleteSnapshot drops a snapshot
func (d *LibvirtDriver) DeleteSnapshot(ctx context.Context, vmID, name string) error {
	if _, err := d.run(ctx, "virsh", "snapshot-delete", vmID, name); err != nil {
		if OutputContains(err, "no snapshot", "not found") {
			return nil
		}
		return d.classify("delete snapshot", err)
	}
	return nil
}

// Close releases the driver's runner
func (d *LibvirtDriver) Close() error {
	return d.runner.Close()
}
