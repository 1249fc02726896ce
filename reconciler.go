package selkie

import (
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mistifyio/selkie/pkg/deferer"
	"github.com/mistifyio/selkie/pkg/kv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

// Reconciliation tuning
const (
	// RetryBase and RetryCap bound the per-step exponential backoff
	RetryBase = 500 * time.Millisecond
	RetryCap  = 30 * time.Second
	// RetryAttempts is how many times a retryable step is tried
	RetryAttempts = 8
	// StepTimeout caps a single driver verb
	StepTimeout = 2 * time.Minute
	// SweepInterval paces the background convergence and orphan sweep
	SweepInterval = time.Minute
)

type (
	// DriverFactory builds (or returns a cached) Driver for a host
	DriverFactory func(*Host) (Driver, error)

	// Reconciler converges VMs toward their desired state. One logical
	// task per VM runs at a time; tasks for different VMs run on a fixed
	// worker pool. Host load is bounded by the drivers themselves.
	Reconciler struct {
		context *Context
		drivers DriverFactory
		workers int

		mu      sync.Mutex
		vmLocks map[string]*sync.Mutex
		pushed  map[string][]byte

		queue chan string
		t     tomb.Tomb
	}
)

// NewReconciler creates a stopped Reconciler. workers <= 0 uses 4.
func NewReconciler(c *Context, drivers DriverFactory, workers int) *Reconciler {
	if workers <= 0 {
		workers = 4
	}
	return &Reconciler{
		context: c,
		drivers: drivers,
		workers: workers,
		vmLocks: make(map[string]*sync.Mutex),
		pushed:  make(map[string][]byte),
		queue:   make(chan string, 1024),
	}
}

// Start launches the worker pool and the background sweeper
func (r *Reconciler) Start() {
	for i := 0; i < r.workers; i++ {
		r.t.Go(r.worker)
	}
	r.t.Go(r.sweeper)
}

// Stop shuts the pool down and waits for in-flight tasks
func (r *Reconciler) Stop() error {
	r.t.Kill(nil)
	return r.t.Wait()
}

// Enqueue asks for a VM to be reconciled. A full queue drops the token;
// the sweeper will pick the VM up on its next pass.
func (r *Reconciler) Enqueue(vmID string) {
	select {
	case r.queue <- vmID:
	default:
		log.WithField("vm", vmID).Warn("reconcile queue full, dropping token")
	}
}

func (r *Reconciler) worker() error {
	for {
		select {
		case <-r.t.Dying():
			return nil
		case vmID := <-r.queue:
			if err := r.Reconcile(vmID); err != nil {
				log.WithFields(log.Fields{
					"vm":    vmID,
					"error": err,
				}).Error("reconcile failed")
			}
		}
	}
}

// vmLock serializes work per VM id
func (r *Reconciler) vmLock(vmID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.vmLocks[vmID]
	if !ok {
		l = &sync.Mutex{}
		r.vmLocks[vmID] = l
	}
	return l
}

func (r *Reconciler) driver(host *Host) (Driver, error) {
	return r.drivers(host)
}

// Reconcile runs one convergence pass for a VM
func (r *Reconciler) Reconcile(vmID string) error {
	l := r.vmLock(vmID)
	l.Lock()
	defer l.Unlock()

	vm, err := r.context.VM(vmID)
	if err != nil {
		if r.context.IsKeyNotFound(err) {
			return nil
		}
		return err
	}

	switch vm.Status {
	case VMStatusCreating:
		return r.create(vm)
	case VMStatusRunning, VMStatusStopped, VMStatusStarting, VMStatusStopping:
		return r.convergePower(vm)
	case VMStatusResizing:
		return r.resize(vm)
	case VMStatusTerminating:
		return r.terminate(vm)
	case VMStatusMigrating, VMStatusTerminated, VMStatusError:
		// migrations belong to the coordinator; terminal states wait
		// for an operator
		return nil
	default:
		return NewError(ErrInternal, "vm %s: unknown status %q", vm.ID, vm.Status)
	}
}

// retryStep runs fn with exponential backoff while it keeps failing
// retryably. The last error comes back when attempts run out.
func (r *Reconciler) retryStep(vmID, step string, fn func(context.Context) error) error {
	delay := RetryBase
	var err error
	for attempt := 0; attempt < RetryAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		log.WithFields(log.Fields{
			"vm":      vmID,
			"step":    step,
			"attempt": attempt + 1,
			"error":   err,
		}).Warn("step failed, backing off")

		select {
		case <-r.t.Dying():
			return err
		case <-time.After(delay):
		}
		delay *= 2
		if delay > RetryCap {
			delay = RetryCap
		}
	}
	return err
}

// place picks a host for a new VM and claims its network identity: the
// private address reservation, the VM row update, and nothing else commit
// in one batch so a crash cannot strand a half-placed VM.
func (r *Reconciler) place(vm *VM) (*Host, error) {
	if vm.HostID != "" {
		return r.context.Host(vm.HostID)
	}

	host, err := r.context.Schedule(vm)
	if err != nil {
		return nil, err
	}
	vpc, err := r.context.VPC(vm.VPCName)
	if err != nil {
		return nil, err
	}

	sshPort, err := host.FreeNATPort()
	if err != nil {
		return nil, err
	}
	vncPort, err := host.FreeVNCPort()
	if err != nil {
		return nil, err
	}

	alloc, reserveOp, err := r.context.ReserveOp(VPCScope(vm.VPCName), "")
	if err != nil {
		return nil, err
	}

	vm.HostID = host.ID
	vm.SSHPort = sshPort
	vm.VNCPort = vncPort
	vm.ConsolePath = vm.ConsoleSocketPath(host.VMRoot)
	vm.NICs = []NIC{{
		MAC:       vm.MAC(),
		PrivateIP: net.ParseIP(alloc.Address),
		Bridge:    vpc.BridgeName(),
	}}
	vmOp, err := vm.saveOp()
	if err != nil {
		return nil, err
	}
	if _, err := r.context.Batch([]kv.Op{reserveOp, vmOp}); err != nil {
		return nil, err
	}
	if err := vm.Refresh(); err != nil {
		return nil, err
	}
	if err := r.context.Bind(VPCScope(vm.VPCName), alloc.Address, vm.ID); err != nil {
		return nil, err
	}
	return host, nil
}

// create walks a new VM through image, network, domain, and power-on.
// A terminal failure rolls back only what this transition created and
// parks the VM in error.
func (r *Reconciler) create(vm *VM) error {
	d := deferer.NewDeferer(nil)
	failed := true
	defer func() {
		if failed {
			d.Run()
		}
	}()

	host, err := r.place(vm)
	if err != nil {
		if IsRetryable(err) {
			return err
		}
		vm.SetError("place", err)
		return vm.Save()
	}
	drv, err := r.driver(host)
	if err != nil {
		return err
	}

	img, err := r.context.Image(vm.ImageID)
	if err != nil {
		vm.SetError("image", err)
		return vm.Save()
	}
	vpc, err := r.context.VPC(vm.VPCName)
	if err != nil {
		vm.SetError("vpc", err)
		return vm.Save()
	}

	steps := []struct {
		name string
		fn   func(context.Context) error
		undo func()
	}{
		{"ensure_image", func(ctx context.Context) error {
			return drv.EnsureImage(ctx, img)
		}, nil},
		{"define_network", func(ctx context.Context) error {
			return drv.DefineNetwork(ctx, vpc)
		}, nil},
		{"apply_firewall", func(ctx context.Context) error {
			return r.pushFirewall(ctx, drv, host, vpc)
		}, nil},
		{"define_domain", func(ctx context.Context) error {
			volumes, verr := r.attachedDisks(vm)
			if verr != nil {
				return verr
			}
			return drv.DefineDomain(ctx, vm, img, volumes)
		}, func() {
			ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
			defer cancel()
			_ = drv.UndefineDomain(ctx, vm)
		}},
	}

	for _, step := range steps {
		if err := r.retryStep(vm.ID, step.name, step.fn); err != nil {
			vm.SetError(step.name, err)
			return vm.Save()
		}
		if step.undo != nil {
			d.Defer(step.undo)
		}
	}

	vm.SetObserved(VMStatusStopped, PowerOff)
	if err := vm.Save(); err != nil {
		return err
	}
	failed = false

	if vm.DesiredPower == PowerOn {
		return r.convergePower(vm)
	}
	return nil
}

// convergePower lines the domain's power state up with the desired one
func (r *Reconciler) convergePower(vm *VM) error {
	host, err := r.context.Host(vm.HostID)
	if err != nil {
		return err
	}
	drv, err := r.driver(host)
	if err != nil {
		return err
	}

	var state DomainState
	if err := r.retryStep(vm.ID, "status", func(ctx context.Context) error {
		var serr error
		state, serr = drv.Status(ctx, vm.ID)
		return serr
	}); err != nil {
		return err
	}
	if !state.Exists {
		err := NewError(ErrNotFound, "vm %s: domain missing on host %s", vm.ID, host.ID)
		vm.SetError("status", err)
		return vm.Save()
	}

	switch {
	case vm.DesiredPower == PowerOn && !state.Running:
		if err := r.retryStep(vm.ID, "start", func(ctx context.Context) error {
			return drv.Start(ctx, vm.ID)
		}); err != nil {
			vm.SetError("start", err)
			return vm.Save()
		}
		vm.SetObserved(VMStatusRunning, PowerOn)
	case vm.DesiredPower == PowerOff && state.Running:
		if err := r.retryStep(vm.ID, "stop", func(ctx context.Context) error {
			return drv.Stop(ctx, vm.ID, false)
		}); err != nil {
			vm.SetError("stop", err)
			return vm.Save()
		}
		vm.SetObserved(VMStatusStopped, PowerOff)
	case state.Running:
		vm.SetObserved(VMStatusRunning, PowerOn)
	default:
		vm.SetObserved(VMStatusStopped, PowerOff)
	}
	return vm.Save()
}

// Reboot restarts the guest through the host driver. The API enqueues
// this as its own job instead of folding it into convergence, since a
// reboot is a one-shot verb rather than a desired state.
func (r *Reconciler) Reboot(vmID string) error {
	l := r.vmLock(vmID)
	l.Lock()
	defer l.Unlock()

	vm, err := r.context.VM(vmID)
	if err != nil {
		return err
	}
	if vm.Status != VMStatusRunning {
		return NewError(ErrValidation, "vm %s is %s, reboot needs a running vm", vm.ID, vm.Status)
	}
	host, err := r.context.Host(vm.HostID)
	if err != nil {
		return err
	}
	drv, err := r.driver(host)
	if err != nil {
		return err
	}
	return r.retryStep(vm.ID, "reboot", func(ctx context.Context) error {
		return drv.Reboot(ctx, vm.ID)
	})
}

// resize stops the domain, applies the new figures, and restores power
func (r *Reconciler) resize(vm *VM) error {
	host, err := r.context.Host(vm.HostID)
	if err != nil {
		return err
	}
	drv, err := r.driver(host)
	if err != nil {
		return err
	}

	if err := r.retryStep(vm.ID, "stop", func(ctx context.Context) error {
		return drv.Stop(ctx, vm.ID, false)
	}); err != nil {
		vm.SetError("stop", err)
		return vm.Save()
	}
	if err := r.retryStep(vm.ID, "resize", func(ctx context.Context) error {
		return drv.ResizeCPUMem(ctx, vm)
	}); err != nil {
		vm.SetError("resize", err)
		return vm.Save()
	}

	vm.SetObserved(VMStatusStopped, PowerOff)
	if err := vm.Save(); err != nil {
		return err
	}
	if vm.DesiredPower == PowerOn {
		return r.convergePower(vm)
	}
	return nil
}

// terminate tears the VM's host resources down and releases its network
// identity. Disks that refuse to detach are tagged orphaned for the
// sweeper instead of blocking the teardown.
func (r *Reconciler) terminate(vm *VM) error {
	host, err := r.context.Host(vm.HostID)
	if err != nil && !r.context.IsKeyNotFound(err) {
		return err
	}

	if host != nil {
		drv, derr := r.driver(host)
		if derr != nil {
			return derr
		}
		if err := r.retryStep(vm.ID, "stop", func(ctx context.Context) error {
			return drv.Stop(ctx, vm.ID, true)
		}); err != nil {
			vm.SetError("stop", err)
			return vm.Save()
		}
		for _, att := range vm.Disks {
			att := att
			if err := r.retryStep(vm.ID, "detach_volume", func(ctx context.Context) error {
				return drv.DetachVolume(ctx, vm, att.Slot)
			}); err != nil {
				r.orphanDisk(att.DiskID)
				continue
			}
			if disk, derr := r.context.Disk(att.DiskID); derr == nil {
				if err := disk.Detach(); err != nil {
					log.WithFields(log.Fields{
						"vm":    vm.ID,
						"disk":  att.DiskID,
						"error": err,
					}).Warn("disk detach bookkeeping failed")
				}
			}
		}
		if err := r.retryStep(vm.ID, "undefine_domain", func(ctx context.Context) error {
			return drv.UndefineDomain(ctx, vm)
		}); err != nil {
			vm.SetError("undefine_domain", err)
			return vm.Save()
		}
	}

	var errs *multierror.Error
	for _, nic := range vm.NICs {
		if nic.PrivateIP != nil {
			errs = multierror.Append(errs, r.context.Release(VPCScope(vm.VPCName), nic.PrivateIP.String(), vm.ID))
		}
		if nic.FloatingIP != nil {
			if fip, ferr := r.context.FloatingIP(nic.FloatingIP.String()); ferr == nil {
				errs = multierror.Append(errs, fip.Unbind())
				errs = multierror.Append(errs, r.context.Release(PublicScope, nic.FloatingIP.String(), vm.ID))
			}
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	vm.SetObserved(VMStatusTerminated, PowerOff)
	return vm.Save()
}

func (r *Reconciler) orphanDisk(diskID string) {
	disk, err := r.context.Disk(diskID)
	if err != nil {
		return
	}
	disk.Orphaned = true
	if err := disk.Save(); err != nil {
		log.WithFields(log.Fields{
			"disk":  diskID,
			"error": err,
		}).Warn("failed to tag orphaned disk")
	}
}

// attachedDisks resolves the VM's attachments in slot order
func (r *Reconciler) attachedDisks(vm *VM) ([]*Disk, error) {
	disks := make([]*Disk, 0, len(vm.Disks))
	for _, att := range vm.Disks {
		d, err := r.context.Disk(att.DiskID)
		if err != nil {
			return nil, err
		}
		disks = append(disks, d)
	}
	return disks, nil
}

// pushFirewall compiles the VPC chains and the host NAT table, pushing
// only the scripts whose bytes changed since the last push
func (r *Reconciler) pushFirewall(ctx context.Context, drv Driver, host *Host, vpc *VPC) error {
	rules, err := r.context.FirewallRulesForVPC(vpc.Name)
	if err != nil {
		return err
	}
	script, err := CompileFirewall(vpc, rules)
	if err != nil {
		return err
	}
	if err := r.pushIfChanged(ctx, drv, "fw/"+host.ID+"/"+vpc.Name, script); err != nil {
		return err
	}

	var vms VMs
	err = r.context.ForEachVM(func(vm *VM) error {
		if vm.HostID == host.ID {
			vms = append(vms, vm)
		}
		return nil
	})
	if err != nil {
		return err
	}
	nat, err := CompileNAT(host, vms)
	if err != nil {
		return err
	}
	return r.pushIfChanged(ctx, drv, "nat/"+host.ID, nat)
}

func (r *Reconciler) pushIfChanged(ctx context.Context, drv Driver, key string, script []byte) error {
	r.mu.Lock()
	last, ok := r.pushed[key]
	r.mu.Unlock()
	if ok && bytes.Equal(last, script) {
		return nil
	}
	if err := drv.ApplyIptables(ctx, script); err != nil {
		return err
	}
	r.mu.Lock()
	r.pushed[key] = script
	r.mu.Unlock()
	return nil
}

// ApplyVPCFirewall recompiles and pushes the rules for a VPC on every
// host carrying one of its VMs. The API calls this after rule changes.
func (r *Reconciler) ApplyVPCFirewall(vpcName string) error {
	vpc, err := r.context.VPC(vpcName)
	if err != nil {
		return err
	}
	hostIDs := make(map[string]struct{})
	err = r.context.ForEachVM(func(vm *VM) error {
		if vm.VPCName == vpcName && vm.HostID != "" && vm.Status != VMStatusTerminated {
			hostIDs[vm.HostID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for hostID := range hostIDs {
		host, herr := r.context.Host(hostID)
		if herr != nil {
			errs = multierror.Append(errs, herr)
			continue
		}
		drv, derr := r.driver(host)
		if derr != nil {
			errs = multierror.Append(errs, derr)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
		errs = multierror.Append(errs, r.pushFirewall(ctx, drv, host, vpc))
		cancel()
	}
	return errs.ErrorOrNil()
}

// ApplyHostNAT recompiles and pushes one host's NAT table. The API
// calls this after floating-IP binds and unbinds.
func (r *Reconciler) ApplyHostNAT(hostID string) error {
	host, err := r.context.Host(hostID)
	if err != nil {
		return err
	}
	drv, err := r.driver(host)
	if err != nil {
		return err
	}
	var vms VMs
	err = r.context.ForEachVM(func(vm *VM) error {
		if vm.HostID == host.ID {
			vms = append(vms, vm)
		}
		return nil
	})
	if err != nil {
		return err
	}
	nat, err := CompileNAT(host, vms)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
	defer cancel()
	return r.pushIfChanged(ctx, drv, "nat/"+host.ID, nat)
}

// sweeper periodically reaps the address ledger, retries orphaned disks,
// and requeues VMs whose observed state drifted from the desired one
func (r *Reconciler) sweeper() error {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.t.Dying():
			return nil
		case <-ticker.C:
			if err := r.sweep(); err != nil {
				log.WithField("error", err).Error("sweep failed")
			}
		}
	}
}

func (r *Reconciler) sweep() error {
	var errs *multierror.Error
	errs = multierror.Append(errs, r.context.ReapAllocations())

	errs = multierror.Append(errs, r.context.ForEachVM(func(vm *VM) error {
		switch vm.Status {
		case VMStatusTerminated, VMStatusError, VMStatusMigrating:
			return nil
		}
		converged := (vm.DesiredPower == PowerOn && vm.Status == VMStatusRunning) ||
			(vm.DesiredPower == PowerOff && vm.Status == VMStatusStopped)
		if !converged {
			r.Enqueue(vm.ID)
		}
		return nil
	}))

	errs = multierror.Append(errs, r.context.ForEachDisk(func(disk *Disk) error {
		if !disk.Orphaned || disk.HostID == "" {
			return nil
		}
		host, err := r.context.Host(disk.HostID)
		if err != nil {
			return nil
		}
		drv, err := r.driver(host)
		if err != nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
		defer cancel()
		if err := drv.DeleteVolume(ctx, disk); err != nil {
			return nil
		}
		disk.Orphaned = false
		disk.Status = DiskAvailable
		disk.VMID = ""
		return disk.Save()
	}))

	return errs.ErrorOrNil()
}
