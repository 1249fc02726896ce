package selkie

import (
	"context"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"
)

type (
	stubDomain struct {
		defined   bool
		running   bool
		snapshots map[string]struct{}
	}

	// StubDriver is a Driver with in-memory state for testing. Verbs can
	// fail randomly at a configured rate or deterministically by name,
	// and every invocation lands in the call log.
	StubDriver struct {
		context     *Context
		rand        *rand.Rand
		failPercent int

		mu         sync.Mutex
		domains    map[string]*stubDomain
		volumes    map[string]uint64
		networks   map[string]bool
		images     map[string]bool
		failVerbs  map[string]error
		calls      []string
		rulesets   [][]byte
		migrations map[string]*MigrationJob
	}
)

// NewStubDriver creates a new StubDriver instance within the context and
// initializes the random number generator for failures
func (context *Context) NewStubDriver(failPercent int) *StubDriver {
	return &StubDriver{
		context:     context,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		failPercent: failPercent,
		domains:     make(map[string]*stubDomain),
		volumes:     make(map[string]uint64),
		networks:    make(map[string]bool),
		images:      make(map[string]bool),
		failVerbs:   make(map[string]error),
		migrations:  make(map[string]*MigrationJob),
	}
}

// FailVerb makes the named verb return err on every call until cleared
// with a nil err
func (d *StubDriver) FailVerb(verb string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failVerbs, verb)
		return
	}
	d.failVerbs[verb] = err
}

// Calls returns a copy of the verb log
func (d *StubDriver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// ResetCalls clears the verb log
func (d *StubDriver) ResetCalls() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

// Rulesets returns every script handed to ApplyIptables
func (d *StubDriver) Rulesets() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.rulesets))
	copy(out, d.rulesets)
	return out
}

// enter logs the call and returns the injected failure, if any
func (d *StubDriver) enter(verb string, args ...string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := verb
	for _, a := range args {
		entry += " " + a
	}
	d.calls = append(d.calls, entry)
	if err, ok := d.failVerbs[verb]; ok {
		return err
	}
	if d.failPercent > 0 && d.rand.Intn(100) < d.failPercent {
		return NewError(ErrDriverUnavailable, "stub: random error")
	}
	return nil
}

func (d *StubDriver) domain(vmID string) *stubDomain {
	dom, ok := d.domains[vmID]
	if !ok {
		dom = &stubDomain{snapshots: make(map[string]struct{})}
		d.domains[vmID] = dom
	}
	return dom
}

// Ping always answers unless a failure is injected
func (d *StubDriver) Ping(ctx context.Context) error {
	return d.enter("Ping")
}

// DefineDomain records the domain as defined
func (d *StubDriver) DefineDomain(ctx context.Context, vm *VM, image *Image, volumes []*Disk) error {
	if err := d.enter("DefineDomain", vm.ID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.domain(vm.ID).defined = true
	return nil
}

// UndefineDomain drops the domain
func (d *StubDriver) UndefineDomain(ctx context.Context, vm *VM) error {
	if err := d.enter("UndefineDomain", vm.ID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.domains, vm.ID)
	return nil
}

// Start marks the domain running
func (d *StubDriver) Start(ctx context.Context, vmID string) error {
	if err := d.enter("Start", vmID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dom, ok := d.domains[vmID]
	if !ok || !dom.defined {
		return NewError(ErrNotFound, "stub: domain %s not defined", vmID)
	}
	dom.running = true
	return nil
}

// Stop marks the domain stopped
func (d *StubDriver) Stop(ctx context.Context, vmID string, force bool) error {
	if err := d.enter("Stop", vmID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if dom, ok := d.domains[vmID]; ok {
		dom.running = false
	}
	return nil
}

// Reboot is a logged no-op on a running domain
func (d *StubDriver) Reboot(ctx context.Context, vmID string) error {
	if err := d.enter("Reboot", vmID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dom, ok := d.domains[vmID]
	if !ok || !dom.running {
		return NewError(ErrConflict, "stub: domain %s not running", vmID)
	}
	return nil
}

// Status reports the recorded domain state
func (d *StubDriver) Status(ctx context.Context, vmID string) (DomainState, error) {
	if err := d.enter("Status", vmID); err != nil {
		return DomainState{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dom, ok := d.domains[vmID]
	if !ok || !dom.defined {
		return DomainState{}, nil
	}
	raw := "shut off"
	if dom.running {
		raw = "running"
	}
	return DomainState{Exists: true, Running: dom.running, Raw: raw}, nil
}

// Metrics fabricates a usage sample from the VM row
func (d *StubDriver) Metrics(ctx context.Context, vmID string) (*GuestMetrics, error) {
	if err := d.enter("Metrics", vmID); err != nil {
		return nil, err
	}
	vm, err := d.context.VM(vmID)
	if err != nil {
		return nil, err
	}
	return &GuestMetrics{
		CPUSeconds:  float64(d.rand.Intn(1000)),
		MemoryKB:    vm.MemoryMB * 1024 / 2,
		MaxMemoryKB: vm.MemoryMB * 1024,
		VCPUs:       vm.CPUCores,
	}, nil
}

// CreateVolume records the volume
func (d *StubDriver) CreateVolume(ctx context.Context, disk *Disk) error {
	if err := d.enter("CreateVolume", disk.ID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.volumes[disk.ID]; !ok {
		d.volumes[disk.ID] = disk.SizeGB
	}
	return nil
}

// ResizeVolume grows the recorded volume
func (d *StubDriver) ResizeVolume(ctx context.Context, disk *Disk) error {
	if err := d.enter("ResizeVolume", disk.ID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.volumes[disk.ID]; !ok {
		return NewError(ErrNotFound, "stub: volume %s", disk.ID)
	}
	d.volumes[disk.ID] = disk.SizeGB
	return nil
}

// DeleteVolume drops the recorded volume
func (d *StubDriver) DeleteVolume(ctx context.Context, disk *Disk) error {
	if err := d.enter("DeleteVolume", disk.ID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.volumes, disk.ID)
	return nil
}

// AttachVolume is a logged no-op
func (d *StubDriver) AttachVolume(ctx context.Context, vm *VM, disk *Disk, slot string) error {
	return d.enter("AttachVolume", vm.ID, disk.ID, slot)
}

// DetachVolume is a logged no-op
func (d *StubDriver) DetachVolume(ctx context.Context, vm *VM, slot string) error {
	return d.enter("DetachVolume", vm.ID, slot)
}

// ResizeCPUMem refuses while the domain runs, like the real thing
func (d *StubDriver) ResizeCPUMem(ctx context.Context, vm *VM) error {
	if err := d.enter("ResizeCPUMem", vm.ID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if dom, ok := d.domains[vm.ID]; ok && dom.running {
		return NewError(ErrConflict, "stub: domain %s is running", vm.ID)
	}
	return nil
}

// DefineNetwork records the bridge
func (d *StubDriver) DefineNetwork(ctx context.Context, vpc *VPC) error {
	if err := d.enter("DefineNetwork", vpc.Name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.networks[vpc.Name] = true
	return nil
}

// DestroyNetwork drops the bridge
func (d *StubDriver) DestroyNetwork(ctx context.Context, vpc *VPC) error {
	if err := d.enter("DestroyNetwork", vpc.Name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.networks, vpc.Name)
	return nil
}

// HasNetwork reports whether the VPC bridge was defined
func (d *StubDriver) HasNetwork(vpcName string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.networks[vpcName]
}

// ApplyIptables captures the script
func (d *StubDriver) ApplyIptables(ctx context.Context, script []byte) error {
	if err := d.enter("ApplyIptables"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := make([]byte, len(script))
	copy(copied, script)
	d.rulesets = append(d.rulesets, copied)
	return nil
}

// OpenSerialConsole hands back one end of a pipe; the stub echoes writes
// so console plumbing can be tested end to end
func (d *StubDriver) OpenSerialConsole(ctx context.Context, vm *VM) (io.ReadWriteCloser, error) {
	if err := d.enter("OpenSerialConsole", vm.ID); err != nil {
		return nil, err
	}
	client, server := net.Pipe()
	go func() {
		_, _ = io.Copy(server, server)
		server.Close()
	}()
	return client, nil
}

// BeginMigration starts a scripted job that advances on each query
func (d *StubDriver) BeginMigration(ctx context.Context, vm *VM, dest *Host, opts MigrationOptions) error {
	if err := d.enter("BeginMigration", vm.ID, dest.ID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.migrations[vm.ID] = &MigrationJob{Active: true}
	return nil
}

// QueryMigration advances and reports the scripted job
func (d *StubDriver) QueryMigration(ctx context.Context, vmID string) (MigrationJob, error) {
	if err := d.enter("QueryMigration", vmID); err != nil {
		return MigrationJob{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	job, ok := d.migrations[vmID]
	if !ok {
		return MigrationJob{}, nil
	}
	if job.Active {
		job.Progress += 50
		if job.Progress >= 100 {
			job.Progress = 100
			job.Active = false
			job.Completed = true
		}
	}
	return *job, nil
}

// FailMigration flips the scripted job to failed
func (d *StubDriver) FailMigration(vmID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if job, ok := d.migrations[vmID]; ok {
		job.Active = false
		job.Failed = true
	}
}

// CancelMigration aborts the scripted job
func (d *StubDriver) CancelMigration(ctx context.Context, vmID string) error {
	if err := d.enter("CancelMigration", vmID); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if job, ok := d.migrations[vmID]; ok && job.Active {
		job.Active = false
		job.Failed = true
	}
	return nil
}

// EnsureImage records the image as present
func (d *StubDriver) EnsureImage(ctx context.Context, img *Image) error {
	if err := d.enter("EnsureImage", img.ID); err != nil {
		return err
	}
	d.mu.Lock()
	d.images[img.ID] = true
	d.mu.Unlock()
	return nil
}

// CreateSnapshot records a snapshot
func (d *StubDriver) CreateSnapshot(ctx context.Context, vmID, name string) error {
	if err := d.enter("CreateSnapshot", vmID, name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dom, ok := d.domains[vmID]
	if !ok || !dom.defined {
		return NewError(ErrNotFound, "stub: domain %s not defined", vmID)
	}
	dom.snapshots[name] = struct{}{}
	return nil
}

// ListSnapshots names the recorded snapshots
func (d *StubDriver) ListSnapshots(ctx context.Context, vmID string) ([]string, error) {
	if err := d.enter("ListSnapshots", vmID); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dom, ok := d.domains[vmID]
	if !ok {
		return nil, nil
	}
	names := make([]string, 0, len(dom.snapshots))
	for name := range dom.snapshots {
		names = append(names, name)
	}
	return names, nil
}

// RevertSnapshot checks the snapshot exists
func (d *StubDriver) RevertSnapshot(ctx context.Context, vmID, name string) error {
	if err := d.enter("RevertSnapshot", vmID, name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dom, ok := d.domains[vmID]
	if !ok {
		return NewError(ErrNotFound, "stub: domain %s", vmID)
	}
	if _, ok := dom.snapshots[name]; !ok {
		return NewError(ErrNotFound, "stub: snapshot %s/%s", vmID, name)
	}
	return nil
}

// DeleteSnapshot drops a recorded snapshot
func (d *StubDriver) DeleteSnapshot(ctx context.Context, vmID, name string) error {
	if err := d.enter("DeleteSnapshot", vmID, name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if dom, ok := d.domains[vmID]; ok {
		delete(dom.snapshots, name)
	}
	return nil
}

var _ Driver = (*StubDriver)(nil)
var _ Driver = (*LibvirtDriver)(nil)
