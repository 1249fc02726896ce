package selkie

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/mistifyio/selkie/pkg/kv"
	log "github.com/sirupsen/logrus"
)

// MigratePollInterval paces the precopy progress polls
const MigratePollInterval = time.Second

// Coordinator drives live migrations through their persisted phase
// machine. Every phase is replayable, so a coordinator picking a
// Migration row back up after a crash continues where the last one
// stopped.
type Coordinator struct {
	context *Context
	drivers DriverFactory
}

// NewCoordinator creates a Coordinator
func NewCoordinator(c *Context, drivers DriverFactory) *Coordinator {
	return &Coordinator{
		context: c,
		drivers: drivers,
	}
}

// StartMigration validates the request, claims the per-VM migration
// slot, and flips the VM into migrating. The Migration row create is
// the mutual-exclusion point, so a second concurrent request conflicts.
func (co *Coordinator) StartMigration(vmID, destID string, opts MigrationOptions) (*Migration, error) {
	vm, err := co.context.VM(vmID)
	if err != nil {
		return nil, err
	}
	if vm.Status != VMStatusRunning {
		return nil, NewError(ErrValidation, "vm %s is %s, live migration needs a running vm", vm.ID, vm.Status)
	}
	if vm.HostID == destID {
		return nil, NewError(ErrValidation, "vm %s is already on host %s", vm.ID, destID)
	}

	dest, err := co.context.Host(destID)
	if err != nil {
		return nil, err
	}
	candidates := Hosts{dest}
	for _, f := range DefaultCandidateFunctions {
		if candidates, err = f(vm, candidates); err != nil {
			return nil, err
		}
	}
	if len(candidates) == 0 {
		return nil, NewError(ErrExhausted, "host %s cannot take vm %s", destID, vm.ID)
	}

	m := co.context.NewMigration(vm.ID, vm.HostID, destID)
	m.BandwidthBPS = opts.BandwidthBPS
	m.MaxDowntimeMS = opts.MaxDowntimeMS
	m.Compressed = opts.Compressed
	if err := m.Save(); err != nil {
		if IsErrorCode(err, ErrConflict) {
			return nil, NewError(ErrConflict, "vm %s already has a migration in flight", vm.ID)
		}
		return nil, err
	}

	vm.Status = VMStatusMigrating
	if err := vm.Save(); err != nil {
		if derr := m.Delete(); derr != nil {
			log.WithFields(log.Fields{
				"vm":    vm.ID,
				"error": derr,
			}).Warn("failed to remove migration row after vm save failure")
		}
		return nil, err
	}
	return m, nil
}

// Run executes (or resumes) the migration for a VM until it reaches a
// terminal phase. A context cancellation returns without aborting so a
// restarted daemon can resume the transfer.
func (co *Coordinator) Run(ctx context.Context, vmID string) error {
	m, err := co.context.Migration(vmID)
	if err != nil {
		if co.context.IsKeyNotFound(err) {
			return nil
		}
		return err
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch m.Phase {
		case PhasePrepare:
			if err := co.prepare(ctx, m); err != nil {
				if ctx.Err() != nil {
					return err
				}
				return co.abort(ctx, m, err)
			}
			if err := m.SetPhase(PhasePrecopy); err != nil {
				return err
			}
		case PhasePrecopy:
			if err := co.precopy(ctx, m); err != nil {
				if ctx.Err() != nil {
					return err
				}
				return co.abort(ctx, m, err)
			}
			if err := m.SetPhase(PhaseSwitchover); err != nil {
				return err
			}
		case PhaseSwitchover:
			// the domain already runs on the destination here, so
			// failures retry rather than abort
			if err := co.switchover(m); err != nil {
				return err
			}
		case PhaseFinalize:
			if !m.EndedAt.IsZero() {
				return nil
			}
			return co.finalize(ctx, m)
		case PhaseAborted:
			return nil
		default:
			return NewError(ErrInternal, "migration %s: unknown phase %q", m.ID, m.Phase)
		}
	}
}

// Cancel aborts an in-flight migration on user request. Finished
// migrations conflict rather than silently re-aborting.
func (co *Coordinator) Cancel(ctx context.Context, vmID string) error {
	m, err := co.context.Migration(vmID)
	if err != nil {
		return err
	}
	if m.Done() {
		return NewError(ErrConflict, "migration %s already %s", m.ID, m.Phase)
	}
	if err := co.abort(ctx, m, NewError(ErrConflict, "cancelled by user")); err != nil && !IsErrorCode(err, ErrConflict) {
		return err
	}
	return nil
}

// Pending lists VMs whose migrations still need a coordinator: any
// non-terminal phase, plus finalize rows whose source cleanup never ran
func (co *Coordinator) Pending() ([]string, error) {
	var vmIDs []string
	err := co.context.ForEachMigration(func(m *Migration) error {
		if !m.Done() || (m.Phase == PhaseFinalize && m.EndedAt.IsZero()) {
			vmIDs = append(vmIDs, m.VMID)
		}
		return nil
	})
	return vmIDs, err
}

func (co *Coordinator) step(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, StepTimeout)
	defer cancel()
	return fn(sctx)
}

// prepare stages everything the destination needs before bytes move:
// the image, the VPC bridge and chains, empty volume files, and a
// persistent domain definition for the transfer to copy storage into
func (co *Coordinator) prepare(ctx context.Context, m *Migration) error {
	vm, err := co.context.VM(m.VMID)
	if err != nil {
		return err
	}
	dest, err := co.context.Host(m.DestHost)
	if err != nil {
		return err
	}
	drv, err := co.drivers(dest)
	if err != nil {
		return err
	}
	img, err := co.context.Image(vm.ImageID)
	if err != nil {
		return err
	}
	vpc, err := co.context.VPC(vm.VPCName)
	if err != nil {
		return err
	}

	if err := co.step(ctx, func(sctx context.Context) error {
		return drv.EnsureImage(sctx, img)
	}); err != nil {
		return err
	}
	if err := co.step(ctx, func(sctx context.Context) error {
		return drv.DefineNetwork(sctx, vpc)
	}); err != nil {
		return err
	}
	if err := co.pushRules(ctx, drv, dest, vpc); err != nil {
		return err
	}

	volumes := make([]*Disk, 0, len(vm.Disks))
	for _, att := range vm.Disks {
		disk, derr := co.context.Disk(att.DiskID)
		if derr != nil {
			return derr
		}
		if err := co.step(ctx, func(sctx context.Context) error {
			return drv.CreateVolume(sctx, disk)
		}); err != nil {
			return err
		}
		volumes = append(volumes, disk)
	}

	return co.step(ctx, func(sctx context.Context) error {
		return drv.DefineDomain(sctx, vm, img, volumes)
	})
}

// precopy launches the transfer on the source and tracks it until the
// job finishes or fails
func (co *Coordinator) precopy(ctx context.Context, m *Migration) error {
	vm, err := co.context.VM(m.VMID)
	if err != nil {
		return err
	}
	src, err := co.context.Host(m.SourceHost)
	if err != nil {
		return err
	}
	dest, err := co.context.Host(m.DestHost)
	if err != nil {
		return err
	}
	drv, err := co.drivers(src)
	if err != nil {
		return err
	}

	opts := MigrationOptions{
		BandwidthBPS:  m.BandwidthBPS,
		MaxDowntimeMS: m.MaxDowntimeMS,
		Compressed:    m.Compressed,
	}
	if err := co.step(ctx, func(sctx context.Context) error {
		return drv.BeginMigration(sctx, vm, dest, opts)
	}); err != nil {
		return err
	}

	ticker := time.NewTicker(MigratePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var job MigrationJob
		if err := co.step(ctx, func(sctx context.Context) error {
			var qerr error
			job, qerr = drv.QueryMigration(sctx, vm.ID)
			return qerr
		}); err != nil {
			return err
		}

		if job.Progress != m.Progress {
			m.Progress = job.Progress
			if err := m.Save(); err != nil {
				return err
			}
		}
		if job.Failed {
			return NewError(ErrDriverTerminal, "migration %s: transfer failed on host %s", m.ID, m.SourceHost)
		}
		if job.Completed {
			return nil
		}
	}
}

// switchover claims ports on the destination and commits the owner-host
// flip, the status clear, and the phase advance in one batch so a crash
// leaves the VM on exactly one host
func (co *Coordinator) switchover(m *Migration) error {
	vm, err := co.context.VM(m.VMID)
	if err != nil {
		return err
	}
	dest, err := co.context.Host(m.DestHost)
	if err != nil {
		return err
	}

	sshPort, err := dest.FreeNATPort()
	if err != nil {
		return err
	}
	vncPort, err := dest.FreeVNCPort()
	if err != nil {
		return err
	}

	vm.HostID = dest.ID
	vm.SSHPort = sshPort
	vm.VNCPort = vncPort
	vm.ConsolePath = vm.ConsoleSocketPath(dest.VMRoot)
	vm.SetObserved(VMStatusRunning, PowerOn)
	m.Phase = PhaseFinalize
	m.Progress = 100

	vmOp, err := vm.saveOp()
	if err != nil {
		return err
	}
	mOp, err := m.saveOp()
	if err != nil {
		return err
	}
	if _, err := co.context.Batch([]kv.Op{vmOp, mOp}); err != nil {
		return err
	}
	if err := vm.Refresh(); err != nil {
		return err
	}
	return m.Refresh()
}

// finalize cleans the source up and repoints the NAT tables. The source
// undefine tolerates an already-gone domain since the transfer itself
// undefines it.
func (co *Coordinator) finalize(ctx context.Context, m *Migration) error {
	vm, err := co.context.VM(m.VMID)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	if src, herr := co.context.Host(m.SourceHost); herr == nil {
		if drv, derr := co.drivers(src); derr == nil {
			errs = multierror.Append(errs, co.step(ctx, func(sctx context.Context) error {
				return drv.UndefineDomain(sctx, vm)
			}))
			errs = multierror.Append(errs, co.pushNAT(ctx, drv, src))
		} else {
			errs = multierror.Append(errs, derr)
		}
	} else if !co.context.IsKeyNotFound(herr) {
		errs = multierror.Append(errs, herr)
	}

	if dest, herr := co.context.Host(m.DestHost); herr == nil {
		if drv, derr := co.drivers(dest); derr == nil {
			errs = multierror.Append(errs, co.pushNAT(ctx, drv, dest))
		} else {
			errs = multierror.Append(errs, derr)
		}
	} else {
		errs = multierror.Append(errs, herr)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	m.EndedAt = time.Now().UTC()
	return m.Save()
}

// abort cancels the transfer, tears the destination staging back down,
// and parks the migration with its reason. The VM itself goes back to
// running on the source untouched.
func (co *Coordinator) abort(ctx context.Context, m *Migration, cause error) error {
	log.WithFields(log.Fields{
		"migration": m.ID,
		"vm":        m.VMID,
		"phase":     m.Phase,
		"error":     cause,
	}).Error("aborting migration")

	vm, err := co.context.VM(m.VMID)
	if err != nil {
		return err
	}

	if src, herr := co.context.Host(m.SourceHost); herr == nil {
		if drv, derr := co.drivers(src); derr == nil {
			if cerr := co.step(ctx, func(sctx context.Context) error {
				return drv.CancelMigration(sctx, vm.ID)
			}); cerr != nil {
				log.WithFields(log.Fields{
					"migration": m.ID,
					"error":     cerr,
				}).Warn("cancel on source failed")
			}
		}
	}

	if dest, herr := co.context.Host(m.DestHost); herr == nil {
		if drv, derr := co.drivers(dest); derr == nil {
			if uerr := co.step(ctx, func(sctx context.Context) error {
				return drv.UndefineDomain(sctx, vm)
			}); uerr != nil {
				log.WithFields(log.Fields{
					"migration": m.ID,
					"error":     uerr,
				}).Warn("destination teardown failed")
			}
			for _, att := range vm.Disks {
				disk, derr := co.context.Disk(att.DiskID)
				if derr != nil {
					continue
				}
				if verr := co.step(ctx, func(sctx context.Context) error {
					return drv.DeleteVolume(sctx, disk)
				}); verr != nil {
					log.WithFields(log.Fields{
						"migration": m.ID,
						"disk":      disk.ID,
						"error":     verr,
					}).Warn("destination volume cleanup failed")
				}
			}
		}
	}

	if vm.Status == VMStatusMigrating {
		vm.SetObserved(VMStatusRunning, PowerOn)
		if serr := vm.Save(); serr != nil {
			return serr
		}
	}

	m.Reason = cause.Error()
	if serr := m.SetPhase(PhaseAborted); serr != nil {
		return serr
	}
	return cause
}

// pushRules compiles and applies the VPC chains on one host
func (co *Coordinator) pushRules(ctx context.Context, drv Driver, host *Host, vpc *VPC) error {
	rules, err := co.context.FirewallRulesForVPC(vpc.Name)
	if err != nil {
		return err
	}
	script, err := CompileFirewall(vpc, rules)
	if err != nil {
		return err
	}
	if err := co.step(ctx, func(sctx context.Context) error {
		return drv.ApplyIptables(sctx, script)
	}); err != nil {
		return err
	}
	return co.pushNAT(ctx, drv, host)
}

// pushNAT recompiles and applies one host's NAT table
func (co *Coordinator) pushNAT(ctx context.Context, drv Driver, host *Host) error {
	var vms VMs
	err := co.context.ForEachVM(func(vm *VM) error {
		if vm.HostID == host.ID {
			vms = append(vms, vm)
		}
		return nil
	})
	if err != nil {
		return err
	}
	script, err := CompileNAT(host, vms)
	if err != nil {
		return err
	}
	return co.step(ctx, func(sctx context.Context) error {
		return drv.ApplyIptables(sctx, script)
	})
}
