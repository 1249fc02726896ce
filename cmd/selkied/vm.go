package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/mistifyio/selkie"
	"github.com/mistifyio/selkie/pkg/jobqueue"
	log "github.com/sirupsen/logrus"
)

const jobTTL = 24 * time.Hour

// RegisterVMRoutes registers the VM routes, actions included
func RegisterVMRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.HandleFunc(prefix, m.timed("vm_list", ListVMs)).Methods("GET")
	router.HandleFunc(prefix, m.timed("vm_create", CreateVM)).Methods("POST")
	sub := router.PathPrefix(prefix).Subrouter()
	sub.HandleFunc("/{id}", m.timed("vm_get", GetVM)).Methods("GET")
	sub.HandleFunc("/{id}", m.timed("vm_delete", DeleteVM)).Methods("DELETE")
	sub.HandleFunc("/{id}/start", m.timed("vm_start", StartVM)).Methods("POST")
	sub.HandleFunc("/{id}/stop", m.timed("vm_stop", StopVM)).Methods("POST")
	sub.HandleFunc("/{id}/restart", m.timed("vm_restart", RestartVM)).Methods("POST")
	sub.HandleFunc("/{id}/terminate", m.timed("vm_terminate", DeleteVM)).Methods("POST")
	sub.HandleFunc("/{id}/resize", m.timed("vm_resize", ResizeVM)).Methods("POST")
	sub.HandleFunc("/{id}/status", m.timed("vm_status", GetVMStatus)).Methods("GET")
	sub.HandleFunc("/{id}/metrics", m.timed("vm_metrics", GetVMMetrics)).Methods("GET")
	sub.HandleFunc("/{id}/serial-console", m.timed("vm_console", GetSerialConsole)).Methods("GET")
	sub.HandleFunc("/{id}/snapshots", m.timed("vm_snapshot_create", CreateVMSnapshot)).Methods("POST")
	sub.HandleFunc("/{id}/snapshots", m.timed("vm_snapshot_list", ListVMSnapshots)).Methods("GET")
	sub.HandleFunc("/{id}/snapshots/{name}/revert", m.timed("vm_snapshot_revert", RevertVMSnapshot)).Methods("POST")
	sub.HandleFunc("/{id}/snapshots/{name}", m.timed("vm_snapshot_delete", DeleteVMSnapshot)).Methods("DELETE")
	sub.HandleFunc("/{id}/disks/attach", m.timed("vm_disk_attach", AttachVMDisk)).Methods("POST")
	sub.HandleFunc("/{id}/disks/detach", m.timed("vm_disk_detach", DetachVMDisk)).Methods("POST")
	sub.HandleFunc("/{id}/ips/attach", m.timed("vm_ip_attach", AttachVMIP)).Methods("POST")
	sub.HandleFunc("/{id}/ips/detach", m.timed("vm_ip_detach", DetachVMIP)).Methods("POST")
}

// getVM resolves the {id} var, falling back to the name index so both
// ids and names work on the VM routes
func getVM(r *http.Request) (*selkie.VM, error) {
	ctx := GetContext(r)
	id := mux.Vars(r)["id"]
	vm, err := ctx.VM(id)
	if err == nil {
		return vm, nil
	}
	if !ctx.IsKeyNotFound(err) {
		return nil, err
	}
	vm, err = ctx.VMByName(id)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			return nil, selkie.NewError(selkie.ErrNotFound, "vm %s not found", id)
		}
		return nil, err
	}
	return vm, nil
}

// enqueueVMJob persists a job row and drops its token on the queue
func enqueueVMJob(r *http.Request, vm *selkie.VM, action string) (*jobqueue.Job, error) {
	svc := GetServices(r)
	job := svc.jobQueue.NewJob()
	job.Action = action
	job.VM = vm.ID
	if err := job.Save(jobTTL); err != nil {
		return nil, err
	}
	if _, err := svc.jobQueue.AddTask(job); err != nil {
		return nil, err
	}
	return job, nil
}

// checkGeneration enforces the optimistic-concurrency field carried by
// mutating requests. Zero means the client did not care.
func checkGeneration(vm *selkie.VM, generation uint64) error {
	if generation != 0 && generation != vm.Generation {
		return selkie.NewError(selkie.ErrConflict, "vm %s is at generation %d, request expected %d", vm.ID, vm.Generation, generation)
	}
	return nil
}

func hostArch() string {
	if runtime.GOARCH == "arm64" {
		return selkie.ArchAarch64
	}
	return selkie.ArchX8664
}

// ListVMs gets a list of all VMs
func ListVMs(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	vms := make(selkie.VMs, 0)
	err := ctx.ForEachVM(func(vm *selkie.VM) error {
		vms = append(vms, vm)
		return nil
	})
	if err != nil && !ctx.IsKeyNotFound(err) {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, vms)
}

type createVMRequest struct {
	Name        string               `json:"name"`
	VPC         string               `json:"vpc"`
	NetworkName string               `json:"network_name"`
	CPUCores    uint32               `json:"cpu_cores"`
	MemoryMB    uint64               `json:"memory_mb"`
	DiskSizeGB  uint64               `json:"disk_size_gb"`
	ImageID     string               `json:"image_id"`
	Arch        string               `json:"arch"`
	CloudInit   *selkie.CloudInitDoc `json:"cloud_init"`
	Metadata    map[string]string    `json:"metadata"`
	ClientToken string               `json:"client_token"`
}

// CreateVM creates a new VM and enqueues its first reconciliation.
// Repeating a request with the same client token returns the VM made
// the first time.
func CreateVM(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)

	var req createVMRequest
	defer logx(r.Body.Close)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		hr.JSONError(selkie.NewError(selkie.ErrValidation, "invalid body: %s", err))
		return
	}

	if req.ClientToken != "" {
		if prior, err := ctx.VMByToken(req.ClientToken); err == nil {
			hr.JSON(http.StatusOK, prior)
			return
		}
	}

	vm := ctx.NewVM()
	vm.Name = req.Name
	vm.VPCName = req.VPC
	if vm.VPCName == "" {
		vm.VPCName = req.NetworkName
	}
	vm.CPUCores = req.CPUCores
	vm.MemoryMB = req.MemoryMB
	vm.DiskSizeGB = req.DiskSizeGB
	vm.ImageID = req.ImageID
	vm.Arch = req.Arch
	if vm.Arch == "" {
		vm.Arch = hostArch()
	}
	vm.CloudInit = req.CloudInit
	vm.ClientToken = req.ClientToken
	if req.Metadata != nil {
		vm.Metadata = req.Metadata
	}

	if _, err := ctx.VPC(vm.VPCName); err != nil {
		if ctx.IsKeyNotFound(err) {
			err = selkie.NewError(selkie.ErrValidation, "vpc %s not found", vm.VPCName)
		}
		hr.JSONError(err)
		return
	}
	if _, err := ctx.Image(vm.ImageID); err != nil {
		if ctx.IsKeyNotFound(err) {
			err = selkie.NewError(selkie.ErrValidation, "image %s not found", vm.ImageID)
		}
		hr.JSONError(err)
		return
	}

	if err := vm.Create(); err != nil {
		hr.JSONError(err)
		return
	}

	job, err := enqueueVMJob(r, vm, jobqueue.ActionReconcile)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.Accepted(vm, job)
}

// GetVM gets a particular VM
func GetVM(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, vm)
}

// DeleteVM marks a VM terminating and enqueues the teardown
func DeleteVM(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	switch vm.Status {
	case selkie.VMStatusTerminating, selkie.VMStatusTerminated:
		hr.JSON(http.StatusOK, vm)
		return
	case selkie.VMStatusMigrating:
		hr.JSONError(selkie.NewError(selkie.ErrConflict, "vm %s is migrating", vm.ID))
		return
	}
	vm.ClearError()
	vm.SetObserved(selkie.VMStatusTerminating, vm.ObservedPower)
	vm.DesiredPower = selkie.PowerOff
	if err := vm.Save(); err != nil {
		hr.JSONError(err)
		return
	}
	job, err := enqueueVMJob(r, vm, jobqueue.ActionReconcile)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.Accepted(vm, job)
}

// powerRequest is the body shared by the power action endpoints
type powerRequest struct {
	Generation uint64 `json:"generation"`
}

func decodePower(r *http.Request) (powerRequest, error) {
	var req powerRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := decodeBody(r, &req)
	return req, err
}

// StartVM asks for the VM to be powered on
func StartVM(w http.ResponseWriter, r *http.Request) {
	powerAction(w, r, selkie.PowerOn, selkie.VMStatusStarting)
}

// StopVM asks for the VM to be powered off
func StopVM(w http.ResponseWriter, r *http.Request) {
	powerAction(w, r, selkie.PowerOff, selkie.VMStatusStopping)
}

func powerAction(w http.ResponseWriter, r *http.Request, power, transition string) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	req, err := decodePower(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if err := checkGeneration(vm, req.Generation); err != nil {
		hr.JSONError(err)
		return
	}
	switch vm.Status {
	case selkie.VMStatusRunning, selkie.VMStatusStopped, selkie.VMStatusStarting, selkie.VMStatusStopping, selkie.VMStatusError:
	default:
		hr.JSONError(selkie.NewError(selkie.ErrConflict, "vm %s is %s", vm.ID, vm.Status))
		return
	}
	vm.ClearError()
	vm.DesiredPower = power
	vm.SetObserved(transition, vm.ObservedPower)
	if err := vm.Save(); err != nil {
		hr.JSONError(err)
		return
	}
	job, err := enqueueVMJob(r, vm, jobqueue.ActionReconcile)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.Accepted(vm, job)
}

// RestartVM enqueues a guest reboot
func RestartVM(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	req, err := decodePower(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if err := checkGeneration(vm, req.Generation); err != nil {
		hr.JSONError(err)
		return
	}
	if vm.Status != selkie.VMStatusRunning {
		hr.JSONError(selkie.NewError(selkie.ErrConflict, "vm %s is %s, restart needs a running vm", vm.ID, vm.Status))
		return
	}
	job, err := enqueueVMJob(r, vm, jobqueue.ActionReboot)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.Accepted(vm, job)
}

// ResizeVM records new figures and enqueues the resize
func ResizeVM(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	var req struct {
		Generation uint64 `json:"generation"`
		CPUCores   uint32 `json:"cpu_cores"`
		MemoryMB   uint64 `json:"memory_mb"`
		DiskSizeGB uint64 `json:"disk_size_gb"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}
	if err := checkGeneration(vm, req.Generation); err != nil {
		hr.JSONError(err)
		return
	}
	switch vm.Status {
	case selkie.VMStatusRunning, selkie.VMStatusStopped:
	default:
		hr.JSONError(selkie.NewError(selkie.ErrConflict, "vm %s is %s", vm.ID, vm.Status))
		return
	}
	if req.DiskSizeGB != 0 && req.DiskSizeGB < vm.DiskSizeGB {
		hr.JSONError(selkie.NewError(selkie.ErrValidation, "vm %s: disk can only grow", vm.ID))
		return
	}
	if req.CPUCores != 0 {
		vm.CPUCores = req.CPUCores
	}
	if req.MemoryMB != 0 {
		vm.MemoryMB = req.MemoryMB
	}
	if req.DiskSizeGB != 0 {
		vm.DiskSizeGB = req.DiskSizeGB
	}
	vm.ClearError()
	vm.SetObserved(selkie.VMStatusResizing, vm.ObservedPower)
	if err := vm.Save(); err != nil {
		hr.JSONError(err)
		return
	}
	job, err := enqueueVMJob(r, vm, jobqueue.ActionReconcile)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.Accepted(vm, job)
}

// vmDriver loads the VM's host and hands back a driver for it
func vmDriver(r *http.Request, vm *selkie.VM) (selkie.Driver, *selkie.Host, error) {
	ctx := GetContext(r)
	if vm.HostID == "" {
		return nil, nil, selkie.NewError(selkie.ErrConflict, "vm %s has no host yet", vm.ID)
	}
	host, err := ctx.Host(vm.HostID)
	if err != nil {
		return nil, nil, err
	}
	drv, err := GetServices(r).drivers.driver(host)
	if err != nil {
		return nil, nil, err
	}
	return drv, host, nil
}

// GetVMStatus merges the stored row with a live domain probe. When the
// probe fails the stored view is returned marked stale.
func GetVMStatus(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}

	resp := map[string]interface{}{
		"id":             vm.ID,
		"name":           vm.Name,
		"status":         vm.Status,
		"desired_power":  vm.DesiredPower,
		"observed_power": vm.ObservedPower,
		"host":           vm.HostID,
		"generation":     vm.Generation,
		"stale":          false,
	}
	if vm.LastError != nil {
		resp["last_error"] = vm.LastError
	}
	if len(vm.NICs) > 0 {
		nic := vm.NICs[0]
		network := map[string]interface{}{
			"private": map[string]interface{}{
				"ip":     nic.PrivateIP,
				"mac":    nic.MAC,
				"bridge": nic.Bridge,
			},
		}
		if nic.FloatingIP != nil {
			network["floating"] = map[string]interface{}{"ip": nic.FloatingIP}
		}
		resp["network_info"] = network
	}

	drv, _, err := vmDriver(r, vm)
	if err != nil {
		resp["stale"] = true
		hr.JSON(http.StatusOK, resp)
		return
	}
	pctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	state, err := drv.Status(pctx, vm.ID)
	if err != nil {
		log.WithFields(log.Fields{
			"vm":    vm.ID,
			"error": err,
		}).Warn("status probe failed")
		resp["stale"] = true
	} else {
		resp["domain"] = state
	}
	hr.JSON(http.StatusOK, resp)
}

// GetVMMetrics samples guest resource usage off the host
func GetVMMetrics(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if vm.Status != selkie.VMStatusRunning {
		hr.JSONError(selkie.NewError(selkie.ErrConflict, "vm %s is %s", vm.ID, vm.Status))
		return
	}
	drv, _, err := vmDriver(r, vm)
	if err != nil {
		hr.JSONError(err)
		return
	}
	pctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	metrics, err := drv.Metrics(pctx, vm.ID)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, metrics)
}

// GetSerialConsole hands out a short-lived signed WebSocket URL for the
// VM's serial console
func GetSerialConsole(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if vm.Status != selkie.VMStatusRunning {
		hr.JSONError(selkie.NewError(selkie.ErrConflict, "vm %s is %s, console needs a running vm", vm.ID, vm.Status))
		return
	}
	signer := GetServices(r).signer
	url := signer.ConsoleURL(r.Host, vm.ID)
	hr.JSON(http.StatusOK, map[string]string{"url": url})
}

// snapshotVerb runs one snapshot operation against the VM's host
func snapshotVerb(r *http.Request, vm *selkie.VM, fn func(context.Context, selkie.Driver) error) error {
	drv, _, err := vmDriver(r, vm)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(r.Context(), selkie.StepTimeout)
	defer cancel()
	return fn(ctx, drv)
}

// CreateVMSnapshot takes a named disk and memory snapshot
func CreateVMSnapshot(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}
	if req.Name == "" {
		hr.JSONError(selkie.NewError(selkie.ErrValidation, "snapshot name is required"))
		return
	}
	err = snapshotVerb(r, vm, func(ctx context.Context, drv selkie.Driver) error {
		return drv.CreateSnapshot(ctx, vm.ID, req.Name)
	})
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusCreated, map[string]string{"vm": vm.ID, "name": req.Name})
}

// ListVMSnapshots names the VM's snapshots
func ListVMSnapshots(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	var names []string
	err = snapshotVerb(r, vm, func(ctx context.Context, drv selkie.Driver) error {
		var lerr error
		names, lerr = drv.ListSnapshots(ctx, vm.ID)
		return lerr
	})
	if err != nil {
		hr.JSONError(err)
		return
	}
	if names == nil {
		names = []string{}
	}
	hr.JSON(http.StatusOK, names)
}

// RevertVMSnapshot rolls the domain back to a snapshot
func RevertVMSnapshot(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	name := mux.Vars(r)["name"]
	err = snapshotVerb(r, vm, func(ctx context.Context, drv selkie.Driver) error {
		return drv.RevertSnapshot(ctx, vm.ID, name)
	})
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSONMsg(http.StatusOK, "reverted")
}

// DeleteVMSnapshot drops a snapshot
func DeleteVMSnapshot(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	name := mux.Vars(r)["name"]
	err = snapshotVerb(r, vm, func(ctx context.Context, drv selkie.Driver) error {
		return drv.DeleteSnapshot(ctx, vm.ID, name)
	})
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSONMsg(http.StatusOK, "deleted")
}

// AttachVMDisk attaches an available disk volume to the VM. The volume
// is created on the VM's host on first attach and hot-added when the
// domain is running.
func AttachVMDisk(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	var req struct {
		DiskID string `json:"disk_id"`
		Slot   string `json:"slot"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}
	disk, err := ctx.Disk(req.DiskID)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			err = selkie.NewError(selkie.ErrNotFound, "disk %s not found", req.DiskID)
		}
		hr.JSONError(err)
		return
	}
	if disk.HostID != "" && disk.HostID != vm.HostID {
		hr.JSONError(selkie.NewError(selkie.ErrConflict, "disk %s lives on host %s", disk.ID, disk.HostID))
		return
	}
	slot := req.Slot
	if slot == "" {
		slot = nextDiskSlot(vm)
	}

	drv, _, err := vmDriver(r, vm)
	if err != nil {
		hr.JSONError(err)
		return
	}
	dctx, cancel := context.WithTimeout(r.Context(), selkie.StepTimeout)
	defer cancel()
	if disk.HostID == "" {
		disk.HostID = vm.HostID
		if err := drv.CreateVolume(dctx, disk); err != nil {
			hr.JSONError(err)
			return
		}
	}
	if err := disk.Attach(vm.ID, slot); err != nil {
		hr.JSONError(err)
		return
	}
	vm.Disks = append(vm.Disks, selkie.DiskAttachment{DiskID: disk.ID, Slot: slot})
	vm.Generation++
	if err := vm.Save(); err != nil {
		hr.JSONError(err)
		return
	}
	if vm.Status == selkie.VMStatusRunning {
		if err := drv.AttachVolume(dctx, vm, disk, slot); err != nil {
			hr.JSONError(err)
			return
		}
	}
	hr.JSON(http.StatusOK, disk)
}

// DetachVMDisk removes a volume from the VM, keeping its backing file
func DetachVMDisk(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	var req struct {
		DiskID string `json:"disk_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}
	disk, err := ctx.Disk(req.DiskID)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			err = selkie.NewError(selkie.ErrNotFound, "disk %s not found", req.DiskID)
		}
		hr.JSONError(err)
		return
	}
	if disk.VMID != vm.ID {
		hr.JSONError(selkie.NewError(selkie.ErrConflict, "disk %s is not attached to vm %s", disk.ID, vm.ID))
		return
	}

	if vm.Status == selkie.VMStatusRunning {
		drv, _, derr := vmDriver(r, vm)
		if derr != nil {
			hr.JSONError(derr)
			return
		}
		dctx, cancel := context.WithTimeout(r.Context(), selkie.StepTimeout)
		defer cancel()
		if err := drv.DetachVolume(dctx, vm, disk.Slot); err != nil {
			hr.JSONError(err)
			return
		}
	}

	attachments := vm.Disks[:0]
	for _, att := range vm.Disks {
		if att.DiskID != disk.ID {
			attachments = append(attachments, att)
		}
	}
	vm.Disks = attachments
	vm.Generation++
	if err := vm.Save(); err != nil {
		hr.JSONError(err)
		return
	}
	if err := disk.Detach(); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, disk)
}

// nextDiskSlot picks the first unused device name from vdc through vdz;
// vda holds the root disk and the seed ISO sits on sda
func nextDiskSlot(vm *selkie.VM) string {
	used := make(map[string]struct{}, len(vm.Disks))
	for _, att := range vm.Disks {
		used[att.Slot] = struct{}{}
	}
	for c := 'c'; c <= 'z'; c++ {
		slot := "vd" + string(c)
		if _, ok := used[slot]; !ok {
			return slot
		}
	}
	return "vdz"
}

// AttachVMIP binds a floating address to the VM's first NIC and pushes
// the host NAT table
func AttachVMIP(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if len(vm.NICs) == 0 {
		hr.JSONError(selkie.NewError(selkie.ErrConflict, "vm %s has no nic yet", vm.ID))
		return
	}
	var req struct {
		Address string `json:"address"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}

	var fip *selkie.FloatingIP
	if req.Address != "" {
		fip, err = ctx.FloatingIP(req.Address)
		if err != nil {
			if ctx.IsKeyNotFound(err) {
				err = selkie.NewError(selkie.ErrNotFound, "floating ip %s not found", req.Address)
			}
			hr.JSONError(err)
			return
		}
	} else {
		err = ctx.ForEachFloatingIP(func(candidate *selkie.FloatingIP) error {
			if fip == nil && candidate.Status == selkie.FloatingIPFree {
				fip = candidate
			}
			return nil
		})
		if err != nil && !ctx.IsKeyNotFound(err) {
			hr.JSONError(err)
			return
		}
		if fip == nil {
			hr.JSONError(selkie.NewError(selkie.ErrExhausted, "no free floating ips"))
			return
		}
	}

	if err := fip.Bind(vm.ID); err != nil {
		hr.JSONError(err)
		return
	}
	vm.NICs[0].FloatingIP = net.ParseIP(fip.Address)
	vm.Generation++
	if err := vm.Save(); err != nil {
		hr.JSONError(err)
		return
	}

	applyHostNAT(r, vm.HostID)
	hr.JSON(http.StatusOK, fip)
}

// DetachVMIP releases the VM's floating address back to the pool
func DetachVMIP(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	vm, err := getVM(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if len(vm.NICs) == 0 || vm.NICs[0].FloatingIP == nil {
		hr.JSONError(selkie.NewError(selkie.ErrConflict, "vm %s has no floating ip", vm.ID))
		return
	}
	addr := vm.NICs[0].FloatingIP.String()
	fip, err := ctx.FloatingIP(addr)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if err := fip.Unbind(); err != nil {
		hr.JSONError(err)
		return
	}
	vm.NICs[0].FloatingIP = nil
	vm.Generation++
	if err := vm.Save(); err != nil {
		hr.JSONError(err)
		return
	}

	applyHostNAT(r, vm.HostID)
	hr.JSON(http.StatusOK, fip)
}

// applyHostNAT pushes the host's NAT table in the background
func applyHostNAT(r *http.Request, hostID string) {
	if hostID == "" {
		return
	}
	rec := GetServices(r).rec
	go func() {
		if err := rec.ApplyHostNAT(hostID); err != nil {
			log.WithFields(log.Fields{
				"host":  hostID,
				"error": err,
			}).Error("nat push failed")
		}
	}()
}
