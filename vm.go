package selkie

import (
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/mistifyio/selkie/pkg/kv"
)

var (
	// VMPath is the path in the config store
	VMPath = "selkie/vms/"
	// VMNamePath indexes VM names for uniqueness
	VMNamePath = "selkie/vmnames/"
	// VMTokenPath indexes client tokens for idempotent creates
	VMTokenPath = "selkie/vmtokens/"

	// MaxCPUCores and MaxMemoryMB bound the create-VM request
	MaxCPUCores = uint32(64)
	MaxMemoryMB = uint64(262144)
)

// VM status values
const (
	VMStatusCreating    = "creating"
	VMStatusStopped     = "stopped"
	VMStatusRunning     = "running"
	VMStatusStopping    = "stopping"
	VMStatusStarting    = "starting"
	VMStatusMigrating   = "migrating"
	VMStatusResizing    = "resizing"
	VMStatusTerminating = "terminating"
	VMStatusTerminated  = "terminated"
	VMStatusError       = "error"
)

// Desired and observed power states
const (
	PowerOn  = "on"
	PowerOff = "off"
)

type (
	// NIC is one network interface of a VM
	NIC struct {
		MAC        string `json:"mac"`
		PrivateIP  net.IP `json:"private_ip"`
		FloatingIP net.IP `json:"floating_ip,omitempty"`
		Bridge     string `json:"bridge"`
		SubnetID   string `json:"subnet,omitempty"`
	}

	// DiskAttachment ties a Disk to a device slot on the VM
	DiskAttachment struct {
		DiskID string `json:"disk"`
		Slot   string `json:"slot"`
	}

	// StepError records the last reconciliation failure on the VM
	StepError struct {
		Code      string    `json:"code"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
		Step      string    `json:"step"`
	}

	// VM is a virtual machine
	VM struct {
		context       *Context
		modifiedIndex uint64
		ID            string            `json:"id"`
		Name          string            `json:"name"`
		Metadata      map[string]string `json:"metadata"`
		HostID        string            `json:"host"`
		ImageID       string            `json:"image"`
		Arch          string            `json:"arch"`
		CPUCores      uint32            `json:"cpu_cores"`
		MemoryMB      uint64            `json:"memory_mb"`
		DiskSizeGB    uint64            `json:"disk_size_gb"`
		VPCName       string            `json:"vpc"`
		Disks         []DiskAttachment  `json:"disks"`
		NICs          []NIC             `json:"nics"`
		DesiredPower  string            `json:"desired_power"`
		ObservedPower string            `json:"observed_power"`
		Status        string            `json:"status"`
		CloudInit     *CloudInitDoc     `json:"cloud_init,omitempty"`
		AntiAffinity  string            `json:"anti_affinity,omitempty"`
		SSHPort       int               `json:"ssh_port,omitempty"`
		VNCPort       int               `json:"vnc_port,omitempty"`
		ConsolePath   string            `json:"console_path,omitempty"`
		Generation    uint64            `json:"generation"`
		LastError     *StepError        `json:"last_error,omitempty"`
		ClientToken   string            `json:"client_token,omitempty"`
		CreatedAt     time.Time         `json:"created_at"`
	}

	// VMs is an alias to a slice of *VM
	VMs []*VM
)

// NewVM creates a blank VM
func (c *Context) NewVM() *VM {
	return &VM{
		context:      c,
		ID:           newID(),
		Metadata:     make(map[string]string),
		DesiredPower: PowerOn,
		Status:       VMStatusCreating,
		CreatedAt:    time.Now().UTC(),
	}
}

// VM fetches a VM from the config store
func (c *Context) VM(id string) (*VM, error) {
	vm := &VM{
		context: c,
		ID:      id,
	}
	if err := vm.Refresh(); err != nil {
		return nil, err
	}
	return vm, nil
}

// VMByName resolves a VM through the name index
func (c *Context) VMByName(name string) (*VM, error) {
	value, err := c.kv.Get(filepath.Join(VMNamePath, name))
	if err != nil {
		return nil, err
	}
	return c.VM(string(value.Data))
}

// VMByToken resolves a prior create through the client-token index,
// making identical create requests idempotent
func (c *Context) VMByToken(token string) (*VM, error) {
	value, err := c.kv.Get(filepath.Join(VMTokenPath, token))
	if err != nil {
		return nil, err
	}
	return c.VM(string(value.Data))
}

func (vm *VM) key() string {
	return filepath.Join(VMPath, vm.ID, "metadata")
}

// Refresh reloads from the data store
func (vm *VM) Refresh() error {
	index, err := vm.context.fetch(vm.key(), vm)
	if err != nil {
		return err
	}
	vm.modifiedIndex = index
	return nil
}

// Validate ensures a VM has reasonable data
func (vm *VM) Validate() error {
	if vm.ID == "" {
		return NewError(ErrValidation, "vm id is required")
	}
	if vm.Name == "" {
		return NewError(ErrValidation, "vm name is required")
	}
	if vm.VPCName == "" {
		return NewError(ErrValidation, "vm %s: vpc is required", vm.Name)
	}
	if vm.ImageID == "" {
		return NewError(ErrValidation, "vm %s: image is required", vm.Name)
	}
	if vm.CPUCores < 1 || vm.CPUCores > MaxCPUCores {
		return NewError(ErrValidation, "vm %s: cpu_cores %d out of range 1..%d", vm.Name, vm.CPUCores, MaxCPUCores)
	}
	if vm.MemoryMB < 512 || vm.MemoryMB%512 != 0 || vm.MemoryMB > MaxMemoryMB {
		return NewError(ErrValidation, "vm %s: memory_mb %d must be >=512, a multiple of 512, and <=%d", vm.Name, vm.MemoryMB, MaxMemoryMB)
	}
	if vm.DiskSizeGB < 10 {
		return NewError(ErrValidation, "vm %s: disk_size_gb %d must be >=10", vm.Name, vm.DiskSizeGB)
	}
	switch vm.Arch {
	case ArchX8664, ArchAarch64:
	default:
		return NewError(ErrUnsupportedArch, "vm %s: arch %q", vm.Name, vm.Arch)
	}
	if vm.CloudInit != nil {
		if err := vm.CloudInit.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Save persists the VM to the data store
func (vm *VM) Save() error {
	if err := vm.Validate(); err != nil {
		return err
	}
	index, err := vm.context.save(vm.key(), vm, vm.modifiedIndex)
	if err != nil {
		return err
	}
	vm.modifiedIndex = index
	return nil
}

// saveOp builds the batch op persisting the VM at its current index
func (vm *VM) saveOp() (kv.Op, error) {
	if err := vm.Validate(); err != nil {
		return kv.Op{}, err
	}
	return putOp(vm.key(), vm, vm.modifiedIndex)
}

// Create persists a brand-new VM together with its name index and optional
// client-token index in one atomic batch. A name or client-token collision
// fails the whole batch with conflict; VMByToken resolves the VM stored by
// an earlier create with the same token.
func (vm *VM) Create() error {
	if err := vm.Validate(); err != nil {
		return err
	}
	ops := make([]kv.Op, 0, 3)
	op, err := putOp(vm.key(), vm, 0)
	if err != nil {
		return err
	}
	ops = append(ops, op)
	ops = append(ops, kv.Op{Key: filepath.Join(VMNamePath, vm.Name), Data: []byte(vm.ID)})
	if vm.ClientToken != "" {
		ops = append(ops, kv.Op{Key: filepath.Join(VMTokenPath, vm.ClientToken), Data: []byte(vm.ID)})
	}
	index, err := vm.context.Batch(ops)
	if err != nil {
		return err
	}
	vm.modifiedIndex = index
	return nil
}

// SetObserved records an observed-state transition, bumping the generation
// counter. The caller saves afterwards.
func (vm *VM) SetObserved(status, power string) {
	if vm.Status == status && vm.ObservedPower == power {
		return
	}
	vm.Status = status
	vm.ObservedPower = power
	vm.Generation++
}

// SetError marks the VM failed with the step that broke
func (vm *VM) SetError(step string, err error) {
	vm.Status = VMStatusError
	vm.Generation++
	vm.LastError = &StepError{
		Code:      ErrorCode(err),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		Step:      step,
	}
}

// ClearError resets a terminal error before replanning
func (vm *VM) ClearError() {
	vm.LastError = nil
}

// MAC derives the deterministic interface address from the VM id,
// inside the libvirt-reserved 52:54:00 OUI
func (vm *VM) MAC() string {
	id := uuid16(vm.ID)
	return fmt.Sprintf("52:54:00:%02x:%02x:%02x", id[0], id[1], id[2])
}

func uuid16(id string) []byte {
	sum := [16]byte{}
	i := 0
	for _, r := range id {
		if r == '-' {
			continue
		}
		var nib byte
		switch {
		case r >= '0' && r <= '9':
			nib = byte(r - '0')
		case r >= 'a' && r <= 'f':
			nib = byte(r-'a') + 10
		case r >= 'A' && r <= 'F':
			nib = byte(r-'A') + 10
		default:
			continue
		}
		if i/2 >= len(sum) {
			break
		}
		if i%2 == 0 {
			sum[i/2] = nib << 4
		} else {
			sum[i/2] |= nib
		}
		i++
	}
	return sum[:]
}

// RootDiskPath is the qcow2 location of the VM's root disk under vmRoot
func (vm *VM) RootDiskPath(vmRoot string) string {
	return filepath.Join(vmRoot, "disks", vm.ID+".qcow2")
}

// CloudInitISOPath is the seed ISO location under vmRoot
func (vm *VM) CloudInitISOPath(vmRoot string) string {
	return filepath.Join(vmRoot, "disks", vm.ID+"-cidata.iso")
}

// ConsoleSocketPath is the serial UNIX socket location under vmRoot
func (vm *VM) ConsoleSocketPath(vmRoot string) string {
	return filepath.Join(vmRoot, "consoles", vm.ID+".sock")
}

// Delete removes the VM row and its indexes. Reconciliation must already
// have torn down host resources; this is the final bookkeeping step.
func (vm *VM) Delete() error {
	ops := []kv.Op{
		deleteOp(vm.key(), vm.modifiedIndex),
	}
	if _, err := vm.context.kv.Get(filepath.Join(VMNamePath, vm.Name)); err == nil {
		ops = append(ops, kv.Op{Key: filepath.Join(VMNamePath, vm.Name), Delete: true, Index: indexOf(vm.context, filepath.Join(VMNamePath, vm.Name))})
	}
	if vm.ClientToken != "" {
		tokenKey := filepath.Join(VMTokenPath, vm.ClientToken)
		if _, err := vm.context.kv.Get(tokenKey); err == nil {
			ops = append(ops, kv.Op{Key: tokenKey, Delete: true, Index: indexOf(vm.context, tokenKey)})
		}
	}
	_, err := vm.context.Batch(ops)
	return err
}

func indexOf(c *Context, key string) uint64 {
	value, err := c.kv.Get(key)
	if err != nil {
		return 0
	}
	return value.Index
}

// ForEachVM will run f on each VM. It will stop iteration if f returns an
// error.
func (c *Context) ForEachVM(f func(*VM) error) error {
	many, err := c.kv.GetAll(VMPath)
	if err != nil {
		return err
	}
	for key, value := range many {
		if filepath.Base(key) != "metadata" {
			continue
		}
		vm := &VM{context: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, vm); err != nil {
			return err
		}
		if err := f(vm); err != nil {
			return err
		}
	}
	return nil
}
