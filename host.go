package selkie

import (
	"encoding/json"
	"path/filepath"
	"time"
)

var (
	// HostPath is the path in the config store
	HostPath = "selkie/hosts/"

	// HeadroomPercent is the capacity fraction held back from scheduling
	HeadroomPercent = 10

	// NATPortBase and NATPortCount bound the per-host DNAT range for VM SSH
	NATPortBase  = 22000
	NATPortCount = 1000

	// VNCPortBase is the start of the per-host VNC display range
	VNCPortBase = 5900
)

// Host health states
const (
	HostReady        = "ready"
	HostUnresponsive = "unresponsive"
	HostMaintenance  = "maintenance"
)

type (
	// Resources describe a host capacity or consumption snapshot
	Resources struct {
		CPU    uint32 `json:"cpu"`
		Memory uint64 `json:"memory"` // MiB
		Disk   uint64 `json:"disk"`   // bytes
	}

	// Host is a hypervisor box running the libvirt/QEMU stack
	Host struct {
		context        *Context
		modifiedIndex  uint64
		ID             string            `json:"id"`
		Metadata       map[string]string `json:"metadata"`
		Address        string            `json:"address"`
		Arch           string            `json:"arch"`
		SSHUser        string            `json:"ssh_user"`
		SSHPort        int               `json:"ssh_port"`
		VMRoot         string            `json:"vm_root"`
		Uplink         string            `json:"uplink"`
		TotalResources Resources         `json:"total_resources"`
		Health         string            `json:"health"`
	}

	// Hosts is an alias to a slice of *Host
	Hosts []*Host
)

// NewHost creates a blank Host
func (c *Context) NewHost() *Host {
	return &Host{
		context:  c,
		ID:       newID(),
		Metadata: make(map[string]string),
		SSHPort:  22,
		VMRoot:   "/var/lib/selkie",
		Health:   HostReady,
	}
}

// Host fetches a Host from the config store
func (c *Context) Host(id string) (*Host, error) {
	h := &Host{
		context: c,
		ID:      id,
	}
	if err := h.Refresh(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Host) key() string {
	return filepath.Join(HostPath, h.ID, "metadata")
}

func (h *Host) heartbeatKey() string {
	return filepath.Join(HostPath, h.ID, "heartbeat")
}

// Refresh reloads from the data store
func (h *Host) Refresh() error {
	index, err := h.context.fetch(h.key(), h)
	if err != nil {
		return err
	}
	h.modifiedIndex = index
	return nil
}

// Validate ensures a Host has reasonable data
func (h *Host) Validate() error {
	if h.ID == "" {
		return NewError(ErrValidation, "host id is required")
	}
	if h.Address == "" {
		return NewError(ErrValidation, "host %s: address is required", h.ID)
	}
	switch h.Arch {
	case ArchX8664, ArchAarch64:
	default:
		return NewError(ErrUnsupportedArch, "host %s: arch %q", h.ID, h.Arch)
	}
	return nil
}

// Save persists the Host to the data store
func (h *Host) Save() error {
	if err := h.Validate(); err != nil {
		return err
	}
	index, err := h.context.save(h.key(), h, h.modifiedIndex)
	if err != nil {
		return err
	}
	h.modifiedIndex = index
	return nil
}

// Delete deregisters the Host. It refuses while any non-terminated VM is
// still placed on it.
func (h *Host) Delete() error {
	var inUse bool
	err := h.context.ForEachVM(func(vm *VM) error {
		if vm.HostID == h.ID && vm.Status != VMStatusTerminated {
			inUse = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if inUse {
		return NewError(ErrConflict, "host %s still has machines", h.ID)
	}
	return h.context.kv.Delete(filepath.Join(HostPath, h.ID), true)
}

// Heartbeat records liveness with a ttl. The key expires unless renewed.
func (h *Host) Heartbeat(ttl time.Duration) error {
	return h.context.kv.TTL(h.heartbeatKey(), ttl)
}

// IsAlive reports whether a recent heartbeat exists
func (h *Host) IsAlive() bool {
	_, err := h.context.kv.Get(h.heartbeatKey())
	return err == nil
}

// AllocatedResources sums the footprint of non-terminated VMs placed here
func (h *Host) AllocatedResources() (Resources, error) {
	var used Resources
	err := h.context.ForEachVM(func(vm *VM) error {
		if vm.HostID != h.ID || vm.Status == VMStatusTerminated {
			return nil
		}
		used.CPU += vm.CPUCores
		used.Memory += vm.MemoryMB
		used.Disk += uint64(vm.DiskSizeGB) << 30
		return nil
	})
	return used, err
}

// AvailableResources is capacity minus allocation minus reserved headroom
func (h *Host) AvailableResources() (Resources, error) {
	used, err := h.AllocatedResources()
	if err != nil {
		return Resources{}, err
	}
	avail := Resources{
		CPU:    h.TotalResources.CPU - (h.TotalResources.CPU * uint32(HeadroomPercent) / 100),
		Memory: h.TotalResources.Memory - (h.TotalResources.Memory * uint64(HeadroomPercent) / 100),
		Disk:   h.TotalResources.Disk - (h.TotalResources.Disk * uint64(HeadroomPercent) / 100),
	}
	if used.CPU >= avail.CPU {
		avail.CPU = 0
	} else {
		avail.CPU -= used.CPU
	}
	if used.Memory >= avail.Memory {
		avail.Memory = 0
	} else {
		avail.Memory -= used.Memory
	}
	if used.Disk >= avail.Disk {
		avail.Disk = 0
	} else {
		avail.Disk -= used.Disk
	}
	return avail, nil
}

// ActiveVMCount counts non-terminated VMs placed on the host
func (h *Host) ActiveVMCount() (int, error) {
	count := 0
	err := h.context.ForEachVM(func(vm *VM) error {
		if vm.HostID == h.ID && vm.Status != VMStatusTerminated {
			count++
		}
		return nil
	})
	return count, err
}

// FreeNATPort picks the lowest unused SSH DNAT port in the host's range
func (h *Host) FreeNATPort() (int, error) {
	used := map[int]struct{}{}
	err := h.context.ForEachVM(func(vm *VM) error {
		if vm.HostID == h.ID && vm.Status != VMStatusTerminated && vm.SSHPort != 0 {
			used[vm.SSHPort] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for port := NATPortBase; port < NATPortBase+NATPortCount; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, NewError(ErrExhausted, "host %s: nat port range exhausted", h.ID)
}

// FreeVNCPort picks the lowest unused VNC port in the host's range
func (h *Host) FreeVNCPort() (int, error) {
	used := map[int]struct{}{}
	err := h.context.ForEachVM(func(vm *VM) error {
		if vm.HostID == h.ID && vm.Status != VMStatusTerminated && vm.VNCPort != 0 {
			used[vm.VNCPort] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for port := VNCPortBase; port < VNCPortBase+NATPortCount; port++ {
		if _, taken := used[port]; !taken {
			return port, nil
		}
	}
	return 0, NewError(ErrExhausted, "host %s: vnc port range exhausted", h.ID)
}

// ForEachHost will run f on each Host. It will stop iteration if f returns
// an error.
func (c *Context) ForEachHost(f func(*Host) error) error {
	many, err := c.kv.GetAll(HostPath)
	if err != nil {
		return err
	}
	for key, value := range many {
		if filepath.Base(key) != "metadata" {
			continue
		}
		h := &Host{context: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, h); err != nil {
			return err
		}
		if err := f(h); err != nil {
			return err
		}
	}
	return nil
}
