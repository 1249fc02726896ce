package selkie

import (
	"sort"
)

type (
	// CandidateFunction narrows the set of hosts that may run a VM
	CandidateFunction func(*VM, Hosts) (Hosts, error)
)

// DefaultCandidateFunctions is the filter pipeline used by Schedule
var DefaultCandidateFunctions = []CandidateFunction{
	CandidateIsAlive,
	CandidateHasArch,
	CandidateHasImage,
	CandidateHasResources,
}

// Candidates runs the host set through the filter pipeline
func (vm *VM) Candidates(f ...CandidateFunction) (Hosts, error) {
	var hosts Hosts
	err := vm.context.ForEachHost(func(h *Host) error {
		hosts = append(hosts, h)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, NewError(ErrExhausted, "no hosts registered")
	}

	for _, fn := range f {
		hs, err := fn(vm, hosts)
		if err != nil {
			return nil, err
		}
		hosts = hs
		if len(hosts) == 0 {
			return nil, NewError(ErrExhausted, "no host can run vm %s", vm.Name)
		}
	}
	return hosts, nil
}

// CandidateIsAlive returns hosts that are heartbeating and not in
// maintenance
func CandidateIsAlive(vm *VM, hs Hosts) (Hosts, error) {
	var hosts Hosts
	for _, h := range hs {
		if h.Health == HostReady && h.IsAlive() {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// CandidateHasArch returns hosts whose architecture matches the VM
func CandidateHasArch(vm *VM, hs Hosts) (Hosts, error) {
	var hosts Hosts
	for _, h := range hs {
		if h.Arch == vm.Arch {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// CandidateHasImage returns hosts that already hold the VM's image or can
// fetch it from a source URL
func CandidateHasImage(vm *VM, hs Hosts) (Hosts, error) {
	img, err := vm.context.Image(vm.ImageID)
	if err != nil {
		return nil, err
	}
	var hosts Hosts
	for _, h := range hs {
		if img.PresentOn(h.ID) || img.Source != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// CandidateHasResources returns hosts with capacity for the VM after the
// scheduling headroom
func CandidateHasResources(vm *VM, hs Hosts) (Hosts, error) {
	diskBytes := vm.DiskSizeGB << 30
	var hosts Hosts
	for _, h := range hs {
		avail, err := h.AvailableResources()
		if err != nil {
			return nil, err
		}
		if avail.CPU >= vm.CPUCores && avail.Memory >= vm.MemoryMB && avail.Disk >= diskBytes {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// candidateAntiAffinity returns hosts not already running a VM with the
// same anti-affinity tag
func candidateAntiAffinity(vm *VM, hs Hosts) (Hosts, error) {
	if vm.AntiAffinity == "" {
		return hs, nil
	}
	tagged := make(map[string]struct{})
	err := vm.context.ForEachVM(func(other *VM) error {
		if other.ID == vm.ID || other.Status == VMStatusTerminated {
			return nil
		}
		if other.AntiAffinity == vm.AntiAffinity && other.HostID != "" {
			tagged[other.HostID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	var hosts Hosts
	for _, h := range hs {
		if _, conflict := tagged[h.ID]; !conflict {
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// hostScore ranks a host by its average free cpu and memory ratio
func hostScore(h *Host) (float64, error) {
	alloc, err := h.AllocatedResources()
	if err != nil {
		return 0, err
	}
	if h.TotalResources.CPU == 0 || h.TotalResources.Memory == 0 {
		return 0, nil
	}
	freeCPU := 1 - float64(alloc.CPU)/float64(h.TotalResources.CPU)
	freeMem := 1 - float64(alloc.Memory)/float64(h.TotalResources.Memory)
	return (freeCPU + freeMem) / 2, nil
}

// Schedule picks the host for a VM. Filters run first, then candidates
// rank by free capacity with ties broken by fewest active VMs and host
// id. Anti-affinity is a hard constraint: when every surviving candidate
// carries the VM's tag, placement fails rather than co-locating.
func (c *Context) Schedule(vm *VM) (*Host, error) {
	hosts, err := vm.Candidates(DefaultCandidateFunctions...)
	if err != nil {
		return nil, err
	}

	hosts, err = candidateAntiAffinity(vm, hosts)
	if err != nil {
		return nil, err
	}
	if len(hosts) == 0 {
		return nil, NewError(ErrExhausted, "anti-affinity %q leaves no host for vm %s", vm.AntiAffinity, vm.Name)
	}

	type ranked struct {
		host  *Host
		score float64
		vms   int
	}
	rankings := make([]ranked, 0, len(hosts))
	for _, h := range hosts {
		score, err := hostScore(h)
		if err != nil {
			return nil, err
		}
		count, err := h.ActiveVMCount()
		if err != nil {
			return nil, err
		}
		rankings = append(rankings, ranked{host: h, score: score, vms: count})
	}
	sort.SliceStable(rankings, func(i, j int) bool {
		if rankings[i].score != rankings[j].score {
			return rankings[i].score > rankings[j].score
		}
		if rankings[i].vms != rankings[j].vms {
			return rankings[i].vms < rankings[j].vms
		}
		return rankings[i].host.ID < rankings[j].host.ID
	})
	return rankings[0].host, nil
}
