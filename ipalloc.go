package selkie

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mistifyio/selkie/pkg/kv"
)

var (
	// AllocationPath is the path in the config store
	AllocationPath = "selkie/allocations/"

	// AllocationGracePeriod is how long a released address stays
	// quarantined before it may be handed out again, and how long an
	// unconsumed reservation survives before the reaper claims it back
	AllocationGracePeriod = 5 * time.Minute
)

// Allocation status values
const (
	AllocationReserved = "reserved"
	AllocationBound    = "bound"
	AllocationReleased = "released"
)

// PublicScope is the allocator scope of the region's public pool
const PublicScope = "public"

// VPCScope names the private allocator scope of a VPC
func VPCScope(vpcName string) string {
	return "vpc:" + vpcName
}

type (
	// IPAllocation is one row of the address ledger. At most one
	// non-released row may exist per (scope, address); the create CAS on
	// the row key enforces it.
	IPAllocation struct {
		context       *Context
		modifiedIndex uint64
		Scope         string    `json:"scope"`
		Address       string    `json:"address"`
		OwnerID       string    `json:"owner,omitempty"`
		Status        string    `json:"status"`
		ReservedAt    time.Time `json:"reserved_at"`
		ReleasedAt    time.Time `json:"released_at,omitempty"`
	}
)

func allocationKey(scope, address string) string {
	return filepath.Join(AllocationPath, scope, address)
}

func (a *IPAllocation) key() string {
	return allocationKey(a.Scope, a.Address)
}

// Allocations lists the ledger for a scope, addresses in numeric order
func (c *Context) Allocations(scope string) ([]*IPAllocation, error) {
	many, err := c.kv.GetAll(filepath.Join(AllocationPath, scope) + "/")
	if err != nil {
		return nil, err
	}
	allocs := make([]*IPAllocation, 0, len(many))
	for _, value := range many {
		a := &IPAllocation{context: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, a); err != nil {
			return nil, err
		}
		allocs = append(allocs, a)
	}
	sort.Slice(allocs, func(i, j int) bool {
		return ipOrdinal(net.ParseIP(allocs[i].Address)) < ipOrdinal(net.ParseIP(allocs[j].Address))
	})
	return allocs, nil
}

// Allocation fetches one ledger row
func (c *Context) Allocation(scope, address string) (*IPAllocation, error) {
	a := &IPAllocation{context: c, Scope: scope, Address: address}
	index, err := c.fetch(a.key(), a)
	if err != nil {
		return nil, err
	}
	a.modifiedIndex = index
	return a, nil
}

// ReserveOp picks the next free address in the scope and returns the row
// plus the batch op that claims it. The caller commits the op together
// with the mutation consuming the address, so a crash can never leave a
// half-allocated state. Passing a hint requests that specific address.
func (c *Context) ReserveOp(scope, hint string) (*IPAllocation, kv.Op, error) {
	candidates, err := c.scopeAddresses(scope)
	if err != nil {
		return nil, kv.Op{}, err
	}

	taken, err := c.takenAddresses(scope)
	if err != nil {
		return nil, kv.Op{}, err
	}

	var address string
	if hint != "" {
		if _, used := taken[hint]; used {
			return nil, kv.Op{}, NewError(ErrConflict, "address %s in scope %s is taken", hint, scope)
		}
		found := false
		for _, cand := range candidates {
			if cand == hint {
				found = true
				break
			}
		}
		if !found {
			return nil, kv.Op{}, NewError(ErrValidation, "address %s not allocatable in scope %s", hint, scope)
		}
		address = hint
	} else {
		for _, cand := range candidates {
			if _, used := taken[cand]; !used {
				address = cand
				break
			}
		}
		if address == "" {
			return nil, kv.Op{}, NewError(ErrExhausted, "scope %s has no free addresses", scope)
		}
	}

	a := &IPAllocation{
		context:    c,
		Scope:      scope,
		Address:    address,
		Status:     AllocationReserved,
		ReservedAt: time.Now().UTC(),
	}
	op, err := putOp(a.key(), a, 0)
	if err != nil {
		return nil, kv.Op{}, err
	}
	return a, op, nil
}

// ReserveAddress claims the next free address in the scope on its own
func (c *Context) ReserveAddress(scope, hint string) (*IPAllocation, error) {
	a, op, err := c.ReserveOp(scope, hint)
	if err != nil {
		return nil, err
	}
	index, err := c.Batch([]kv.Op{op})
	if err != nil {
		return nil, err
	}
	a.modifiedIndex = index
	return a, nil
}

// Bind ties a reserved address to its owner. Binding an address already
// bound to the same owner is a no-op; any other state is a conflict.
func (c *Context) Bind(scope, address, owner string) error {
	a, err := c.Allocation(scope, address)
	if err != nil {
		if c.IsKeyNotFound(err) {
			return NewError(ErrNotFound, "address %s in scope %s is not reserved", address, scope)
		}
		return err
	}
	if a.Status == AllocationBound {
		if a.OwnerID == owner {
			return nil
		}
		return NewError(ErrConflict, "address %s in scope %s is bound to %s", address, scope, a.OwnerID)
	}
	if a.Status == AllocationReleased {
		return NewError(ErrConflict, "address %s in scope %s was released", address, scope)
	}
	if a.OwnerID != "" && a.OwnerID != owner {
		return NewError(ErrConflict, "address %s in scope %s is reserved for %s", address, scope, a.OwnerID)
	}
	a.Status = AllocationBound
	a.OwnerID = owner
	index, err := c.save(a.key(), a, a.modifiedIndex)
	if err != nil {
		return err
	}
	a.modifiedIndex = index
	return nil
}

// Release returns an address to the quarantine pool. Idempotent: releasing
// a missing or already-released address succeeds.
func (c *Context) Release(scope, address, owner string) error {
	a, err := c.Allocation(scope, address)
	if err != nil {
		if c.IsKeyNotFound(err) {
			return nil
		}
		return err
	}
	if a.Status == AllocationReleased {
		return nil
	}
	if a.OwnerID != "" && owner != "" && a.OwnerID != owner {
		return NewError(ErrConflict, "address %s in scope %s is owned by %s", address, scope, a.OwnerID)
	}
	a.Status = AllocationReleased
	a.ReleasedAt = time.Now().UTC()
	index, err := c.save(a.key(), a, a.modifiedIndex)
	if err != nil {
		return err
	}
	a.modifiedIndex = index
	return nil
}

// ReapAllocations sweeps the ledger: released rows past the grace period
// are deleted so the address frees up, and reserved rows whose owner never
// consumed them are released. Safe to run from any number of sweepers; a
// lost CAS just means another sweeper won.
func (c *Context) ReapAllocations() error {
	many, err := c.kv.GetAll(AllocationPath)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for key, value := range many {
		a := &IPAllocation{context: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, a); err != nil {
			return err
		}
		switch a.Status {
		case AllocationReleased:
			if now.Sub(a.ReleasedAt) >= AllocationGracePeriod {
				if err := c.kv.Remove(key, a.modifiedIndex); err != nil && !kv.IsConflict(err) && !c.IsKeyNotFound(err) {
					return err
				}
			}
		case AllocationReserved:
			if now.Sub(a.ReservedAt) < AllocationGracePeriod {
				continue
			}
			orphaned := a.OwnerID == ""
			if !orphaned {
				if _, err := c.VM(a.OwnerID); err != nil && c.IsKeyNotFound(err) {
					orphaned = true
				}
			}
			if orphaned {
				a.Status = AllocationReleased
				a.ReleasedAt = now
				if _, err := c.save(key, a, a.modifiedIndex); err != nil && !IsErrorCode(err, ErrConflict) {
					return err
				}
			}
		}
	}
	return nil
}

// takenAddresses collects every address with an existing ledger row.
// Released rows still count until the reaper removes them, giving the
// quarantine its teeth.
func (c *Context) takenAddresses(scope string) (map[string]struct{}, error) {
	allocs, err := c.Allocations(scope)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]struct{}, len(allocs))
	for _, a := range allocs {
		taken[a.Address] = struct{}{}
	}
	return taken, nil
}

// scopeAddresses enumerates every allocatable address of a scope in
// smallest-host-part-first order
func (c *Context) scopeAddresses(scope string) ([]string, error) {
	if scope == PublicScope {
		return c.publicPoolAddresses()
	}
	vpcName := strings.TrimPrefix(scope, "vpc:")
	if vpcName == scope {
		return nil, NewError(ErrValidation, "bad scope %q", scope)
	}
	vpc, err := c.VPC(vpcName)
	if err != nil {
		return nil, err
	}
	return vpc.allocatableAddresses()
}

// publicPoolAddresses enumerates the region's floating-IP pool
func (c *Context) publicPoolAddresses() ([]string, error) {
	var addrs []string
	err := c.ForEachFloatingIP(func(fip *FloatingIP) error {
		addrs = append(addrs, fip.Address)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(addrs, func(i, j int) bool {
		return ipOrdinal(net.ParseIP(addrs[i])) < ipOrdinal(net.ParseIP(addrs[j]))
	})
	return addrs, nil
}

// allocatableAddresses walks the VPC CIDR skipping the reserved endpoints
// of whichever subnet contains each address. A VPC with no subnets is
// treated as a single subnet spanning its whole CIDR.
func (v *VPC) allocatableAddresses() ([]string, error) {
	ipnet, err := v.Network()
	if err != nil {
		return nil, err
	}

	reserved := map[string]struct{}{}
	if len(v.SubnetIDs) == 0 {
		whole := &Subnet{context: v.context, ID: v.Name, VPCName: v.Name, CIDR: v.CIDR}
		ips, err := whole.ReservedAddresses()
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			reserved[ip.String()] = struct{}{}
		}
	}
	for _, id := range v.SubnetIDs {
		s, err := v.context.Subnet(id)
		if err != nil {
			return nil, err
		}
		ips, err := s.ReservedAddresses()
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			reserved[ip.String()] = struct{}{}
		}
	}

	base := ipnet.IP.To4()
	if base == nil {
		return nil, NewError(ErrValidation, "vpc %s: ipv4 only", v.Name)
	}
	ones, bits := ipnet.Mask.Size()
	total := 1 << uint(bits-ones)

	addrs := make([]string, 0, total)
	start := ipOrdinal(base)
	for i := 0; i < total; i++ {
		ip := ordinalIP(start + uint32(i))
		if _, skip := reserved[ip.String()]; skip {
			continue
		}
		addrs = append(addrs, ip.String())
	}
	return addrs, nil
}

func ipOrdinal(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func ordinalIP(n uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
