package selkie

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
)

var (
	// VPCPath is the path in the config store
	VPCPath = "selkie/vpcs/"
	// SubnetPath is the path in the config store
	SubnetPath = "selkie/subnets/"
)

type (
	// VPC is a named private network carrying a set of VMs on a per-VPC
	// bridge. VPCs are keyed by name.
	VPC struct {
		context       *Context
		modifiedIndex uint64
		Name          string   `json:"name"`
		CIDR          string   `json:"cidr"`
		SubnetIDs     []string `json:"subnets"`
		Gateway       net.IP   `json:"gateway"`
		MTU           int      `json:"mtu"`
	}

	// VPCs is an alias to a slice of *VPC
	VPCs []*VPC

	// Subnet partitions a VPC's CIDR for private-IP allocation
	Subnet struct {
		context       *Context
		modifiedIndex uint64
		ID            string `json:"id"`
		VPCName       string `json:"vpc"`
		CIDR          string `json:"cidr"`
	}
)

// NewVPC creates a blank VPC
func (c *Context) NewVPC() *VPC {
	return &VPC{
		context: c,
	}
}

// VPC fetches a VPC from the config store
func (c *Context) VPC(name string) (*VPC, error) {
	v := &VPC{
		context: c,
		Name:    name,
	}
	if err := v.Refresh(); err != nil {
		return nil, err
	}
	return v, nil
}

func (v *VPC) key() string {
	return filepath.Join(VPCPath, v.Name, "metadata")
}

// Refresh reloads from the data store
func (v *VPC) Refresh() error {
	index, err := v.context.fetch(v.key(), v)
	if err != nil {
		return err
	}
	v.modifiedIndex = index
	return nil
}

// Network parses the VPC's CIDR
func (v *VPC) Network() (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(v.CIDR)
	if err != nil {
		return nil, NewError(ErrValidation, "vpc %s: bad cidr %q", v.Name, v.CIDR)
	}
	return ipnet, nil
}

// Validate ensures a VPC has reasonable data
func (v *VPC) Validate() error {
	if v.Name == "" {
		return NewError(ErrValidation, "vpc name is required")
	}
	ipnet, err := v.Network()
	if err != nil {
		return err
	}
	if v.Gateway != nil && !ipnet.Contains(v.Gateway) {
		return NewError(ErrValidation, "vpc %s: gateway %s outside %s", v.Name, v.Gateway, v.CIDR)
	}
	return nil
}

// Save persists the VPC to the data store
func (v *VPC) Save() error {
	if err := v.Validate(); err != nil {
		return err
	}
	index, err := v.context.save(v.key(), v, v.modifiedIndex)
	if err != nil {
		return err
	}
	v.modifiedIndex = index
	return nil
}

// Delete removes the VPC. It refuses while any non-terminated VM or any
// live allocation still references it.
func (v *VPC) Delete() error {
	var inUse bool
	err := v.context.ForEachVM(func(vm *VM) error {
		if vm.VPCName == v.Name && vm.Status != VMStatusTerminated {
			inUse = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if inUse {
		return NewError(ErrConflict, "vpc %s still has machines", v.Name)
	}

	allocs, err := v.context.Allocations(VPCScope(v.Name))
	if err != nil {
		return err
	}
	for _, a := range allocs {
		if a.Status != AllocationReleased {
			return NewError(ErrConflict, "vpc %s still has allocated addresses", v.Name)
		}
	}

	for _, id := range v.SubnetIDs {
		s, err := v.context.Subnet(id)
		if err != nil {
			if v.context.IsKeyNotFound(err) {
				continue
			}
			return err
		}
		if err := s.Delete(); err != nil {
			return err
		}
	}

	return v.context.kv.Delete(filepath.Join(VPCPath, v.Name), true)
}

// BridgeName is the deterministic per-VPC Linux bridge name
func (v *VPC) BridgeName() string {
	return "sk-" + shortHash(v.Name)
}

// ChainBase is the deterministic iptables chain prefix for this VPC.
// The compiler appends -in and -out.
func (v *VPC) ChainBase() string {
	return "SELKIE-" + shortHash(v.Name)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", sum[:4])
}

// ForEachVPC will run f on each VPC. It will stop iteration if f returns an
// error.
func (c *Context) ForEachVPC(f func(*VPC) error) error {
	many, err := c.kv.GetAll(VPCPath)
	if err != nil {
		return err
	}
	for key, value := range many {
		if filepath.Base(key) != "metadata" {
			continue
		}
		v := &VPC{context: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, v); err != nil {
			return err
		}
		if err := f(v); err != nil {
			return err
		}
	}
	return nil
}

// NewSubnet creates a blank Subnet inside the VPC and links it
func (v *VPC) NewSubnet(id, cidr string) (*Subnet, error) {
	s := &Subnet{
		context: v.context,
		ID:      id,
		VPCName: v.Name,
		CIDR:    cidr,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	vpcNet, err := v.Network()
	if err != nil {
		return nil, err
	}
	_, subNet, _ := net.ParseCIDR(cidr)
	ones, _ := subNet.Mask.Size()
	vpcOnes, _ := vpcNet.Mask.Size()
	if !vpcNet.Contains(subNet.IP) || ones < vpcOnes {
		return nil, NewError(ErrValidation, "subnet %s not contained in vpc %s (%s)", cidr, v.Name, v.CIDR)
	}

	if err := s.Save(); err != nil {
		return nil, err
	}
	v.SubnetIDs = append(v.SubnetIDs, s.ID)
	if err := v.Save(); err != nil {
		return nil, err
	}
	return s, nil
}

// RemoveSubnet unlinks and deletes a subnet. It refuses while any live
// allocation falls inside the subnet's range.
func (v *VPC) RemoveSubnet(id string) error {
	s, err := v.context.Subnet(id)
	if err != nil {
		return err
	}
	if s.VPCName != v.Name {
		return NewError(ErrNotFound, "subnet %s not in vpc %s", id, v.Name)
	}

	_, subNet, err := net.ParseCIDR(s.CIDR)
	if err != nil {
		return err
	}
	allocs, err := v.context.Allocations(VPCScope(v.Name))
	if err != nil {
		return err
	}
	for _, a := range allocs {
		if a.Status == AllocationReleased {
			continue
		}
		if ip := net.ParseIP(a.Address); ip != nil && subNet.Contains(ip) {
			return NewError(ErrConflict, "subnet %s still has allocated addresses", id)
		}
	}

	if err := s.Delete(); err != nil {
		return err
	}
	kept := v.SubnetIDs[:0]
	for _, sid := range v.SubnetIDs {
		if sid != id {
			kept = append(kept, sid)
		}
	}
	v.SubnetIDs = kept
	return v.Save()
}

// Subnet fetches a Subnet from the config store
func (c *Context) Subnet(id string) (*Subnet, error) {
	s := &Subnet{
		context: c,
		ID:      id,
	}
	if err := s.Refresh(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Subnet) key() string {
	return filepath.Join(SubnetPath, s.ID, "metadata")
}

// Refresh reloads from the data store
func (s *Subnet) Refresh() error {
	index, err := s.context.fetch(s.key(), s)
	if err != nil {
		return err
	}
	s.modifiedIndex = index
	return nil
}

// Validate ensures a Subnet has reasonable data
func (s *Subnet) Validate() error {
	if s.ID == "" {
		return NewError(ErrValidation, "subnet id is required")
	}
	if s.VPCName == "" {
		return NewError(ErrValidation, "subnet %s: vpc is required", s.ID)
	}
	if _, _, err := net.ParseCIDR(s.CIDR); err != nil {
		return NewError(ErrValidation, "subnet %s: bad cidr %q", s.ID, s.CIDR)
	}
	return nil
}

// Save persists the Subnet to the data store
func (s *Subnet) Save() error {
	if err := s.Validate(); err != nil {
		return err
	}
	index, err := s.context.save(s.key(), s, s.modifiedIndex)
	if err != nil {
		return err
	}
	s.modifiedIndex = index
	return nil
}

// Delete removes the Subnet
func (s *Subnet) Delete() error {
	return s.context.kv.Delete(filepath.Join(SubnetPath, s.ID), true)
}

// ReservedAddresses are the network, gateway, and broadcast addresses of
// the subnet, never handed out by the allocator.
func (s *Subnet) ReservedAddresses() ([]net.IP, error) {
	_, ipnet, err := net.ParseCIDR(s.CIDR)
	if err != nil {
		return nil, err
	}
	network := ipnet.IP.To4()
	if network == nil {
		return nil, NewError(ErrValidation, "subnet %s: ipv4 only", s.ID)
	}
	gw := make(net.IP, len(network))
	copy(gw, network)
	gw[3]++

	broadcast := make(net.IP, len(network))
	for i := range network {
		broadcast[i] = network[i] | ^ipnet.Mask[i]
	}
	return []net.IP{network, gw, broadcast}, nil
}
