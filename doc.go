/*
Package selkie is the control-plane engine of a multi-tenant virtual machine
manager. It keeps the authoritative inventory of VPCs, subnets, VMs, disks,
floating IPs, firewall rules and hypervisor hosts in a versioned kv store,
schedules VM placement, reconciles declared state against host state through
a per-host libvirt driver, allocates addresses from VPC CIDRs, coordinates
live migration, and bridges serial consoles to WebSocket clients.

Data Model

A Host is a physical machine running the libvirt/QEMU stack, reachable
locally or over SSH.

A VPC is a named private network with a CIDR. Every VM on a VPC shares a
per-VPC Linux bridge on its host. Subnets partition a VPC's CIDR for
address allocation.

A VM is a virtual machine. At creation time a VPC and an image are
required; the scheduler picks a host respecting capacity, architecture and
anti-affinity.

A Disk is a block volume that can be attached to at most one VM at a time.
A FloatingIP is a public address DNATed to a VM's private IP. Firewall
rules are VPC-scoped and compiled into per-VPC iptables chains.

The kv store is the single serialization point: every invariant is enforced
with compare-and-set batches, and everything outside it is cache or
derivation.
*/
package selkie

import "github.com/pborman/uuid"

// Supported guest and host architectures
const (
	ArchX8664   = "x86_64"
	ArchAarch64 = "aarch64"
)

// newID mints an opaque entity identifier
func newID() string {
	return uuid.New()
}
