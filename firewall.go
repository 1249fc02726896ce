package selkie

import (
	"bytes"
	"fmt"
	"sort"
)

// CompileFirewall renders the iptables script for a VPC's rule set. The
// output is byte-stable for a given rule set, so callers can compare the
// rendered script against the last one pushed and skip the host round
// trip when nothing changed.
//
// The script is iptables-restore format scoped to the filter table. Each
// VPC owns an -in and an -out chain hanging off FORWARD via the bridge
// interface; both default to DROP with established/related and intra-VPC
// traffic accepted ahead of the declared rules.
func CompileFirewall(vpc *VPC, rules FirewallRules) ([]byte, error) {
	sorted := make(FirewallRules, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})

	for _, r := range sorted {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.VPCName != vpc.Name {
			return nil, NewError(ErrValidation, "rule %s belongs to vpc %s, not %s", r.ID, r.VPCName, vpc.Name)
		}
	}

	base := vpc.ChainBase()
	in := base + "-in"
	out := base + "-out"
	bridge := vpc.BridgeName()

	var buf bytes.Buffer
	buf.WriteString("*filter\n")
	fmt.Fprintf(&buf, ":%s - [0:0]\n", in)
	fmt.Fprintf(&buf, ":%s - [0:0]\n", out)
	fmt.Fprintf(&buf, "-F %s\n", in)
	fmt.Fprintf(&buf, "-F %s\n", out)

	// Idempotent FORWARD hooks: delete-then-add keeps exactly one copy
	fmt.Fprintf(&buf, "-D FORWARD -o %s -j %s\n", bridge, in)
	fmt.Fprintf(&buf, "-A FORWARD -o %s -j %s\n", bridge, in)
	fmt.Fprintf(&buf, "-D FORWARD -i %s -j %s\n", bridge, out)
	fmt.Fprintf(&buf, "-A FORWARD -i %s -j %s\n", bridge, out)

	for _, chain := range []string{in, out} {
		fmt.Fprintf(&buf, "-A %s -m state --state ESTABLISHED,RELATED -j ACCEPT\n", chain)
		fmt.Fprintf(&buf, "-A %s -s %s -d %s -j ACCEPT\n", chain, vpc.CIDR, vpc.CIDR)
	}

	for _, r := range sorted {
		chain := in
		flag := "-s"
		if r.Direction == DirectionOutbound {
			chain = out
			flag = "-d"
		}
		fmt.Fprintf(&buf, "-A %s -p %s%s %s %s -j ACCEPT\n", chain, r.Protocol, portMatch(r), flag, r.CIDR)
	}

	fmt.Fprintf(&buf, "-A %s -j DROP\n", in)
	fmt.Fprintf(&buf, "-A %s -j DROP\n", out)
	buf.WriteString("COMMIT\n")
	return buf.Bytes(), nil
}

func portMatch(r *FirewallRule) string {
	if r.Protocol == "icmp" {
		return ""
	}
	if r.PortEnd != 0 && r.PortEnd != r.PortStart {
		return fmt.Sprintf(" --dport %d:%d", r.PortStart, r.PortEnd)
	}
	return fmt.Sprintf(" --dport %d", r.PortStart)
}

// CompileNAT renders the nat-table script for one host: an SSH DNAT per
// placed VM and a DNAT for every floating IP bound to a VM on the host.
// Output is byte-stable for a given VM set so pushes can be skipped.
func CompileNAT(host *Host, vms VMs) ([]byte, error) {
	chain := "SELKIE-NAT"
	sorted := make(VMs, len(vms))
	copy(sorted, vms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var buf bytes.Buffer
	buf.WriteString("*nat\n")
	fmt.Fprintf(&buf, ":%s - [0:0]\n", chain)
	fmt.Fprintf(&buf, "-F %s\n", chain)
	fmt.Fprintf(&buf, "-D PREROUTING -j %s\n", chain)
	fmt.Fprintf(&buf, "-A PREROUTING -j %s\n", chain)

	for _, vm := range sorted {
		if vm.HostID != host.ID || vm.Status == VMStatusTerminated {
			continue
		}
		if len(vm.NICs) == 0 {
			continue
		}
		private := vm.NICs[0].PrivateIP
		if private == nil {
			continue
		}
		if vm.SSHPort != 0 {
			fmt.Fprintf(&buf, "-A %s -i %s -p tcp --dport %d -j DNAT --to-destination %s:22\n",
				chain, host.Uplink, vm.SSHPort, private)
		}
		if fip := vm.NICs[0].FloatingIP; fip != nil {
			fmt.Fprintf(&buf, "-A %s -d %s -j DNAT --to-destination %s\n", chain, fip, private)
		}
	}
	buf.WriteString("COMMIT\n")
	return buf.Bytes(), nil
}

// CompileVPCFirewall loads a VPC's rules and compiles them
func (c *Context) CompileVPCFirewall(vpcName string) ([]byte, error) {
	vpc, err := c.VPC(vpcName)
	if err != nil {
		return nil, err
	}
	rules, err := c.FirewallRulesForVPC(vpcName)
	if err != nil {
		return nil, err
	}
	return CompileFirewall(vpc, rules)
}
