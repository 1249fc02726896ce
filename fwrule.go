package selkie

import (
	"encoding/json"
	"net"
	"path/filepath"
)

var (
	// FirewallRulePath is the path in the config store
	FirewallRulePath = "selkie/fwrules/"
)

// Firewall rule directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type (
	// FirewallRule is a VPC-scoped filter applied to every VM NIC on
	// that VPC
	FirewallRule struct {
		context       *Context
		modifiedIndex uint64
		ID            string `json:"id"`
		VPCName       string `json:"vpc"`
		Direction     string `json:"direction"`
		Protocol      string `json:"protocol"`
		PortStart     uint16 `json:"port_start"`
		PortEnd       uint16 `json:"port_end"`
		CIDR          string `json:"cidr"`
		Description   string `json:"description,omitempty"`
		Priority      int    `json:"priority"`
	}

	// FirewallRules is an alias to a slice of *FirewallRule
	FirewallRules []*FirewallRule
)

// NewFirewallRule creates a blank FirewallRule
func (c *Context) NewFirewallRule() *FirewallRule {
	return &FirewallRule{
		context: c,
		ID:      newID(),
	}
}

// FirewallRule fetches a FirewallRule from the config store
func (c *Context) FirewallRule(id string) (*FirewallRule, error) {
	r := &FirewallRule{
		context: c,
		ID:      id,
	}
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FirewallRule) key() string {
	return filepath.Join(FirewallRulePath, r.ID, "metadata")
}

// Refresh reloads from the data store
func (r *FirewallRule) Refresh() error {
	index, err := r.context.fetch(r.key(), r)
	if err != nil {
		return err
	}
	r.modifiedIndex = index
	return nil
}

// Validate ensures a FirewallRule has reasonable data
func (r *FirewallRule) Validate() error {
	if r.ID == "" {
		return NewError(ErrValidation, "rule id is required")
	}
	if r.VPCName == "" {
		return NewError(ErrValidation, "rule %s: vpc is required", r.ID)
	}
	switch r.Direction {
	case DirectionInbound, DirectionOutbound:
	default:
		return NewError(ErrValidation, "rule %s: direction %q", r.ID, r.Direction)
	}
	switch r.Protocol {
	case "tcp", "udp", "icmp":
	default:
		return NewError(ErrValidation, "rule %s: protocol %q", r.ID, r.Protocol)
	}
	if r.Protocol != "icmp" {
		if r.PortStart == 0 {
			return NewError(ErrValidation, "rule %s: port range is required", r.ID)
		}
		if r.PortEnd != 0 && r.PortEnd < r.PortStart {
			return NewError(ErrValidation, "rule %s: port range %d-%d inverted", r.ID, r.PortStart, r.PortEnd)
		}
	}
	if _, _, err := net.ParseCIDR(r.CIDR); err != nil {
		return NewError(ErrValidation, "rule %s: bad cidr %q", r.ID, r.CIDR)
	}
	return nil
}

// Save persists the FirewallRule to the data store
func (r *FirewallRule) Save() error {
	if err := r.Validate(); err != nil {
		return err
	}
	index, err := r.context.save(r.key(), r, r.modifiedIndex)
	if err != nil {
		return err
	}
	r.modifiedIndex = index
	return nil
}

// Delete removes the FirewallRule
func (r *FirewallRule) Delete() error {
	return r.context.kv.Delete(filepath.Join(FirewallRulePath, r.ID), true)
}

// FirewallRulesForVPC collects all rules scoped to a VPC
func (c *Context) FirewallRulesForVPC(vpcName string) (FirewallRules, error) {
	var rules FirewallRules
	err := c.ForEachFirewallRule(func(r *FirewallRule) error {
		if r.VPCName == vpcName {
			rules = append(rules, r)
		}
		return nil
	})
	return rules, err
}

// ForEachFirewallRule will run f on each FirewallRule. It will stop
// iteration if f returns an error.
func (c *Context) ForEachFirewallRule(f func(*FirewallRule) error) error {
	many, err := c.kv.GetAll(FirewallRulePath)
	if err != nil {
		return err
	}
	for key, value := range many {
		if filepath.Base(key) != "metadata" {
			continue
		}
		r := &FirewallRule{context: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, r); err != nil {
			return err
		}
		if err := f(r); err != nil {
			return err
		}
	}
	return nil
}
