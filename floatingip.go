package selkie

import (
	"encoding/json"
	"net"
	"path/filepath"
	"time"
)

var (
	// FloatingIPPath is the path in the config store
	FloatingIPPath = "selkie/floatingips/"
)

// FloatingIP status values
const (
	FloatingIPFree  = "free"
	FloatingIPBound = "bound"
)

type (
	// FloatingIP is a publicly routable address DNATed to a VM's private
	// IP. An address is never bound to two VMs at once.
	FloatingIP struct {
		context       *Context
		modifiedIndex uint64
		Address       string    `json:"address"`
		Status        string    `json:"status"`
		VMID          string    `json:"vm,omitempty"`
		LastRebind    time.Time `json:"last_rebind,omitempty"`
	}

	// FloatingIPs is an alias to a slice of *FloatingIP
	FloatingIPs []*FloatingIP
)

// NewFloatingIP adds an address to the public pool
func (c *Context) NewFloatingIP(address string) (*FloatingIP, error) {
	if net.ParseIP(address) == nil {
		return nil, NewError(ErrValidation, "bad address %q", address)
	}
	return &FloatingIP{
		context: c,
		Address: address,
		Status:  FloatingIPFree,
	}, nil
}

// FloatingIP fetches a FloatingIP from the config store
func (c *Context) FloatingIP(address string) (*FloatingIP, error) {
	fip := &FloatingIP{
		context: c,
		Address: address,
	}
	if err := fip.Refresh(); err != nil {
		return nil, err
	}
	return fip, nil
}

func (fip *FloatingIP) key() string {
	return filepath.Join(FloatingIPPath, fip.Address, "metadata")
}

// Refresh reloads from the data store
func (fip *FloatingIP) Refresh() error {
	index, err := fip.context.fetch(fip.key(), fip)
	if err != nil {
		return err
	}
	fip.modifiedIndex = index
	return nil
}

// Validate ensures a FloatingIP has reasonable data
func (fip *FloatingIP) Validate() error {
	if net.ParseIP(fip.Address) == nil {
		return NewError(ErrValidation, "bad address %q", fip.Address)
	}
	return nil
}

// Save persists the FloatingIP to the data store
func (fip *FloatingIP) Save() error {
	if err := fip.Validate(); err != nil {
		return err
	}
	index, err := fip.context.save(fip.key(), fip, fip.modifiedIndex)
	if err != nil {
		return err
	}
	fip.modifiedIndex = index
	return nil
}

// Bind attaches the address to a VM. CAS on save keeps two concurrent
// binds from both winning.
func (fip *FloatingIP) Bind(vmID string) error {
	if fip.Status == FloatingIPBound && fip.VMID != vmID {
		return NewError(ErrConflict, "address %s already bound to %s", fip.Address, fip.VMID)
	}
	fip.Status = FloatingIPBound
	fip.VMID = vmID
	fip.LastRebind = time.Now().UTC()
	return fip.Save()
}

// Unbind releases the address back to the pool. Idempotent.
func (fip *FloatingIP) Unbind() error {
	if fip.Status == FloatingIPFree {
		return nil
	}
	fip.Status = FloatingIPFree
	fip.VMID = ""
	return fip.Save()
}

// Delete removes the address from the pool. It refuses while bound.
func (fip *FloatingIP) Delete() error {
	if fip.Status == FloatingIPBound {
		return NewError(ErrConflict, "address %s is bound to %s", fip.Address, fip.VMID)
	}
	return fip.context.kv.Delete(filepath.Join(FloatingIPPath, fip.Address), true)
}

// ForEachFloatingIP will run f on each FloatingIP. It will stop iteration
// if f returns an error.
func (c *Context) ForEachFloatingIP(f func(*FloatingIP) error) error {
	many, err := c.kv.GetAll(FloatingIPPath)
	if err != nil {
		return err
	}
	for key, value := range many {
		if filepath.Base(key) != "metadata" {
			continue
		}
		fip := &FloatingIP{context: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, fip); err != nil {
			return err
		}
		if err := f(fip); err != nil {
			return err
		}
	}
	return nil
}
