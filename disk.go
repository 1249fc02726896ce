package selkie

import (
	"encoding/json"
	"path/filepath"
	"time"
)

var (
	// DiskPath is the path in the config store
	DiskPath = "selkie/disks/"
)

// Disk status values
const (
	DiskAvailable = "available"
	DiskInUse     = "in-use"
	DiskResizing  = "resizing"
	DiskError     = "error"
)

type (
	// Disk is a block volume backed by a qcow2 file on its owner host
	Disk struct {
		context       *Context
		modifiedIndex uint64
		ID            string    `json:"id"`
		Name          string    `json:"name"`
		SizeGB        uint64    `json:"size_gb"`
		HostID        string    `json:"host,omitempty"`
		Status        string    `json:"status"`
		VMID          string    `json:"vm,omitempty"`
		Slot          string    `json:"slot,omitempty"`
		Orphaned      bool      `json:"orphaned,omitempty"`
		CreatedAt     time.Time `json:"created_at"`
	}

	// Disks is an alias to a slice of *Disk
	Disks []*Disk
)

// NewDisk creates a blank Disk
func (c *Context) NewDisk() *Disk {
	return &Disk{
		context:   c,
		ID:        newID(),
		Status:    DiskAvailable,
		CreatedAt: time.Now().UTC(),
	}
}

// Disk fetches a Disk from the config store
func (c *Context) Disk(id string) (*Disk, error) {
	d := &Disk{
		context: c,
		ID:      id,
	}
	if err := d.Refresh(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Disk) key() string {
	return filepath.Join(DiskPath, d.ID, "metadata")
}

// Refresh reloads from the data store
func (d *Disk) Refresh() error {
	index, err := d.context.fetch(d.key(), d)
	if err != nil {
		return err
	}
	d.modifiedIndex = index
	return nil
}

// Validate ensures a Disk has reasonable data
func (d *Disk) Validate() error {
	if d.ID == "" {
		return NewError(ErrValidation, "disk id is required")
	}
	if d.Name == "" {
		return NewError(ErrValidation, "disk %s: name is required", d.ID)
	}
	if d.SizeGB == 0 {
		return NewError(ErrValidation, "disk %s: size_gb is required", d.Name)
	}
	return nil
}

// Save persists the Disk to the data store
func (d *Disk) Save() error {
	if err := d.Validate(); err != nil {
		return err
	}
	index, err := d.context.save(d.key(), d, d.modifiedIndex)
	if err != nil {
		return err
	}
	d.modifiedIndex = index
	return nil
}

// Delete removes the Disk row. Only an unattached disk may be deleted.
func (d *Disk) Delete() error {
	if d.Status != DiskAvailable && d.Status != DiskError {
		return NewError(ErrConflict, "disk %s is %s", d.ID, d.Status)
	}
	return d.context.kv.Delete(filepath.Join(DiskPath, d.ID), true)
}

// Attach marks the disk in use by a VM at a device slot. Attachment is
// exclusive.
func (d *Disk) Attach(vmID, slot string) error {
	if d.Status != DiskAvailable {
		return NewError(ErrConflict, "disk %s is %s", d.ID, d.Status)
	}
	d.Status = DiskInUse
	d.VMID = vmID
	d.Slot = slot
	return d.Save()
}

// Detach returns the disk to the pool. The backing file survives.
func (d *Disk) Detach() error {
	d.Status = DiskAvailable
	d.VMID = ""
	d.Slot = ""
	return d.Save()
}

// VolumePath is the qcow2 location of the volume under vmRoot
func (d *Disk) VolumePath(vmRoot string) string {
	return filepath.Join(vmRoot, "volumes", d.ID+".qcow2")
}

// ForEachDisk will run f on each Disk. It will stop iteration if f returns
// an error.
func (c *Context) ForEachDisk(f func(*Disk) error) error {
	many, err := c.kv.GetAll(DiskPath)
	if err != nil {
		return err
	}
	for key, value := range many {
		if filepath.Base(key) != "metadata" {
			continue
		}
		d := &Disk{context: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, d); err != nil {
			return err
		}
		if err := f(d); err != nil {
			return err
		}
	}
	return nil
}
