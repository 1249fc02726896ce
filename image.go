package selkie

import (
	"encoding/json"
	"path/filepath"
)

var (
	// ImagePath is the path in the config store
	ImagePath = "selkie/images/"
)

type (
	// Image is an immutable backing image. Presence on a host is tracked
	// as a per-host boolean so the scheduler can prefer hosts that
	// already have the bits.
	Image struct {
		context       *Context
		modifiedIndex uint64
		ID            string          `json:"id"`
		Name          string          `json:"name"`
		Arch          string          `json:"arch"`
		SHA256        string          `json:"sha256"`
		Source        string          `json:"source,omitempty"`
		Hosts         map[string]bool `json:"hosts"`
	}

	// Images is an alias to a slice of *Image
	Images []*Image
)

// NewImage creates a blank Image
func (c *Context) NewImage() *Image {
	return &Image{
		context: c,
		ID:      newID(),
		Hosts:   make(map[string]bool),
	}
}

// Image fetches an Image from the config store
func (c *Context) Image(id string) (*Image, error) {
	i := &Image{
		context: c,
		ID:      id,
	}
	if err := i.Refresh(); err != nil {
		return nil, err
	}
	return i, nil
}

func (i *Image) key() string {
	return filepath.Join(ImagePath, i.ID, "metadata")
}

// Refresh reloads from the data store
func (i *Image) Refresh() error {
	index, err := i.context.fetch(i.key(), i)
	if err != nil {
		return err
	}
	i.modifiedIndex = index
	return nil
}

// Validate ensures an Image has reasonable data
func (i *Image) Validate() error {
	if i.ID == "" {
		return NewError(ErrValidation, "image id is required")
	}
	if i.Name == "" {
		return NewError(ErrValidation, "image %s: name is required", i.ID)
	}
	switch i.Arch {
	case ArchX8664, ArchAarch64:
	default:
		return NewError(ErrUnsupportedArch, "image %s: arch %q", i.Name, i.Arch)
	}
	return nil
}

// Save persists the Image to the data store
func (i *Image) Save() error {
	if err := i.Validate(); err != nil {
		return err
	}
	index, err := i.context.save(i.key(), i, i.modifiedIndex)
	if err != nil {
		return err
	}
	i.modifiedIndex = index
	return nil
}

// PresentOn reports whether the image bits exist on the host
func (i *Image) PresentOn(hostID string) bool {
	return i.Hosts[hostID]
}

// MarkPresent records that the image bits exist on the host
func (i *Image) MarkPresent(hostID string) error {
	if i.Hosts == nil {
		i.Hosts = make(map[string]bool)
	}
	if i.Hosts[hostID] {
		return nil
	}
	i.Hosts[hostID] = true
	return i.Save()
}

// LocalPath is the image location under a host's vmRoot
func (i *Image) LocalPath(vmRoot string) string {
	return filepath.Join(vmRoot, "images", i.ID+".qcow2")
}

// ForEachImage will run f on each Image. It will stop iteration if f
// returns an error.
func (c *Context) ForEachImage(f func(*Image) error) error {
	many, err := c.kv.GetAll(ImagePath)
	if err != nil {
		return err
	}
	for key, value := range many {
		if filepath.Base(key) != "metadata" {
			continue
		}
		i := &Image{context: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, i); err != nil {
			return err
		}
		if err := f(i); err != nil {
			return err
		}
	}
	return nil
}
