package selkie

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/mistifyio/selkie/pkg/kv"
)

var (
	// MigrationPath is the path in the config store, keyed by VM id so
	// only one live migration per VM can exist
	MigrationPath = "selkie/migrations/"
)

// Migration phases
const (
	PhasePrepare    = "prepare"
	PhasePrecopy    = "precopy"
	PhaseSwitchover = "switchover"
	PhaseFinalize   = "finalize"
	PhaseAborted    = "abort"
)

type (
	// Migration is the persisted live-migration state machine. The row
	// outlives daemon restarts so a coordinator can resume from the last
	// recorded phase.
	Migration struct {
		context       *Context
		modifiedIndex uint64
		ID            string    `json:"id"`
		VMID          string    `json:"vm"`
		SourceHost    string    `json:"source"`
		DestHost      string    `json:"destination"`
		Phase         string    `json:"phase"`
		BandwidthBPS  uint64    `json:"bandwidth_bps,omitempty"`
		MaxDowntimeMS uint64    `json:"max_downtime_ms,omitempty"`
		Compressed    bool      `json:"compressed,omitempty"`
		Progress      int       `json:"progress"`
		Reason        string    `json:"reason,omitempty"`
		StartedAt     time.Time `json:"started_at"`
		EndedAt       time.Time `json:"ended_at,omitempty"`
	}

	// Migrations is an alias to a slice of *Migration
	Migrations []*Migration
)

// NewMigration creates a migration row for a VM. Creating it is the
// mutual-exclusion point: the row keys on VM id, so a second concurrent
// migration fails the create.
func (c *Context) NewMigration(vmID, sourceHost, destHost string) *Migration {
	return &Migration{
		context:    c,
		ID:         newID(),
		VMID:       vmID,
		SourceHost: sourceHost,
		DestHost:   destHost,
		Phase:      PhasePrepare,
		StartedAt:  time.Now().UTC(),
	}
}

// Migration fetches the Migration for a VM from the config store
func (c *Context) Migration(vmID string) (*Migration, error) {
	m := &Migration{
		context: c,
		VMID:    vmID,
	}
	if err := m.Refresh(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Migration) key() string {
	return filepath.Join(MigrationPath, m.VMID, "metadata")
}

// Refresh reloads from the data store
func (m *Migration) Refresh() error {
	index, err := m.context.fetch(m.key(), m)
	if err != nil {
		return err
	}
	m.modifiedIndex = index
	return nil
}

// Validate ensures a Migration has reasonable data
func (m *Migration) Validate() error {
	if m.VMID == "" {
		return NewError(ErrValidation, "migration vm is required")
	}
	if m.SourceHost == "" || m.DestHost == "" {
		return NewError(ErrValidation, "migration %s: source and destination are required", m.ID)
	}
	if m.SourceHost == m.DestHost {
		return NewError(ErrValidation, "migration %s: source equals destination", m.ID)
	}
	return nil
}

// Save persists the Migration to the data store
func (m *Migration) Save() error {
	if err := m.Validate(); err != nil {
		return err
	}
	index, err := m.context.save(m.key(), m, m.modifiedIndex)
	if err != nil {
		return err
	}
	m.modifiedIndex = index
	return nil
}

// saveOp builds the batch op persisting the Migration at its current index
func (m *Migration) saveOp() (kv.Op, error) {
	return putOp(m.key(), m, m.modifiedIndex)
}

// SetPhase advances the state machine and persists
func (m *Migration) SetPhase(phase string) error {
	m.Phase = phase
	if phase == PhaseFinalize || phase == PhaseAborted {
		m.EndedAt = time.Now().UTC()
	}
	return m.Save()
}

// Done reports whether the migration reached a terminal phase
func (m *Migration) Done() bool {
	return m.Phase == PhaseFinalize || m.Phase == PhaseAborted
}

// Delete removes the Migration row
func (m *Migration) Delete() error {
	return m.context.kv.Delete(filepath.Join(MigrationPath, m.VMID), true)
}

// ForEachMigration will run f on each Migration. It will stop iteration if
// f returns an error.
func (c *Context) ForEachMigration(f func(*Migration) error) error {
	many, err := c.kv.GetAll(MigrationPath)
	if err != nil {
		return err
	}
	for key, value := range many {
		if filepath.Base(key) != "metadata" {
			continue
		}
		m := &Migration{context: c, modifiedIndex: value.Index}
		if err := json.Unmarshal(value.Data, m); err != nil {
			return err
		}
		if err := f(m); err != nil {
			return err
		}
	}
	return nil
}
