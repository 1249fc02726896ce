package jobqueue

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	"github.com/mistifyio/selkie/pkg/kv"
	"github.com/pborman/uuid"
)

var (
	// JobPath is the path in the config store
	JobPath = "selkie/jobs/"
)

// Job actions
const (
	ActionReconcile = "reconcile"
	ActionReboot    = "reboot"
	ActionMigrate   = "migrate"
)

// Job Status
const (
	JobStatusNew     = "new"
	JobStatusWorking = "working"
	JobStatusDone    = "done"
	JobStatusError   = "error"
)

type (
	// Job is one unit of asynchronous work against a VM, tracked in the
	// config store so API clients can poll its status
	Job struct {
		ID            string    `json:"id"`
		Action        string    `json:"action"`
		VM            string    `json:"vm"`
		Error         string    `json:"error,omitempty"`
		Status        string    `json:"status,omitempty"`
		StartedAt     time.Time `json:"started_at,omitempty"`
		FinishedAt    time.Time `json:"finished_at,omitempty"`
		modifiedIndex uint64
		client        *Client
	}
)

// NewJob creates a new job
func (c *Client) NewJob() *Job {
	return &Job{
		ID:     uuid.New(),
		client: c,
		Status: JobStatusNew,
	}
}

// Validate ensures required fields are populated
func (j *Job) Validate() error {
	if j.ID == "" {
		return errors.New("ID is required")
	}
	if j.Action == "" {
		return errors.New("Action is required")
	}
	if j.VM == "" {
		return errors.New("VM is required")
	}
	if j.Status == "" {
		return errors.New("Status is required")
	}
	return nil
}

// key is a helper to generate the config store key
func (j *Job) key() string {
	return filepath.Join(JobPath, j.ID)
}

// Save persists a job. Finished jobs get a TTL so the store does not
// accumulate them forever.
func (j *Job) Save(ttl time.Duration) error {
	if err := j.Validate(); err != nil {
		return err
	}

	v, err := json.Marshal(j)
	if err != nil {
		return err
	}

	store := j.client.ctx.KV()
	index, err := store.Update(j.key(), kv.Value{Data: v, Index: j.modifiedIndex})
	if err != nil {
		return err
	}
	j.modifiedIndex = index

	if ttl > 0 && (j.Status == JobStatusDone || j.Status == JobStatusError) {
		if err := store.TTL(j.key(), ttl); err != nil && !store.IsKeyNotFound(err) {
			return err
		}
	}
	return nil
}

// Refresh reloads a Job from the data store
func (j *Job) Refresh() error {
	value, err := j.client.ctx.KV().Get(j.key())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(value.Data, j); err != nil {
		return err
	}
	j.modifiedIndex = value.Index
	return nil
}

// Job retrieves a single job from the data store
func (c *Client) Job(id string) (*Job, error) {
	j := &Job{
		ID:     id,
		client: c,
	}
	if err := j.Refresh(); err != nil {
		return nil, err
	}
	return j, nil
}
