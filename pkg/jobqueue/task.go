package jobqueue

import (
	"errors"

	"github.com/mistifyio/selkie"
)

// Task pulls together a beanstalk reservation, its Job row, and the VM
// the job targets
type Task struct {
	ID     uint64 // id from beanstalkd
	JobID  string // body from beanstalkd
	Job    *Job
	VM     *selkie.VM
	client *Client
}

// Delete removes a task from beanstalk
func (t *Task) Delete() error {
	return t.client.conn.Delete(t.ID)
}

// Release returns a task to its tube for a later retry
func (t *Task) Release() error {
	return t.client.conn.Release(t.ID, priority, reserveDelay)
}

// RefreshJob reloads the task's job information
func (t *Task) RefreshJob() error {
	job, err := t.client.Job(t.JobID)
	if err != nil {
		return err
	}
	t.Job = job
	return nil
}

// RefreshVM reloads the task's VM information
func (t *Task) RefreshVM() error {
	if t.Job == nil {
		return errors.New("trying to load vm from nil job")
	}
	if t.Job.VM == "" {
		return errors.New("job missing vm id")
	}
	vm, err := t.client.ctx.VM(t.Job.VM)
	if err != nil {
		return err
	}
	t.VM = vm
	return nil
}
