package jobqueue

import (
	"time"

	"github.com/kr/beanstalk"
	"github.com/mistifyio/selkie"
)

// Beanstalk parameters
const (
	priority     = uint32(0)
	delay        = 0 * time.Second
	ttr          = 30 * time.Second
	timeout      = 10 * time.Hour
	reserveDelay = 5 * time.Second
)

// Client is for interacting with the job queue
type Client struct {
	conn  *beanstalk.Conn
	ctx   *selkie.Context
	tubes *tubes
}

// NewClient creates a new Client and initializes the beanstalk connection
// and tubes
func NewClient(bstalk string, ctx *selkie.Context) (*Client, error) {
	conn, err := beanstalk.Dial("tcp", bstalk)
	if err != nil {
		return nil, err
	}

	client := &Client{
		conn:  conn,
		ctx:   ctx,
		tubes: newTubes(conn),
	}
	return client, nil
}

// AddTask puts a job token into the appropriate beanstalk tube
func (c *Client) AddTask(j *Job) (uint64, error) {
	ts := c.tubes.reconcile
	if j.Action == ActionMigrate {
		ts = c.tubes.migrate
	}
	return ts.Put(j.ID)
}

// DeleteTask removes a task from beanstalk by id
func (c *Client) DeleteTask(id uint64) error {
	return c.conn.Delete(id)
}

// NextReconcileTask returns the next task from the reconcile tube
func (c *Client) NextReconcileTask() (*Task, error) {
	return c.nextTask(c.tubes.reconcile)
}

// NextMigrateTask returns the next task from the migrate tube
func (c *Client) NextMigrateTask() (*Task, error) {
	return c.nextTask(c.tubes.migrate)
}

// nextTask reserves from a tubeSet and loads the Job and VM
func (c *Client) nextTask(ts *tubeSet) (*Task, error) {
	id, body, err := ts.Reserve()
	if err != nil {
		return nil, err
	}

	task := &Task{
		ID:     id,
		JobID:  body,
		client: c,
	}

	if err := task.RefreshJob(); err != nil {
		return task, err
	}
	if err := task.RefreshVM(); err != nil {
		return task, err
	}

	return task, nil
}
