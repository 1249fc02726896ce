package jobqueue

import (
	"time"

	"github.com/kr/beanstalk"
	log "github.com/sirupsen/logrus"
)

// Beanstalk tube names
const (
	reconcileTube = "reconcile"
	migrateTube   = "migrate"
)

type (
	// tubeSet holds a tube for publishing and tubeset for consuming a queue
	tubeSet struct {
		publish *beanstalk.Tube
		consume *beanstalk.TubeSet
	}

	// tubes holds the reconcile and migrate tubeSets
	tubes struct {
		reconcile *tubeSet
		migrate   *tubeSet
	}
)

// newTubeSet creates a new tubeSet for a tube name
func newTubeSet(conn *beanstalk.Conn, name string) *tubeSet {
	return &tubeSet{
		consume: beanstalk.NewTubeSet(conn, name),
		publish: &beanstalk.Tube{
			Conn: conn,
			Name: name,
		},
	}
}

// Put puts a job token into the publish tube
func (ts *tubeSet) Put(jobID string) (uint64, error) {
	return ts.publish.Put([]byte(jobID), priority, delay, ttr)
}

// Reserve reserves and returns an item from the consume tubeset
func (ts *tubeSet) Reserve() (uint64, string, error) {
	for {
		id, body, err := ts.consume.Reserve(timeout)
		if err != nil {
			if cerr, ok := err.(beanstalk.ConnError); ok {
				switch cerr.Err {
				case beanstalk.ErrTimeout:
					// Empty queue, continue waiting
					continue
				case beanstalk.ErrDeadline:
					log.Debug("beanstalk.ErrDeadline")
					time.Sleep(reserveDelay)
					continue
				}
			}
		}
		return id, string(body), err
	}
}

// newTubes creates a new tubes
func newTubes(conn *beanstalk.Conn) *tubes {
	return &tubes{
		reconcile: newTubeSet(conn, reconcileTube),
		migrate:   newTubeSet(conn, migrateTube),
	}
}
