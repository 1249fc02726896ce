package main

import (
	"context"
	"time"

	"github.com/kr/beanstalk"
	"github.com/mistifyio/selkie"
	"github.com/mistifyio/selkie/pkg/jobqueue"
	log "github.com/sirupsen/logrus"
)

// consumeReconcile drains the reconcile tube, running convergence and
// reboot jobs and recording their outcome on the job row
func consumeReconcile(jq *jobqueue.Client, rec *selkie.Reconciler) {
	for {
		task, err := nextTask(jq.NextReconcileTask)
		if task == nil {
			continue
		}
		if err != nil {
			continue
		}
		runTask(task, func() error {
			switch task.Job.Action {
			case jobqueue.ActionReboot:
				return rec.Reboot(task.Job.VM)
			default:
				return rec.Reconcile(task.Job.VM)
			}
		})
	}
}

// consumeMigrate drains the migrate tube, driving each migration state
// machine from its last recorded phase
func consumeMigrate(jq *jobqueue.Client, coord *selkie.Coordinator) {
	for {
		task, err := nextTask(jq.NextMigrateTask)
		if task == nil {
			continue
		}
		if err != nil {
			continue
		}
		runTask(task, func() error {
			return coord.Run(context.Background(), task.Job.VM)
		})
	}
}

// nextTask reserves a task and filters out the unrecoverable cases: a
// dead beanstalk connection is fatal, a reservation whose job row has
// expired is dropped.
func nextTask(reserve func() (*jobqueue.Task, error)) (*jobqueue.Task, error) {
	task, err := reserve()
	if err == nil {
		return task, nil
	}
	if cerr, ok := err.(beanstalk.ConnError); ok && cerr.Err != beanstalk.ErrTimeout && cerr.Err != beanstalk.ErrDeadline {
		log.WithField("error", err).Fatal("unable to reserve task")
	}
	if task != nil && task.Job == nil {
		// job row gone, likely TTL-reaped after a crash
		log.WithFields(log.Fields{
			"job":   task.JobID,
			"error": err,
		}).Warn("dropping task with missing job")
		if derr := task.Delete(); derr != nil {
			log.WithFields(log.Fields{
				"job":   task.JobID,
				"error": derr,
			}).Error("unable to delete task")
		}
		return nil, err
	}
	if err != nil {
		log.WithField("error", err).Error("task reserve failed")
		if task != nil {
			if rerr := task.Release(); rerr != nil {
				log.WithFields(log.Fields{
					"job":   task.JobID,
					"error": rerr,
				}).Error("unable to release task")
			}
		}
		return nil, err
	}
	return task, nil
}

// runTask walks a job through working to done or error and settles the
// beanstalk reservation
func runTask(task *jobqueue.Task, fn func() error) {
	job := task.Job
	job.Status = jobqueue.JobStatusWorking
	job.StartedAt = time.Now().UTC()
	if err := job.Save(jobTTL); err != nil {
		log.WithFields(log.Fields{
			"job":   job.ID,
			"error": err,
		}).Error("unable to mark job working")
		if rerr := task.Release(); rerr != nil {
			log.WithFields(log.Fields{
				"job":   job.ID,
				"error": rerr,
			}).Error("unable to release task")
		}
		return
	}

	err := fn()
	job.FinishedAt = time.Now().UTC()
	if err != nil {
		job.Status = jobqueue.JobStatusError
		job.Error = err.Error()
		log.WithFields(log.Fields{
			"job":    job.ID,
			"action": job.Action,
			"vm":     job.VM,
			"error":  err,
		}).Error("job failed")
	} else {
		job.Status = jobqueue.JobStatusDone
	}
	if serr := job.Save(jobTTL); serr != nil {
		log.WithFields(log.Fields{
			"job":   job.ID,
			"error": serr,
		}).Error("unable to record job outcome")
	}
	if derr := task.Delete(); derr != nil {
		log.WithFields(log.Fields{
			"job":   job.ID,
			"error": derr,
		}).Error("unable to delete task")
	}
}
