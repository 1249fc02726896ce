package jobqueue_test

import (
	"testing"
	"time"

	"github.com/mistifyio/selkie/pkg/jobqueue"
	"github.com/stretchr/testify/suite"
)

func TestTask(t *testing.T) {
	suite.Run(t, new(TaskSuite))
}

type TaskSuite struct {
	JobQCommonSuite
}

func (s *TaskSuite) TestDelete() {
	job := s.newJob("")
	_, _ = s.Client.AddTask(job)
	task, err := s.Client.NextReconcileTask()
	s.Require().NoError(err)

	s.NoError(task.Delete())
}

func (s *TaskSuite) TestRelease() {
	job := s.newJob("")
	_, _ = s.Client.AddTask(job)
	task1, err := s.Client.NextReconcileTask()
	s.Require().NoError(err)
	s.NoError(task1.Release())
	task2, err := s.Client.NextReconcileTask()
	s.Require().NoError(err)
	s.Equal(task1.ID, task2.ID)
}

func (s *TaskSuite) TestRefreshJob() {
	job := s.newJob("")
	_, _ = s.Client.AddTask(job)
	task, err := s.Client.NextReconcileTask()
	s.Require().NoError(err)

	s.Require().NoError(job.Refresh())
	job.Status = jobqueue.JobStatusWorking
	s.Require().NoError(job.Save(60 * time.Second))

	s.NoError(task.RefreshJob())
	s.Equal(jobqueue.JobStatusWorking, task.Job.Status)
}

func (s *TaskSuite) TestRefreshVM() {
	job := s.newJob("")
	_, _ = s.Client.AddTask(job)
	task, err := s.Client.NextReconcileTask()
	s.Require().NoError(err)
	s.NoError(task.RefreshVM())

	s.Equal(job.VM, task.VM.ID)

	task.Job.VM = ""
	s.Error(task.RefreshVM())
	task.Job = nil
	s.Error(task.RefreshVM())
}
