package jobqueue_test

import (
	"testing"
	"time"

	"github.com/mistifyio/selkie/pkg/jobqueue"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

func TestJob(t *testing.T) {
	suite.Run(t, new(JobSuite))
}

type JobSuite struct {
	JobQCommonSuite
}

func (s *JobSuite) TestNewJob() {
	j := s.Client.NewJob()
	s.NotNil(uuid.Parse(j.ID))
	s.Equal(jobqueue.JobStatusNew, j.Status)
}

func (s *JobSuite) TestValidate() {
	tests := []struct {
		description string
		id          string
		action      string
		vm          string
		status      string
		expectedErr bool
	}{
		{"missing id", "", "reconcile", uuid.New(), "new", true},
		{"missing action", uuid.New(), "", uuid.New(), "new", true},
		{"missing vm", uuid.New(), "reconcile", "", "new", true},
		{"missing status", uuid.New(), "reconcile", uuid.New(), "", true},
		{"nothing missing", uuid.New(), "reconcile", uuid.New(), "new", false},
	}

	for _, test := range tests {
		msg := s.Messager(test.description)
		j := &jobqueue.Job{
			ID:     test.id,
			Action: test.action,
			VM:     test.vm,
			Status: test.status,
		}
		err := j.Validate()
		if test.expectedErr {
			s.Error(err, msg("should be invalid"))
		} else {
			s.NoError(err, msg("should be valid"))
		}
	}
}

func (s *JobSuite) TestSave() {
	goodJob := s.Client.NewJob()
	goodJob.Action = jobqueue.ActionReconcile
	goodJob.VM = uuid.New()

	tests := []struct {
		description string
		job         *jobqueue.Job
		expectedErr bool
	}{
		{"invalid job", s.Client.NewJob(), true},
		{"valid job", goodJob, false},
		{"existing job", goodJob, false},
	}

	for _, test := range tests {
		msg := s.Messager(test.description)
		err := test.job.Save(60 * time.Second)
		if test.expectedErr {
			s.Error(err, msg("should fail"))
		} else {
			s.NoError(err, msg("should succeed"))
		}
	}
}

func (s *JobSuite) TestSaveConflict() {
	job := s.newJob("")

	clobber, err := s.Client.Job(job.ID)
	s.Require().NoError(err)
	clobber.Status = jobqueue.JobStatusWorking
	s.Require().NoError(clobber.Save(60 * time.Second))

	job.Status = jobqueue.JobStatusDone
	s.Error(job.Save(60*time.Second), "save at a stale index should fail")
}

func (s *JobSuite) TestRefresh() {
	job := s.newJob("")

	jobCopy, err := s.Client.Job(job.ID)
	s.Require().NoError(err)

	job.Status = jobqueue.JobStatusWorking
	job.StartedAt = time.Now().UTC()
	s.Require().NoError(job.Save(60 * time.Second))

	s.NoError(jobCopy.Refresh(), "refresh existing should succeed")
	s.Equal(job.Status, jobCopy.Status, "refresh should pull new data")

	newJob := s.Client.NewJob()
	s.Error(newJob.Refresh(), "unsaved job refresh should fail")
}

func (s *JobSuite) TestJob() {
	job := s.newJob("")

	tests := []struct {
		description string
		id          string
		expectedErr bool
	}{
		{"missing id", "", true},
		{"nonexistent id", uuid.New(), true},
		{"real id", job.ID, false},
	}

	for _, test := range tests {
		msg := s.Messager(test.description)
		j, err := s.Client.Job(test.id)
		if test.expectedErr {
			s.Error(err, msg("lookup should fail"))
			s.Nil(j, msg("failure shouldn't return a job"))
		} else {
			s.NoError(err, msg("lookup should succeed"))
			s.Equal(job.Action, j.Action, msg("should pull correct data"))
			s.Equal(job.VM, j.VM, msg("should pull correct data"))
		}
	}
}
