package jobqueue_test

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/mistifyio/selkie"
	"github.com/mistifyio/selkie/pkg/jobqueue"
	"github.com/mistifyio/selkie/pkg/kv"
	_ "github.com/mistifyio/selkie/pkg/kv/bolt"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

type JobQCommonSuite struct {
	suite.Suite
	KV         kv.KV
	Context    *selkie.Context
	BStalkAddr string
	BStalkCmd  *exec.Cmd
	Client     *jobqueue.Client
}

func (s *JobQCommonSuite) SetupTest() {
	store, err := kv.New("file://" + filepath.Join(s.T().TempDir(), "store.db"))
	s.Require().NoError(err)
	s.KV = store
	s.Context = selkie.NewContext(store)

	// Start up a test beanstalk
	bPort := "4321"
	s.BStalkCmd = exec.Command("beanstalkd", "-p", bPort)
	s.Require().NoError(s.BStalkCmd.Start())
	s.BStalkAddr = fmt.Sprintf("127.0.0.1:%s", bPort)

	time.Sleep(100 * time.Millisecond)
	client, err := jobqueue.NewClient(s.BStalkAddr, s.Context)
	s.Require().NoError(err)
	s.Client = client
}

func (s *JobQCommonSuite) TearDownTest() {
	s.Require().NoError(s.BStalkCmd.Process.Kill())
	s.Require().Error(s.BStalkCmd.Wait())
	s.Require().NoError(s.KV.Close())
}

func (s *JobQCommonSuite) newVM() *selkie.VM {
	vm := s.Context.NewVM()
	vm.Name = "vm-" + uuid.New()
	vm.VPCName = "default"
	vm.ImageID = "ubuntu-20.04"
	vm.CPUCores = 1
	vm.MemoryMB = 512
	vm.DiskSizeGB = 10
	vm.Arch = selkie.ArchX8664
	s.Require().NoError(vm.Create())
	return vm
}

func (s *JobQCommonSuite) newJob(action string) *jobqueue.Job {
	if action == "" {
		action = jobqueue.ActionReconcile
	}

	vm := s.newVM()

	j := s.Client.NewJob()
	j.VM = vm.ID
	j.Action = action
	s.Require().NoError(j.Save(60 * time.Second))
	return j
}

func (s *JobQCommonSuite) Messager(prefix string) func(...interface{}) string {
	return func(val ...interface{}) string {
		if len(val) == 0 {
			return prefix
		}
		msgPrefix := prefix + " : "
		if len(val) == 1 {
			return msgPrefix + val[0].(string)
		}
		return msgPrefix + fmt.Sprintf(val[0].(string), val[1:]...)
	}
}
