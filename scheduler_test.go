package selkie_test

import (
	"testing"

	"github.com/mistifyio/selkie"
	"github.com/stretchr/testify/suite"
)

func TestScheduler(t *testing.T) {
	suite.Run(t, new(SchedulerSuite))
}

type SchedulerSuite struct {
	CommonSuite
}

func (s *SchedulerSuite) pendingVM() *selkie.VM {
	vpc := s.newVPC("10.4.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	return s.newVM(vpc, img)
}

func (s *SchedulerSuite) TestCandidatesNoHosts() {
	vm := s.pendingVM()
	_, err := vm.Candidates(selkie.DefaultCandidateFunctions...)
	s.True(selkie.IsErrorCode(err, selkie.ErrExhausted), "empty registry should exhaust: ", err)
}

func (s *SchedulerSuite) TestCandidateIsAlive() {
	ready := s.newHost(selkie.ArchX8664)

	silent := s.Context.NewHost()
	silent.Address = "10.100.0.2:22"
	silent.Arch = selkie.ArchX8664
	silent.TotalResources = selkie.Resources{CPU: 32, Memory: 65536, Disk: 1 << 40}
	s.Require().NoError(silent.Save())

	maint := s.newHost(selkie.ArchX8664)
	maint.Health = selkie.HostMaintenance
	s.Require().NoError(maint.Save())

	vm := s.pendingVM()
	hosts, err := selkie.CandidateIsAlive(vm, selkie.Hosts{ready, silent, maint})
	s.Require().NoError(err)
	s.Require().Len(hosts, 1)
	s.Equal(ready.ID, hosts[0].ID)
}

func (s *SchedulerSuite) TestCandidateHasArch() {
	x86 := s.newHost(selkie.ArchX8664)
	arm := s.newHost(selkie.ArchAarch64)

	vm := s.pendingVM()
	hosts, err := selkie.CandidateHasArch(vm, selkie.Hosts{x86, arm})
	s.Require().NoError(err)
	s.Require().Len(hosts, 1)
	s.Equal(x86.ID, hosts[0].ID)
}

func (s *SchedulerSuite) TestCandidateHasImage() {
	host := s.newHost(selkie.ArchX8664)
	vpc := s.newVPC("10.4.0.0/24")

	fetchable := s.newImage(selkie.ArchX8664)
	vm := s.newVM(vpc, fetchable)
	hosts, err := selkie.CandidateHasImage(vm, selkie.Hosts{host})
	s.Require().NoError(err)
	s.Len(hosts, 1, "sourced image should pass everywhere")

	local := s.Context.NewImage()
	local.Name = "local-only"
	local.Arch = selkie.ArchX8664
	s.Require().NoError(local.Save())

	vm2 := s.newVM(vpc, local)
	hosts, err = selkie.CandidateHasImage(vm2, selkie.Hosts{host})
	s.Require().NoError(err)
	s.Empty(hosts, "sourceless absent image should filter the host")

	s.Require().NoError(local.MarkPresent(host.ID))
	hosts, err = selkie.CandidateHasImage(vm2, selkie.Hosts{host})
	s.Require().NoError(err)
	s.Len(hosts, 1, "present image should pass")
}

func (s *SchedulerSuite) TestCandidateHasResources() {
	big := s.newHost(selkie.ArchX8664)

	tiny := s.newHost(selkie.ArchX8664)
	tiny.TotalResources = selkie.Resources{CPU: 1, Memory: 512, Disk: 10 << 30}
	s.Require().NoError(tiny.Save())

	vpc := s.newVPC("10.4.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.Context.NewVM()
	vm.Name = "vm-big"
	vm.VPCName = vpc.Name
	vm.ImageID = img.ID
	vm.Arch = img.Arch
	vm.CPUCores = 4
	vm.MemoryMB = 4096
	vm.DiskSizeGB = 100
	s.Require().NoError(vm.Create())

	hosts, err := selkie.CandidateHasResources(vm, selkie.Hosts{big, tiny})
	s.Require().NoError(err)
	s.Require().Len(hosts, 1)
	s.Equal(big.ID, hosts[0].ID)
}

func (s *SchedulerSuite) TestSchedulePrefersEmptierHost() {
	vpc := s.newVPC("10.4.0.0/24")
	img := s.newImage(selkie.ArchX8664)

	busy := s.newHost(selkie.ArchX8664)
	idle := s.newHost(selkie.ArchX8664)

	loaded := s.newVM(vpc, img)
	loaded.HostID = busy.ID
	loaded.Status = selkie.VMStatusRunning
	loaded.CPUCores = 16
	loaded.MemoryMB = 32768
	s.Require().NoError(loaded.Save())

	vm := s.newVM(vpc, img)
	host, err := s.Context.Schedule(vm)
	s.Require().NoError(err)
	s.Equal(idle.ID, host.ID)
}

func (s *SchedulerSuite) TestScheduleAntiAffinity() {
	vpc := s.newVPC("10.4.0.0/24")
	img := s.newImage(selkie.ArchX8664)

	hostA := s.newHost(selkie.ArchX8664)
	hostB := s.newHost(selkie.ArchX8664)

	existing := s.newVM(vpc, img)
	existing.AntiAffinity = "web"
	existing.HostID = hostA.ID
	existing.Status = selkie.VMStatusRunning
	s.Require().NoError(existing.Save())

	vm := s.newVM(vpc, img)
	vm.AntiAffinity = "web"
	s.Require().NoError(vm.Save())

	host, err := s.Context.Schedule(vm)
	s.Require().NoError(err)
	s.Equal(hostB.ID, host.ID, "tagged host should be avoided")

	blocker := s.newVM(vpc, img)
	blocker.AntiAffinity = "web"
	blocker.HostID = hostB.ID
	blocker.Status = selkie.VMStatusRunning
	s.Require().NoError(blocker.Save())

	_, err = s.Context.Schedule(vm)
	s.True(selkie.IsErrorCode(err, selkie.ErrExhausted), "fully tagged fleet should fail placement: ", err)
}
