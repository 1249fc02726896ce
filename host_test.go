package selkie_test

import (
	"testing"
	"time"

	"github.com/mistifyio/selkie"
	"github.com/stretchr/testify/suite"
)

func TestHost(t *testing.T) {
	suite.Run(t, new(HostSuite))
}

type HostSuite struct {
	CommonSuite
}

// placeVM parks a running VM on a host so resource accounting has
// something to count
func (s *HostSuite) placeVM(host *selkie.Host, cpu uint32, memMB uint64, diskGB uint64) *selkie.VM {
	vpc := s.newVPC("10.3.0.0/24")
	img := s.newImage(host.Arch)
	vm := s.Context.NewVM()
	vm.Name = "vm-" + vm.ID[:8]
	vm.VPCName = vpc.Name
	vm.ImageID = img.ID
	vm.Arch = host.Arch
	vm.CPUCores = cpu
	vm.MemoryMB = memMB
	vm.DiskSizeGB = diskGB
	vm.HostID = host.ID
	vm.Status = selkie.VMStatusRunning
	s.Require().NoError(vm.Create())
	return vm
}

func (s *HostSuite) TestValidate() {
	tests := []struct {
		description string
		id          string
		address     string
		arch        string
		code        string
	}{
		{"missing id", "", "10.0.0.1:22", selkie.ArchX8664, selkie.ErrValidation},
		{"missing address", "h1", "", selkie.ArchX8664, selkie.ErrValidation},
		{"bad arch", "h1", "10.0.0.1:22", "mips", selkie.ErrUnsupportedArch},
		{"nothing missing", "h1", "10.0.0.1:22", selkie.ArchAarch64, ""},
	}
	for _, test := range tests {
		msg := s.Messager(test.description)
		h := &selkie.Host{ID: test.id, Address: test.address, Arch: test.arch}
		err := h.Validate()
		if test.code == "" {
			s.NoError(err, msg("should be valid"))
		} else {
			s.True(selkie.IsErrorCode(err, test.code), msg("wrong code: ", err))
		}
	}
}

func (s *HostSuite) TestHeartbeat() {
	host := s.newHost(selkie.ArchX8664)
	s.True(host.IsAlive())

	s.Require().NoError(host.Heartbeat(time.Minute))
	s.True(host.IsAlive())
}

func (s *HostSuite) TestAllocatedResources() {
	host := s.newHost(selkie.ArchX8664)
	s.placeVM(host, 2, 1024, 20)
	s.placeVM(host, 4, 2048, 40)

	used, err := host.AllocatedResources()
	s.Require().NoError(err)
	s.Equal(uint32(6), used.CPU)
	s.Equal(uint64(3072), used.Memory)
	s.Equal(uint64(60)<<30, used.Disk)
}

func (s *HostSuite) TestAvailableResources() {
	host := s.newHost(selkie.ArchX8664)
	host.TotalResources = selkie.Resources{CPU: 10, Memory: 1000, Disk: 1000 << 30}
	s.Require().NoError(host.Save())

	avail, err := host.AvailableResources()
	s.Require().NoError(err)
	s.Equal(uint32(9), avail.CPU, "headroom should be held back")
	s.Equal(uint64(900), avail.Memory)
	s.Equal(uint64(900)<<30, avail.Disk)

	s.placeVM(host, 8, 512, 100)
	avail, err = host.AvailableResources()
	s.Require().NoError(err)
	s.Equal(uint32(1), avail.CPU)
	s.Equal(uint64(388), avail.Memory)
	s.Equal(uint64(800)<<30, avail.Disk)
}

func (s *HostSuite) TestActiveVMCount() {
	host := s.newHost(selkie.ArchX8664)
	s.placeVM(host, 1, 512, 10)
	terminated := s.placeVM(host, 1, 512, 10)
	terminated.Status = selkie.VMStatusTerminated
	s.Require().NoError(terminated.Save())

	count, err := host.ActiveVMCount()
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *HostSuite) TestFreeNATPort() {
	host := s.newHost(selkie.ArchX8664)

	port, err := host.FreeNATPort()
	s.Require().NoError(err)
	s.Equal(selkie.NATPortBase, port)

	vm := s.placeVM(host, 1, 512, 10)
	vm.SSHPort = selkie.NATPortBase
	s.Require().NoError(vm.Save())

	port, err = host.FreeNATPort()
	s.Require().NoError(err)
	s.Equal(selkie.NATPortBase+1, port)
}

func (s *HostSuite) TestFreeVNCPort() {
	host := s.newHost(selkie.ArchX8664)

	port, err := host.FreeVNCPort()
	s.Require().NoError(err)
	s.Equal(selkie.VNCPortBase, port)

	vm := s.placeVM(host, 1, 512, 10)
	vm.VNCPort = selkie.VNCPortBase
	s.Require().NoError(vm.Save())

	port, err = host.FreeVNCPort()
	s.Require().NoError(err)
	s.Equal(selkie.VNCPortBase+1, port)
}

func (s *HostSuite) TestDelete() {
	host := s.newHost(selkie.ArchX8664)
	vm := s.placeVM(host, 1, 512, 10)

	err := host.Delete()
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "host with machines should refuse delete: ", err)

	vm.Status = selkie.VMStatusTerminated
	s.Require().NoError(vm.Save())
	s.Require().NoError(host.Delete())

	_, err = s.Context.Host(host.ID)
	s.True(s.Context.IsKeyNotFound(err))
}
