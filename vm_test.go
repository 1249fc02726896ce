package selkie_test

import (
	"testing"

	"github.com/mistifyio/selkie"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

func TestVM(t *testing.T) {
	suite.Run(t, new(VMSuite))
}

type VMSuite struct {
	CommonSuite
}

func (s *VMSuite) TestNewVM() {
	vm := s.Context.NewVM()
	s.NotNil(uuid.Parse(vm.ID))
	s.Equal(selkie.VMStatusCreating, vm.Status)
	s.Equal(selkie.PowerOn, vm.DesiredPower)
	s.NotNil(vm.Metadata)
}

func (s *VMSuite) TestValidate() {
	base := func() *selkie.VM {
		vm := s.Context.NewVM()
		vm.Name = "web-1"
		vm.VPCName = "default"
		vm.ImageID = "img"
		vm.Arch = selkie.ArchX8664
		vm.CPUCores = 2
		vm.MemoryMB = 1024
		vm.DiskSizeGB = 20
		return vm
	}

	tests := []struct {
		description string
		mutate      func(*selkie.VM)
		code        string
	}{
		{"valid", func(vm *selkie.VM) {}, ""},
		{"missing name", func(vm *selkie.VM) { vm.Name = "" }, selkie.ErrValidation},
		{"missing vpc", func(vm *selkie.VM) { vm.VPCName = "" }, selkie.ErrValidation},
		{"missing image", func(vm *selkie.VM) { vm.ImageID = "" }, selkie.ErrValidation},
		{"zero cpus", func(vm *selkie.VM) { vm.CPUCores = 0 }, selkie.ErrValidation},
		{"too many cpus", func(vm *selkie.VM) { vm.CPUCores = selkie.MaxCPUCores + 1 }, selkie.ErrValidation},
		{"memory too small", func(vm *selkie.VM) { vm.MemoryMB = 256 }, selkie.ErrValidation},
		{"memory not multiple", func(vm *selkie.VM) { vm.MemoryMB = 1000 }, selkie.ErrValidation},
		{"memory too big", func(vm *selkie.VM) { vm.MemoryMB = selkie.MaxMemoryMB + 512 }, selkie.ErrValidation},
		{"disk too small", func(vm *selkie.VM) { vm.DiskSizeGB = 5 }, selkie.ErrValidation},
		{"bad arch", func(vm *selkie.VM) { vm.Arch = "sparc" }, selkie.ErrUnsupportedArch},
	}
	for _, test := range tests {
		msg := s.Messager(test.description)
		vm := base()
		test.mutate(vm)
		err := vm.Validate()
		if test.code == "" {
			s.NoError(err, msg("should be valid"))
		} else {
			s.True(selkie.IsErrorCode(err, test.code), msg("wrong code: ", err))
		}
	}
}

func (s *VMSuite) TestCreate() {
	vpc := s.newVPC("10.1.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.newVM(vpc, img)

	fetched, err := s.Context.VM(vm.ID)
	s.Require().NoError(err)
	s.Equal(vm.Name, fetched.Name)

	byName, err := s.Context.VMByName(vm.Name)
	s.Require().NoError(err)
	s.Equal(vm.ID, byName.ID)
}

func (s *VMSuite) TestCreateNameConflict() {
	vpc := s.newVPC("10.1.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.newVM(vpc, img)

	dup := s.Context.NewVM()
	dup.Name = vm.Name
	dup.VPCName = vpc.Name
	dup.ImageID = img.ID
	dup.Arch = img.Arch
	dup.CPUCores = 1
	dup.MemoryMB = 512
	dup.DiskSizeGB = 10
	err := dup.Create()
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "duplicate name should conflict: ", err)
}

func (s *VMSuite) TestCreateClientToken() {
	vpc := s.newVPC("10.1.0.0/24")
	img := s.newImage(selkie.ArchX8664)

	vm := s.Context.NewVM()
	vm.Name = "vm-" + uuid.New()
	vm.VPCName = vpc.Name
	vm.ImageID = img.ID
	vm.Arch = img.Arch
	vm.CPUCores = 1
	vm.MemoryMB = 512
	vm.DiskSizeGB = 10
	vm.ClientToken = uuid.New()
	s.Require().NoError(vm.Create())

	byToken, err := s.Context.VMByToken(vm.ClientToken)
	s.Require().NoError(err)
	s.Equal(vm.ID, byToken.ID)
}

func (s *VMSuite) TestSaveConflict() {
	vpc := s.newVPC("10.1.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.newVM(vpc, img)

	clobber, err := s.Context.VM(vm.ID)
	s.Require().NoError(err)
	clobber.Status = selkie.VMStatusStopped
	s.Require().NoError(clobber.Save())

	vm.Status = selkie.VMStatusRunning
	err = vm.Save()
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "stale save should conflict: ", err)
}

func (s *VMSuite) TestSetObserved() {
	vm := s.Context.NewVM()
	gen := vm.Generation

	vm.SetObserved(selkie.VMStatusRunning, selkie.PowerOn)
	s.Equal(selkie.VMStatusRunning, vm.Status)
	s.Equal(selkie.PowerOn, vm.ObservedPower)
	s.Equal(gen+1, vm.Generation)

	vm.SetObserved(selkie.VMStatusRunning, selkie.PowerOn)
	s.Equal(gen+1, vm.Generation, "no-op transition should not bump generation")
}

func (s *VMSuite) TestSetError() {
	vm := s.Context.NewVM()
	vm.SetError("define_domain", selkie.NewError(selkie.ErrDriverTerminal, "boom"))
	s.Equal(selkie.VMStatusError, vm.Status)
	s.Require().NotNil(vm.LastError)
	s.Equal("define_domain", vm.LastError.Step)
	s.Equal(selkie.ErrDriverTerminal, vm.LastError.Code)

	vm.ClearError()
	s.Nil(vm.LastError)
}

func (s *VMSuite) TestMAC() {
	vm := s.Context.NewVM()
	mac := vm.MAC()
	s.Regexp(`^52:54:00:[0-9a-f]{2}:[0-9a-f]{2}:[0-9a-f]{2}$`, mac)
	s.Equal(mac, vm.MAC(), "mac should be stable")

	other := s.Context.NewVM()
	s.NotEqual(mac, other.MAC())
}

func (s *VMSuite) TestDelete() {
	vpc := s.newVPC("10.1.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.newVM(vpc, img)

	s.Require().NoError(vm.Delete())

	_, err := s.Context.VM(vm.ID)
	s.True(s.Context.IsKeyNotFound(err))
	_, err = s.Context.VMByName(vm.Name)
	s.True(s.Context.IsKeyNotFound(err), "name index should be gone")
}

func (s *VMSuite) TestForEachVM() {
	vpc := s.newVPC("10.1.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	expected := map[string]bool{
		s.newVM(vpc, img).ID: true,
		s.newVM(vpc, img).ID: true,
	}

	seen := map[string]bool{}
	err := s.Context.ForEachVM(func(vm *selkie.VM) error {
		seen[vm.ID] = true
		return nil
	})
	s.Require().NoError(err)
	s.Equal(expected, seen)
}
