package selkie_test

import (
	"context"
	"testing"

	"github.com/mistifyio/selkie"
	"github.com/stretchr/testify/suite"
)

func TestReconciler(t *testing.T) {
	suite.Run(t, new(ReconcilerSuite))
}

type ReconcilerSuite struct {
	CommonSuite
	Stub *selkie.StubDriver
	Rec  *selkie.Reconciler
}

func (s *ReconcilerSuite) SetupTest() {
	s.CommonSuite.SetupTest()
	s.Stub = s.Context.NewStubDriver(0)
	s.Rec = selkie.NewReconciler(s.Context, func(h *selkie.Host) (selkie.Driver, error) {
		return s.Stub, nil
	}, 1)
}

// launch drives a fresh VM all the way to running
func (s *ReconcilerSuite) launch() (*selkie.Host, *selkie.VPC, *selkie.VM) {
	host := s.newHost(selkie.ArchX8664)
	vpc := s.newVPC("10.5.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.newVM(vpc, img)
	s.Require().NoError(s.Rec.Reconcile(vm.ID))
	s.Require().NoError(vm.Refresh())
	return host, vpc, vm
}

func (s *ReconcilerSuite) TestCreate() {
	host, vpc, vm := s.launch()

	s.Equal(selkie.VMStatusRunning, vm.Status)
	s.Equal(selkie.PowerOn, vm.ObservedPower)
	s.Equal(host.ID, vm.HostID)
	s.Equal(selkie.NATPortBase, vm.SSHPort)
	s.Equal(selkie.VNCPortBase, vm.VNCPort)

	s.Require().Len(vm.NICs, 1)
	nic := vm.NICs[0]
	s.Equal(vpc.BridgeName(), nic.Bridge)
	s.Require().NotNil(nic.PrivateIP)

	alloc, err := s.Context.Allocation(selkie.VPCScope(vpc.Name), nic.PrivateIP.String())
	s.Require().NoError(err)
	s.Equal(selkie.AllocationBound, alloc.Status)
	s.Equal(vm.ID, alloc.OwnerID)

	s.True(s.Stub.HasNetwork(vpc.Name))
	state, err := s.Stub.Status(context.Background(), vm.ID)
	s.Require().NoError(err)
	s.True(state.Exists)
	s.True(state.Running)

	s.NotEmpty(s.Stub.Rulesets(), "firewall should have been pushed")
}

func (s *ReconcilerSuite) TestCreateDesiredOff() {
	s.newHost(selkie.ArchX8664)
	vpc := s.newVPC("10.5.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.Context.NewVM()
	vm.Name = "vm-off"
	vm.VPCName = vpc.Name
	vm.ImageID = img.ID
	vm.Arch = img.Arch
	vm.CPUCores = 1
	vm.MemoryMB = 512
	vm.DiskSizeGB = 10
	vm.DesiredPower = selkie.PowerOff
	s.Require().NoError(vm.Create())

	s.Require().NoError(s.Rec.Reconcile(vm.ID))
	s.Require().NoError(vm.Refresh())
	s.Equal(selkie.VMStatusStopped, vm.Status)
	s.Equal(selkie.PowerOff, vm.ObservedPower)

	state, err := s.Stub.Status(context.Background(), vm.ID)
	s.Require().NoError(err)
	s.True(state.Exists)
	s.False(state.Running)
}

func (s *ReconcilerSuite) TestCreateNoHosts() {
	vpc := s.newVPC("10.5.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.newVM(vpc, img)

	s.Require().NoError(s.Rec.Reconcile(vm.ID))
	s.Require().NoError(vm.Refresh())
	s.Equal(selkie.VMStatusError, vm.Status)
	s.Require().NotNil(vm.LastError)
	s.Equal("place", vm.LastError.Step)
	s.Equal(selkie.ErrExhausted, vm.LastError.Code)
}

func (s *ReconcilerSuite) TestCreateDriverTerminal() {
	s.newHost(selkie.ArchX8664)
	vpc := s.newVPC("10.5.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.newVM(vpc, img)

	s.Stub.FailVerb("DefineDomain", selkie.NewError(selkie.ErrDriverTerminal, "domain refused"))
	defer s.Stub.FailVerb("DefineDomain", nil)

	s.Require().NoError(s.Rec.Reconcile(vm.ID))
	s.Require().NoError(vm.Refresh())
	s.Equal(selkie.VMStatusError, vm.Status)
	s.Require().NotNil(vm.LastError)
	s.Equal("define_domain", vm.LastError.Step)
	s.Equal(selkie.ErrDriverTerminal, vm.LastError.Code)
}

func (s *ReconcilerSuite) TestConvergePower() {
	_, _, vm := s.launch()

	vm.DesiredPower = selkie.PowerOff
	s.Require().NoError(vm.Save())
	s.Require().NoError(s.Rec.Reconcile(vm.ID))
	s.Require().NoError(vm.Refresh())
	s.Equal(selkie.VMStatusStopped, vm.Status)
	s.Equal(selkie.PowerOff, vm.ObservedPower)

	vm.DesiredPower = selkie.PowerOn
	s.Require().NoError(vm.Save())
	s.Require().NoError(s.Rec.Reconcile(vm.ID))
	s.Require().NoError(vm.Refresh())
	s.Equal(selkie.VMStatusRunning, vm.Status)
}

func (s *ReconcilerSuite) TestTerminate() {
	_, vpc, vm := s.launch()
	address := vm.NICs[0].PrivateIP.String()

	vm.Status = selkie.VMStatusTerminating
	s.Require().NoError(vm.Save())
	s.Require().NoError(s.Rec.Reconcile(vm.ID))
	s.Require().NoError(vm.Refresh())
	s.Equal(selkie.VMStatusTerminated, vm.Status)

	state, err := s.Stub.Status(context.Background(), vm.ID)
	s.Require().NoError(err)
	s.False(state.Exists, "domain should be undefined")

	alloc, err := s.Context.Allocation(selkie.VPCScope(vpc.Name), address)
	s.Require().NoError(err)
	s.Equal(selkie.AllocationReleased, alloc.Status)
}

func (s *ReconcilerSuite) TestTerminatedIsTerminal() {
	_, _, vm := s.launch()
	vm.Status = selkie.VMStatusTerminating
	s.Require().NoError(vm.Save())
	s.Require().NoError(s.Rec.Reconcile(vm.ID))

	s.Stub.ResetCalls()
	s.Require().NoError(s.Rec.Reconcile(vm.ID))
	s.Empty(s.Stub.Calls(), "terminated vm should not touch the driver")
}

func (s *ReconcilerSuite) TestReboot() {
	_, _, vm := s.launch()

	s.Stub.ResetCalls()
	s.Require().NoError(s.Rec.Reboot(vm.ID))
	s.Contains(s.Stub.Calls(), "Reboot "+vm.ID)

	vm.DesiredPower = selkie.PowerOff
	s.Require().NoError(vm.Save())
	s.Require().NoError(s.Rec.Reconcile(vm.ID))

	err := s.Rec.Reboot(vm.ID)
	s.True(selkie.IsErrorCode(err, selkie.ErrValidation), "stopped vm should not reboot: ", err)
}

func (s *ReconcilerSuite) TestMissingVMIsNoop() {
	s.NoError(s.Rec.Reconcile("no-such-vm"))
}

func (s *ReconcilerSuite) TestApplyVPCFirewall() {
	_, vpc, _ := s.launch()

	rule := s.Context.NewFirewallRule()
	rule.VPCName = vpc.Name
	rule.Direction = selkie.DirectionInbound
	rule.Protocol = "tcp"
	rule.PortStart = 443
	rule.CIDR = "0.0.0.0/0"
	s.Require().NoError(rule.Save())

	before := len(s.Stub.Rulesets())
	s.Require().NoError(s.Rec.ApplyVPCFirewall(vpc.Name))
	s.Greater(len(s.Stub.Rulesets()), before, "changed rules should be pushed")
}
