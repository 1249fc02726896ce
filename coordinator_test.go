package selkie_test

import (
	"context"
	"testing"

	"github.com/mistifyio/selkie"
	"github.com/stretchr/testify/suite"
)

func TestCoordinator(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

type CoordinatorSuite struct {
	CommonSuite
	Stubs map[string]*selkie.StubDriver
	Rec   *selkie.Reconciler
	Co    *selkie.Coordinator
}

func (s *CoordinatorSuite) SetupTest() {
	s.CommonSuite.SetupTest()
	s.Stubs = make(map[string]*selkie.StubDriver)
	factory := func(h *selkie.Host) (selkie.Driver, error) {
		return s.stub(h.ID), nil
	}
	s.Rec = selkie.NewReconciler(s.Context, factory, 1)
	s.Co = selkie.NewCoordinator(s.Context, factory)
}

// stub returns the per-host driver, creating it on first use
func (s *CoordinatorSuite) stub(hostID string) *selkie.StubDriver {
	d, ok := s.Stubs[hostID]
	if !ok {
		d = s.Context.NewStubDriver(0)
		s.Stubs[hostID] = d
	}
	return d
}

// launch runs a fresh VM on the only registered host
func (s *CoordinatorSuite) launch() (*selkie.Host, *selkie.VM) {
	host := s.newHost(selkie.ArchX8664)
	vpc := s.newVPC("10.6.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.newVM(vpc, img)
	s.Require().NoError(s.Rec.Reconcile(vm.ID))
	s.Require().NoError(vm.Refresh())
	s.Require().Equal(selkie.VMStatusRunning, vm.Status)
	return host, vm
}

func (s *CoordinatorSuite) TestStartMigrationValidation() {
	source, vm := s.launch()
	dest := s.newHost(selkie.ArchX8664)

	_, err := s.Co.StartMigration(vm.ID, source.ID, selkie.MigrationOptions{})
	s.True(selkie.IsErrorCode(err, selkie.ErrValidation), "same-host migration should fail: ", err)

	vpc := s.newVPC("10.7.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	pending := s.newVM(vpc, img)
	_, err = s.Co.StartMigration(pending.ID, dest.ID, selkie.MigrationOptions{})
	s.True(selkie.IsErrorCode(err, selkie.ErrValidation), "non-running vm should not migrate: ", err)
}

func (s *CoordinatorSuite) TestStartMigrationBadDestination() {
	_, vm := s.launch()
	arm := s.newHost(selkie.ArchAarch64)

	_, err := s.Co.StartMigration(vm.ID, arm.ID, selkie.MigrationOptions{})
	s.True(selkie.IsErrorCode(err, selkie.ErrExhausted), "arch mismatch should exhaust: ", err)
}

func (s *CoordinatorSuite) TestStartMigrationConflict() {
	source, vm := s.launch()
	dest := s.newHost(selkie.ArchX8664)

	stale := s.Context.NewMigration(vm.ID, source.ID, dest.ID)
	s.Require().NoError(stale.Save())

	_, err := s.Co.StartMigration(vm.ID, dest.ID, selkie.MigrationOptions{})
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "second migration should conflict: ", err)
}

func (s *CoordinatorSuite) TestRunLifecycle() {
	source, vm := s.launch()
	dest := s.newHost(selkie.ArchX8664)

	m, err := s.Co.StartMigration(vm.ID, dest.ID, selkie.MigrationOptions{MaxDowntimeMS: 300})
	s.Require().NoError(err)
	s.Equal(selkie.PhasePrepare, m.Phase)

	s.Require().NoError(vm.Refresh())
	s.Equal(selkie.VMStatusMigrating, vm.Status)

	s.Require().NoError(s.Co.Run(context.Background(), vm.ID))

	s.Require().NoError(vm.Refresh())
	s.Equal(dest.ID, vm.HostID)
	s.Equal(selkie.VMStatusRunning, vm.Status)
	s.Equal(selkie.NATPortBase, vm.SSHPort)

	s.Require().NoError(m.Refresh())
	s.Equal(selkie.PhaseFinalize, m.Phase)
	s.Equal(100, m.Progress)
	s.True(m.Done())
	s.False(m.EndedAt.IsZero())

	state, err := s.stub(dest.ID).Status(context.Background(), vm.ID)
	s.Require().NoError(err)
	s.True(state.Exists, "destination should hold the domain")

	state, err = s.stub(source.ID).Status(context.Background(), vm.ID)
	s.Require().NoError(err)
	s.False(state.Exists, "source should have been cleaned up")
}

func (s *CoordinatorSuite) TestRunMissingMigrationIsNoop() {
	s.NoError(s.Co.Run(context.Background(), "no-such-vm"))
}

func (s *CoordinatorSuite) TestCancel() {
	_, vm := s.launch()
	dest := s.newHost(selkie.ArchX8664)

	_, err := s.Co.StartMigration(vm.ID, dest.ID, selkie.MigrationOptions{})
	s.Require().NoError(err)

	s.Require().NoError(s.Co.Cancel(context.Background(), vm.ID))

	m, err := s.Context.Migration(vm.ID)
	s.Require().NoError(err)
	s.Equal(selkie.PhaseAborted, m.Phase)
	s.NotEmpty(m.Reason)

	s.Require().NoError(vm.Refresh())
	s.Equal(selkie.VMStatusRunning, vm.Status)

	err = s.Co.Cancel(context.Background(), vm.ID)
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "finished migration should refuse cancel: ", err)
}

func (s *CoordinatorSuite) TestFailedTransfer() {
	source, vm := s.launch()
	dest := s.newHost(selkie.ArchX8664)

	_, err := s.Co.StartMigration(vm.ID, dest.ID, selkie.MigrationOptions{})
	s.Require().NoError(err)

	cause := selkie.NewError(selkie.ErrDriverTerminal, "transfer stream broke")
	s.stub(source.ID).FailVerb("QueryMigration", cause)

	err = s.Co.Run(context.Background(), vm.ID)
	s.True(selkie.IsErrorCode(err, selkie.ErrDriverTerminal), "failed transfer should surface: ", err)

	m, merr := s.Context.Migration(vm.ID)
	s.Require().NoError(merr)
	s.Equal(selkie.PhaseAborted, m.Phase)
	s.Equal(cause.Error(), m.Reason)

	s.Require().NoError(vm.Refresh())
	s.Equal(selkie.VMStatusRunning, vm.Status)
	s.Equal(source.ID, vm.HostID, "aborted vm should stay on the source")
}

func (s *CoordinatorSuite) TestPending() {
	_, vm := s.launch()
	dest := s.newHost(selkie.ArchX8664)

	_, err := s.Co.StartMigration(vm.ID, dest.ID, selkie.MigrationOptions{})
	s.Require().NoError(err)

	pending, err := s.Co.Pending()
	s.Require().NoError(err)
	s.Contains(pending, vm.ID)

	s.Require().NoError(s.Co.Run(context.Background(), vm.ID))

	pending, err = s.Co.Pending()
	s.Require().NoError(err)
	s.NotContains(pending, vm.ID)
}
