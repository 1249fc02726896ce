package selkie_test

import (
	"testing"

	"github.com/mistifyio/selkie"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

func TestIPAlloc(t *testing.T) {
	suite.Run(t, new(IPAllocSuite))
}

type IPAllocSuite struct {
	CommonSuite
}

// smallVPC gives the allocator a /29: .0/.1/.7 are reserved, .2-.6 are
// allocatable
func (s *IPAllocSuite) smallVPC() (*selkie.VPC, string) {
	vpc := s.newVPC("10.9.0.0/29")
	return vpc, selkie.VPCScope(vpc.Name)
}

func (s *IPAllocSuite) TestReserveAddress() {
	_, scope := s.smallVPC()

	first, err := s.Context.ReserveAddress(scope, "")
	s.Require().NoError(err)
	s.Equal("10.9.0.2", first.Address)
	s.Equal(selkie.AllocationReserved, first.Status)

	second, err := s.Context.ReserveAddress(scope, "")
	s.Require().NoError(err)
	s.Equal("10.9.0.3", second.Address)
}

func (s *IPAllocSuite) TestReserveHint() {
	_, scope := s.smallVPC()

	alloc, err := s.Context.ReserveAddress(scope, "10.9.0.5")
	s.Require().NoError(err)
	s.Equal("10.9.0.5", alloc.Address)

	_, err = s.Context.ReserveAddress(scope, "10.9.0.5")
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "taken hint should conflict: ", err)

	_, err = s.Context.ReserveAddress(scope, "10.9.0.1")
	s.True(selkie.IsErrorCode(err, selkie.ErrValidation), "reserved endpoint should not be allocatable: ", err)

	_, err = s.Context.ReserveAddress(scope, "192.168.1.1")
	s.True(selkie.IsErrorCode(err, selkie.ErrValidation), "out-of-range hint should fail: ", err)
}

func (s *IPAllocSuite) TestExhaustion() {
	_, scope := s.smallVPC()

	for i := 0; i < 5; i++ {
		_, err := s.Context.ReserveAddress(scope, "")
		s.Require().NoError(err)
	}
	_, err := s.Context.ReserveAddress(scope, "")
	s.True(selkie.IsErrorCode(err, selkie.ErrExhausted), "sixth reserve should exhaust: ", err)
}

func (s *IPAllocSuite) TestBind() {
	_, scope := s.smallVPC()
	owner := uuid.New()

	alloc, err := s.Context.ReserveAddress(scope, "")
	s.Require().NoError(err)

	s.Require().NoError(s.Context.Bind(scope, alloc.Address, owner))
	bound, err := s.Context.Allocation(scope, alloc.Address)
	s.Require().NoError(err)
	s.Equal(selkie.AllocationBound, bound.Status)
	s.Equal(owner, bound.OwnerID)

	s.NoError(s.Context.Bind(scope, alloc.Address, owner), "rebinding same owner should be a no-op")

	err = s.Context.Bind(scope, alloc.Address, uuid.New())
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "bind to another owner should conflict: ", err)

	err = s.Context.Bind(scope, "10.9.0.6", owner)
	s.True(selkie.IsErrorCode(err, selkie.ErrNotFound), "bind without a reservation should fail: ", err)
}

func (s *IPAllocSuite) TestRelease() {
	_, scope := s.smallVPC()
	owner := uuid.New()

	alloc, err := s.Context.ReserveAddress(scope, "")
	s.Require().NoError(err)
	s.Require().NoError(s.Context.Bind(scope, alloc.Address, owner))

	err = s.Context.Release(scope, alloc.Address, uuid.New())
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "release by a stranger should conflict: ", err)

	s.Require().NoError(s.Context.Release(scope, alloc.Address, owner))
	released, err := s.Context.Allocation(scope, alloc.Address)
	s.Require().NoError(err)
	s.Equal(selkie.AllocationReleased, released.Status)

	s.NoError(s.Context.Release(scope, alloc.Address, owner), "double release should be fine")
	s.NoError(s.Context.Release(scope, "10.9.0.6", owner), "releasing an unknown address should be fine")
}

func (s *IPAllocSuite) TestQuarantine() {
	_, scope := s.smallVPC()

	alloc, err := s.Context.ReserveAddress(scope, "")
	s.Require().NoError(err)
	s.Require().NoError(s.Context.Release(scope, alloc.Address, ""))

	next, err := s.Context.ReserveAddress(scope, "")
	s.Require().NoError(err)
	s.NotEqual(alloc.Address, next.Address, "released address should stay quarantined")
}

func (s *IPAllocSuite) TestReapAllocations() {
	grace := selkie.AllocationGracePeriod
	selkie.AllocationGracePeriod = 0
	defer func() { selkie.AllocationGracePeriod = grace }()

	_, scope := s.smallVPC()

	released, err := s.Context.ReserveAddress(scope, "")
	s.Require().NoError(err)
	s.Require().NoError(s.Context.Release(scope, released.Address, ""))

	orphan, err := s.Context.ReserveAddress(scope, "")
	s.Require().NoError(err)

	s.Require().NoError(s.Context.ReapAllocations())

	_, err = s.Context.Allocation(scope, released.Address)
	s.True(s.Context.IsKeyNotFound(err), "released row should be reaped")

	row, err := s.Context.Allocation(scope, orphan.Address)
	s.Require().NoError(err)
	s.Equal(selkie.AllocationReleased, row.Status, "unconsumed reservation should be released")
}

func (s *IPAllocSuite) TestPublicScope() {
	s.newFloatingIP("203.0.113.20")
	s.newFloatingIP("203.0.113.10")

	alloc, err := s.Context.ReserveAddress(selkie.PublicScope, "")
	s.Require().NoError(err)
	s.Equal("203.0.113.10", alloc.Address, "lowest address should go first")
}

func (s *IPAllocSuite) TestAllocationsOrder() {
	_, scope := s.smallVPC()
	_, err := s.Context.ReserveAddress(scope, "10.9.0.5")
	s.Require().NoError(err)
	_, err = s.Context.ReserveAddress(scope, "10.9.0.2")
	s.Require().NoError(err)

	allocs, err := s.Context.Allocations(scope)
	s.Require().NoError(err)
	s.Require().Len(allocs, 2)
	s.Equal("10.9.0.2", allocs[0].Address)
	s.Equal("10.9.0.5", allocs[1].Address)
}
