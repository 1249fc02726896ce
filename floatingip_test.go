package selkie_test

import (
	"testing"

	"github.com/mistifyio/selkie"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

func TestFloatingIP(t *testing.T) {
	suite.Run(t, new(FloatingIPSuite))
}

type FloatingIPSuite struct {
	CommonSuite
}

func (s *FloatingIPSuite) TestNewFloatingIP() {
	fip, err := s.Context.NewFloatingIP("203.0.113.10")
	s.Require().NoError(err)
	s.Equal(selkie.FloatingIPFree, fip.Status)

	_, err = s.Context.NewFloatingIP("not-an-ip")
	s.True(selkie.IsErrorCode(err, selkie.ErrValidation))
}

func (s *FloatingIPSuite) TestBind() {
	fip := s.newFloatingIP("203.0.113.10")
	vmID := uuid.New()

	s.Require().NoError(fip.Bind(vmID))
	s.Equal(selkie.FloatingIPBound, fip.Status)
	s.Equal(vmID, fip.VMID)

	s.NoError(fip.Bind(vmID), "rebinding to the same vm should be fine")

	err := fip.Bind(uuid.New())
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "bind to another vm should conflict: ", err)
}

func (s *FloatingIPSuite) TestUnbind() {
	fip := s.newFloatingIP("203.0.113.10")
	s.NoError(fip.Unbind(), "unbinding a free address should be a no-op")

	s.Require().NoError(fip.Bind(uuid.New()))
	s.Require().NoError(fip.Unbind())
	s.Equal(selkie.FloatingIPFree, fip.Status)
	s.Empty(fip.VMID)
}

func (s *FloatingIPSuite) TestDelete() {
	fip := s.newFloatingIP("203.0.113.10")
	s.Require().NoError(fip.Bind(uuid.New()))

	err := fip.Delete()
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "bound address delete should conflict: ", err)

	s.Require().NoError(fip.Unbind())
	s.Require().NoError(fip.Delete())

	_, err = s.Context.FloatingIP(fip.Address)
	s.True(s.Context.IsKeyNotFound(err))
}

func (s *FloatingIPSuite) TestForEachFloatingIP() {
	expected := map[string]bool{
		s.newFloatingIP("203.0.113.10").Address: true,
		s.newFloatingIP("203.0.113.11").Address: true,
	}
	seen := map[string]bool{}
	err := s.Context.ForEachFloatingIP(func(fip *selkie.FloatingIP) error {
		seen[fip.Address] = true
		return nil
	})
	s.Require().NoError(err)
	s.Equal(expected, seen)
}
