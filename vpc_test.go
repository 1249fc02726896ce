package selkie_test

import (
	"net"
	"testing"

	"github.com/mistifyio/selkie"
	"github.com/stretchr/testify/suite"
)

func TestVPC(t *testing.T) {
	suite.Run(t, new(VPCSuite))
}

type VPCSuite struct {
	CommonSuite
}

func (s *VPCSuite) TestValidate() {
	tests := []struct {
		description string
		name        string
		cidr        string
		gateway     net.IP
		expectedErr bool
	}{
		{"missing name", "", "10.0.0.0/24", nil, true},
		{"bad cidr", "prod", "10.0.0.0", nil, true},
		{"gateway outside cidr", "prod", "10.0.0.0/24", net.ParseIP("192.168.1.1"), true},
		{"gateway inside cidr", "prod", "10.0.0.0/24", net.ParseIP("10.0.0.1"), false},
		{"no gateway", "prod", "10.0.0.0/24", nil, false},
	}
	for _, test := range tests {
		msg := s.Messager(test.description)
		vpc := s.Context.NewVPC()
		vpc.Name = test.name
		vpc.CIDR = test.cidr
		vpc.Gateway = test.gateway
		err := vpc.Validate()
		if test.expectedErr {
			s.Error(err, msg("should be invalid"))
		} else {
			s.NoError(err, msg("should be valid"))
		}
	}
}

func (s *VPCSuite) TestBridgeName() {
	vpc := s.newVPC("10.2.0.0/24")
	s.Regexp(`^sk-[0-9a-f]{8}$`, vpc.BridgeName())
	s.Equal(vpc.BridgeName(), vpc.BridgeName(), "bridge name should be stable")

	other := s.newVPC("10.3.0.0/24")
	s.NotEqual(vpc.BridgeName(), other.BridgeName())
}

func (s *VPCSuite) TestChainBase() {
	vpc := s.newVPC("10.2.0.0/24")
	s.Regexp(`^SELKIE-[0-9a-f]{8}$`, vpc.ChainBase())
}

func (s *VPCSuite) TestNewSubnet() {
	vpc := s.Context.NewVPC()
	vpc.Name = "prod"
	vpc.CIDR = "10.2.0.0/24"
	s.Require().NoError(vpc.Save())

	sub, err := vpc.NewSubnet("prod-a", "10.2.0.0/25")
	s.Require().NoError(err)
	s.Equal("prod", sub.VPCName)
	s.Contains(vpc.SubnetIDs, "prod-a")

	_, err = vpc.NewSubnet("prod-b", "192.168.0.0/25")
	s.True(selkie.IsErrorCode(err, selkie.ErrValidation), "out-of-range subnet should fail: ", err)

	_, err = vpc.NewSubnet("prod-c", "10.2.0.0/16")
	s.True(selkie.IsErrorCode(err, selkie.ErrValidation), "wider-than-vpc subnet should fail: ", err)
}

func (s *VPCSuite) TestRemoveSubnet() {
	vpc := s.Context.NewVPC()
	vpc.Name = "prod"
	vpc.CIDR = "10.2.0.0/24"
	s.Require().NoError(vpc.Save())
	_, err := vpc.NewSubnet("prod-a", "10.2.0.0/25")
	s.Require().NoError(err)

	alloc, err := s.Context.ReserveAddress(selkie.VPCScope("prod"), "")
	s.Require().NoError(err)

	err = vpc.RemoveSubnet("prod-a")
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "subnet with allocations should refuse removal: ", err)

	s.Require().NoError(s.Context.Release(selkie.VPCScope("prod"), alloc.Address, ""))
	s.Require().NoError(vpc.RemoveSubnet("prod-a"), "released rows should not block removal")
	s.Empty(vpc.SubnetIDs)
	_, err = s.Context.Subnet("prod-a")
	s.True(s.Context.IsKeyNotFound(err))
}

func (s *VPCSuite) TestDelete() {
	vpc := s.newVPC("10.2.0.0/24")
	img := s.newImage(selkie.ArchX8664)
	vm := s.newVM(vpc, img)

	err := vpc.Delete()
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "vpc with machines should refuse delete: ", err)

	vm.Status = selkie.VMStatusTerminated
	s.Require().NoError(vm.Save())
	s.Require().NoError(vpc.Delete())

	_, err = s.Context.VPC(vpc.Name)
	s.True(s.Context.IsKeyNotFound(err))
}

func (s *VPCSuite) TestReservedAddresses() {
	vpc := s.Context.NewVPC()
	vpc.Name = "prod"
	vpc.CIDR = "10.2.0.0/24"
	s.Require().NoError(vpc.Save())
	sub, err := vpc.NewSubnet("prod-a", "10.2.0.0/28")
	s.Require().NoError(err)

	ips, err := sub.ReservedAddresses()
	s.Require().NoError(err)
	s.Require().Len(ips, 3)
	s.Equal("10.2.0.0", ips[0].String())
	s.Equal("10.2.0.1", ips[1].String())
	s.Equal("10.2.0.15", ips[2].String())
}
