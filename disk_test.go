package selkie_test

import (
	"testing"

	"github.com/mistifyio/selkie"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

func TestDisk(t *testing.T) {
	suite.Run(t, new(DiskSuite))
}

type DiskSuite struct {
	CommonSuite
}

func (s *DiskSuite) TestNewDisk() {
	disk := s.Context.NewDisk()
	s.NotNil(uuid.Parse(disk.ID))
	s.Equal(selkie.DiskAvailable, disk.Status)
}

func (s *DiskSuite) TestValidate() {
	tests := []struct {
		description string
		id          string
		name        string
		sizeGB      uint64
		expectedErr bool
	}{
		{"missing id", "", "data", 10, true},
		{"missing name", uuid.New(), "", 10, true},
		{"zero size", uuid.New(), "data", 0, true},
		{"nothing missing", uuid.New(), "data", 10, false},
	}
	for _, test := range tests {
		msg := s.Messager(test.description)
		disk := &selkie.Disk{ID: test.id, Name: test.name, SizeGB: test.sizeGB}
		err := disk.Validate()
		if test.expectedErr {
			s.Error(err, msg("should be invalid"))
		} else {
			s.NoError(err, msg("should be valid"))
		}
	}
}

func (s *DiskSuite) TestAttachDetach() {
	disk := s.newDisk(20)
	vmID := uuid.New()

	s.Require().NoError(disk.Attach(vmID, "vdc"))
	s.Equal(selkie.DiskInUse, disk.Status)
	s.Equal(vmID, disk.VMID)
	s.Equal("vdc", disk.Slot)

	err := disk.Attach(uuid.New(), "vdd")
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "double attach should conflict: ", err)

	s.Require().NoError(disk.Detach())
	s.Equal(selkie.DiskAvailable, disk.Status)
	s.Empty(disk.VMID)
	s.Empty(disk.Slot)
}

func (s *DiskSuite) TestDelete() {
	disk := s.newDisk(20)
	s.Require().NoError(disk.Attach(uuid.New(), "vdc"))

	err := disk.Delete()
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "attached disk delete should conflict: ", err)

	s.Require().NoError(disk.Detach())
	s.Require().NoError(disk.Delete())

	_, err = s.Context.Disk(disk.ID)
	s.True(s.Context.IsKeyNotFound(err))
}

func (s *DiskSuite) TestVolumePath() {
	disk := s.newDisk(20)
	s.Equal("/var/lib/selkie/volumes/"+disk.ID+".qcow2", disk.VolumePath("/var/lib/selkie"))
}
