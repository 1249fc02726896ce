package selkie_test

import (
	"testing"

	"github.com/mistifyio/selkie"
	"github.com/pborman/uuid"
	"github.com/stretchr/testify/suite"
)

func TestMigration(t *testing.T) {
	suite.Run(t, new(MigrationSuite))
}

type MigrationSuite struct {
	CommonSuite
}

func (s *MigrationSuite) TestValidate() {
	tests := []struct {
		description string
		vm          string
		source      string
		dest        string
		expectedErr bool
	}{
		{"missing vm", "", "h1", "h2", true},
		{"missing source", uuid.New(), "", "h2", true},
		{"missing destination", uuid.New(), "h1", "", true},
		{"source equals destination", uuid.New(), "h1", "h1", true},
		{"nothing missing", uuid.New(), "h1", "h2", false},
	}
	for _, test := range tests {
		msg := s.Messager(test.description)
		m := s.Context.NewMigration(test.vm, test.source, test.dest)
		err := m.Validate()
		if test.expectedErr {
			s.Error(err, msg("should be invalid"))
		} else {
			s.NoError(err, msg("should be valid"))
		}
	}
}

func (s *MigrationSuite) TestOnePerVM() {
	vmID := uuid.New()
	first := s.Context.NewMigration(vmID, "h1", "h2")
	s.Require().NoError(first.Save())

	second := s.Context.NewMigration(vmID, "h1", "h3")
	err := second.Save()
	s.True(selkie.IsErrorCode(err, selkie.ErrConflict), "second migration for a vm should conflict: ", err)
}

func (s *MigrationSuite) TestSetPhase() {
	m := s.Context.NewMigration(uuid.New(), "h1", "h2")
	s.Require().NoError(m.Save())
	s.False(m.Done())

	s.Require().NoError(m.SetPhase(selkie.PhasePrecopy))
	s.True(m.EndedAt.IsZero())

	s.Require().NoError(m.SetPhase(selkie.PhaseFinalize))
	s.True(m.Done())
	s.False(m.EndedAt.IsZero(), "terminal phase should stamp ended_at")
}

func (s *MigrationSuite) TestLookup() {
	vmID := uuid.New()
	m := s.Context.NewMigration(vmID, "h1", "h2")
	s.Require().NoError(m.Save())

	fetched, err := s.Context.Migration(vmID)
	s.Require().NoError(err)
	s.Equal(m.ID, fetched.ID)
	s.Equal(selkie.PhasePrepare, fetched.Phase)

	_, err = s.Context.Migration(uuid.New())
	s.True(s.Context.IsKeyNotFound(err))
}

func (s *MigrationSuite) TestDelete() {
	vmID := uuid.New()
	m := s.Context.NewMigration(vmID, "h1", "h2")
	s.Require().NoError(m.Save())
	s.Require().NoError(m.Delete())

	_, err := s.Context.Migration(vmID)
	s.True(s.Context.IsKeyNotFound(err))

	again := s.Context.NewMigration(vmID, "h1", "h2")
	s.NoError(again.Save(), "slot should be free after delete")
}
