//go:build integration

package credential_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"kinvault/internal/auth/store/credential"
	enginerrors "kinvault/pkg/engine-errors"
	"kinvault/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *credential.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = credential.NewPostgresStore(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "credentials"))
}

func (s *PostgresStoreSuite) TestFirstWriteWins() {
	ctx := context.Background()

	s.Require().NoError(s.store.Save(ctx, "client-a", []byte("record-1")))

	err := s.store.Save(ctx, "client-a", []byte("record-2"))
	s.True(enginerrors.HasCode(err, enginerrors.CodeConflict), "re-registration must not overwrite")

	record, err := s.store.Get(ctx, "client-a")
	s.Require().NoError(err)
	s.Equal([]byte("record-1"), record, "original record must survive the conflicting save")
}

func (s *PostgresStoreSuite) TestUnknownIdentifier() {
	_, err := s.store.Get(context.Background(), "client-missing")
	s.True(enginerrors.HasCode(err, enginerrors.CodeNotFound))
}
