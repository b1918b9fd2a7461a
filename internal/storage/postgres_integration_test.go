//go:build integration

package storage_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"kinvault/internal/storage"
	"kinvault/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *storage.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = storage.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "blobs", "blob_manifest")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()

	err := s.store.Put(ctx, "users/abc/identity.pub", []byte("pub"))
	s.Require().NoError(err)

	data, err := s.store.Get(ctx, "users/abc/identity.pub")
	s.Require().NoError(err)
	s.Equal([]byte("pub"), data)

	exists, err := s.store.Head(ctx, "users/abc/identity.pub")
	s.Require().NoError(err)
	s.True(exists)

	_, err = s.store.Get(ctx, "users/abc/other")
	s.ErrorIs(err, storage.ErrNotFound)
}

// TestConcurrentConditionalPut verifies that concurrent ifMatch writers on
// the same key produce exactly one winner.
func (s *PostgresStoreSuite) TestConcurrentConditionalPut() {
	ctx := context.Background()
	const goroutines = 20

	s.Require().NoError(s.store.Put(ctx, "contended", []byte("v1")))
	baseTag := storage.ETag([]byte("v1"))

	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.store.Put(ctx, "contended", []byte("v2"), storage.WithIfMatch(baseTag))
			switch {
			case err == nil:
				successCount.Add(1)
			case err == storage.ErrConflict:
				conflictCount.Add(1)
			default:
				s.T().Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load())
	s.Equal(int32(goroutines-1), conflictCount.Load())
}

func (s *PostgresStoreSuite) TestManifestOrdering() {
	ctx := context.Background()
	start := time.Now().Add(-time.Second)

	s.Require().NoError(s.store.Put(ctx, "a", []byte("1"), storage.WithDevice("phone")))
	s.Require().NoError(s.store.Put(ctx, "b", []byte("2")))
	s.Require().NoError(s.store.Delete(ctx, "a"))

	entries, err := s.store.Manifest(ctx, start)
	s.Require().NoError(err)
	s.Require().Len(entries, 3)
	s.Equal("phone", entries[0].DeviceID)
	s.Equal(storage.OpPut, entries[1].Op)
	s.Equal(storage.OpDelete, entries[2].Op)
}
