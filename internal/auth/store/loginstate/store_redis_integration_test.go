//go:build integration

package loginstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"kinvault/internal/auth/store/loginstate"
	enginerrors "kinvault/pkg/engine-errors"
	"kinvault/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *loginstate.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = loginstate.NewRedisStore(s.redis.Client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.Flush(context.Background()))
}

func (s *RedisStoreSuite) TestTakeIsOneTime() {
	ctx := context.Background()

	s.Require().NoError(s.store.Put(ctx, "client-a", []byte("pending"), time.Minute))

	state, err := s.store.Take(ctx, "client-a")
	s.Require().NoError(err)
	s.Equal([]byte("pending"), state)

	_, err = s.store.Take(ctx, "client-a")
	s.True(enginerrors.HasCode(err, enginerrors.CodeNotFound), "second take must find nothing")
}

func (s *RedisStoreSuite) TestStateExpires() {
	ctx := context.Background()

	s.Require().NoError(s.store.Put(ctx, "client-b", []byte("pending"), 100*time.Millisecond))
	time.Sleep(200 * time.Millisecond)

	_, err := s.store.Take(ctx, "client-b")
	s.True(enginerrors.HasCode(err, enginerrors.CodeNotFound))
}

func (s *RedisStoreSuite) TestStatesAreIndependentPerClient() {
	ctx := context.Background()

	s.Require().NoError(s.store.Put(ctx, "client-a", []byte("a"), time.Minute))
	s.Require().NoError(s.store.Put(ctx, "client-b", []byte("b"), time.Minute))

	state, err := s.store.Take(ctx, "client-a")
	s.Require().NoError(err)
	s.Equal([]byte("a"), state)

	state, err = s.store.Take(ctx, "client-b")
	s.Require().NoError(err)
	s.Equal([]byte("b"), state)
}
