//go:build integration

package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"ledger/internal/ledger/lock"
	"ledger/pkg/testutil/containers"
)

type RedisLockerSuite struct {
	suite.Suite
	redis  *containers.RedisContainer
	locker *lock.RedisLocker
}

func TestRedisLockerSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockerSuite))
}

func (s *RedisLockerSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.locker = lock.NewRedisLocker(s.redis.Client.Client)
}

func (s *RedisLockerSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisLockerSuite) TestExclusiveUntilReleased() {
	ctx := context.Background()

	lease, err := s.locker.TryAcquire(ctx, "seal", time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(lease)

	contender, err := s.locker.TryAcquire(ctx, "seal", time.Minute)
	s.Require().NoError(err)
	s.Nil(contender)

	s.Require().NoError(lease.Release(ctx))
	next, err := s.locker.TryAcquire(ctx, "seal", time.Minute)
	s.Require().NoError(err)
	s.NotNil(next)
}

func (s *RedisLockerSuite) TestExpiredLeaseCannotReleaseNewHolder() {
	ctx := context.Background()

	stale, err := s.locker.TryAcquire(ctx, "seal", 50*time.Millisecond)
	s.Require().NoError(err)
	s.Require().NotNil(stale)

	time.Sleep(150 * time.Millisecond)
	fresh, err := s.locker.TryAcquire(ctx, "seal", time.Minute)
	s.Require().NoError(err)
	s.Require().NotNil(fresh)

	s.ErrorIs(stale.Release(ctx), lock.ErrNotHeld)
	contender, err := s.locker.TryAcquire(ctx, "seal", time.Minute)
	s.Require().NoError(err)
	s.Nil(contender, "fresh holder keeps the lock")
}
