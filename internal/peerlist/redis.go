package peerlist

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "swarmfeed:peers"

// RedisStore shares the registry between bootstrap replicas through a
// sorted set scored by last registration time.
type RedisStore struct {
	db       *redis.Client
	key      string
	expireIn time.Duration
	now      func() time.Time
}

// NewRedisStore connects to the redis instance at connString.
func NewRedisStore(connString string, expireIn time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(connString)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisStore{
		db:       redis.NewClient(opts),
		key:      defaultRedisKey,
		expireIn: expireIn,
		now:      time.Now,
	}, nil
}

func (s *RedisStore) Register(ctx context.Context, addr string) error {
	return s.db.ZAdd(ctx, s.key, redis.Z{
		Score:  float64(s.now().UnixMilli()),
		Member: addr,
	}).Err()
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	from := "-inf"
	if s.expireIn > 0 {
		from = strconv.FormatInt(s.now().Add(-s.expireIn).UnixMilli(), 10)
	}
	var rangeCmd *redis.StringSliceCmd
	if _, err := s.db.Pipelined(ctx, func(p redis.Pipeliner) error {
		if from != "-inf" {
			p.ZRemRangeByScore(ctx, s.key, "-inf", "("+from)
		}
		rangeCmd = p.ZRangeArgs(ctx, redis.ZRangeArgs{
			Key:     s.key,
			Start:   from,
			Stop:    "+inf",
			ByScore: true,
		})
		return nil
	}); err != nil {
		return nil, err
	}
	addrs := rangeCmd.Val()
	sort.Strings(addrs)
	return addrs, nil
}

func (s *RedisStore) Close() error {
	return s.db.Close()
}
