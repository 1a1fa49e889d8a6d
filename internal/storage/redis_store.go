package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

const activeRidesKey = "rides:active"

// RedisStore mirrors rides into redis so other instances and dashboards can
// read them. Ended rides expire after EndedTTL.
type RedisStore struct {
	client   *redis.Client
	EndedTTL time.Duration
}

func NewRedisStore(client *redis.Client, endedTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, EndedTTL: endedTTL}
}

func rideKey(id string) string { return "ride:" + id }

func (s *RedisStore) SaveRide(ctx context.Context, r models.Ride) error {
	return s.write(ctx, r)
}

func (s *RedisStore) UpdateRide(ctx context.Context, r models.Ride) error {
	return s.write(ctx, r)
}

func (s *RedisStore) write(ctx context.Context, r models.Ride) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if r.Status == models.StatusEnded {
			pipe.Set(ctx, rideKey(r.ID), b, s.EndedTTL)
			pipe.SRem(ctx, activeRidesKey, r.ID)
			return nil
		}
		pipe.Set(ctx, rideKey(r.ID), b, 0)
		pipe.SAdd(ctx, activeRidesKey, r.ID)
		return nil
	})
	return err
}

func (s *RedisStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	b, err := s.client.Get(ctx, rideKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Ride{}, models.NotFound("ride", id)
	}
	if err != nil {
		return models.Ride{}, err
	}
	var r models.Ride
	if err := json.Unmarshal(b, &r); err != nil {
		return models.Ride{}, err
	}
	return r, nil
}

// ActiveIDs lists rides that have not ended, sorted.
func (s *RedisStore) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, activeRidesKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// EndOrphans marks every ride still listed as active as ended. A restarted
// process has no refresh loop for them, so they would otherwise linger.
func (s *RedisStore) EndOrphans(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.ActiveIDs(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	n := 0
	for _, id := range ids {
		r, err := s.GetRide(ctx, id)
		if err != nil {
			var nf *models.NotFoundError
			if errors.As(err, &nf) {
				s.client.SRem(ctx, activeRidesKey, id)
				continue
			}
			errs = append(errs, err)
			continue
		}
		r.Status = models.StatusEnded
		r.LastUpdated = now
		if err := s.write(ctx, r); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
