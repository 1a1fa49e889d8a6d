package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo mirrors driver positions and availability into Redis GEO and hash
// keys so a restarted process can restore the roster.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
		pipe.HSet(ctx, metaKey(d.ID), map[string]interface{}{
			"name":      d.Name,
			"speed_kph": strconv.FormatFloat(d.SpeedKph, 'f', -1, 64),
			"available": strconv.FormatBool(d.Available),
			"updated":   time.Now().UTC().Format(time.RFC3339),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror driver %s: %w", d.ID, err)
	}
	return nil
}

// Load returns every mirrored driver. Drivers whose metadata hash is missing
// are skipped.
func (r *RedisGeo) Load(ctx context.Context) ([]models.Driver, error) {
	ids, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list drivers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pos, err := r.client.GeoPos(ctx, r.key, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("driver positions: %w", err)
	}
	out := make([]models.Driver, 0, len(ids))
	for i, id := range ids {
		m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("driver %s meta: %w", id, err)
		}
		if len(m) == 0 {
			continue
		}
		d := models.Driver{ID: id, Name: m["name"], Available: m["available"] == "true"}
		if pos[i] != nil {
			d.Loc = models.Coord{Lat: pos[i].Latitude, Lon: pos[i].Longitude}
		}
		if v, err := strconv.ParseFloat(m["speed_kph"], 64); err == nil {
			d.SpeedKph = v
		}
		if t, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
			d.Updated = t
		}
		out = append(out, d)
	}
	return out, nil
}

func metaKey(id string) string { return "driver:meta:" + id }
