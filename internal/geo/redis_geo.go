package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatcher/internal/models"
)

// RedisGeo implements Geo on Redis: one SET of driver ids per geohash cell
// and one HASH per driver holding its projection and current cell.
type RedisGeo struct {
	client  *redis.Client
	prefix  string
	ctx     context.Context
	timeout time.Duration
}

func NewRedisGeo(addr, password, prefix string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, prefix: prefix, ctx: context.Background(), timeout: 2 * time.Second}
}

func (r *RedisGeo) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisGeo) Close() error { return r.client.Close() }

func (r *RedisGeo) Upsert(d *models.Driver) error {
	if d == nil || d.ID() == "" {
		return fmt.Errorf("%w: driver id is required", models.ErrInvalidInput)
	}
	loc, hash := d.Position()
	if hash == "" {
		return fmt.Errorf("%w: driver %s has no location", models.ErrInvalidInput, d.ID())
	}
	id := d.ID()
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()

	prev, err := r.client.HGet(ctx, r.driverKey(id), "cell").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis geo: read cell for %s: %w", id, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prev != "" && prev != hash {
			pipe.SRem(ctx, r.cellKey(prev), id)
		}
		pipe.SAdd(ctx, r.cellKey(hash), id)
		pipe.HSet(ctx, r.driverKey(id), map[string]interface{}{
			"lat":  strconv.FormatFloat(loc.Lat, 'f', -1, 64),
			"lng":  strconv.FormatFloat(loc.Lng, 'f', -1, 64),
			"cell": hash,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis geo: upsert %s: %w", id, err)
	}
	return nil
}

func (r *RedisGeo) Find(cells []string) ([]models.GeoDriver, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	keys := make([]string, 0, len(cells))
	for _, c := range cells {
		keys = append(keys, r.cellKey(c))
	}
	ids, err := r.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo: find: %w", err)
	}
	out := make([]models.GeoDriver, 0, len(ids))
	for _, id := range ids {
		gd, ok, err := r.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, gd)
		}
	}
	return out, nil
}

func (r *RedisGeo) Get(driverID string) (models.GeoDriver, bool) {
	ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
	defer cancel()
	gd, ok, err := r.load(ctx, driverID)
	if err != nil {
		return models.GeoDriver{}, false
	}
	return gd, ok
}

func (r *RedisGeo) load(ctx context.Context, id string) (models.GeoDriver, bool, error) {
	m, err := r.client.HGetAll(ctx, r.driverKey(id)).Result()
	if err != nil {
		return models.GeoDriver{}, false, fmt.Errorf("redis geo: load %s: %w", id, err)
	}
	if len(m) == 0 {
		return models.GeoDriver{}, false, nil
	}
	lat, err := strconv.ParseFloat(m["lat"], 64)
	if err != nil {
		return models.GeoDriver{}, false, fmt.Errorf("redis geo: bad lat for %s: %w", id, err)
	}
	lng, err := strconv.ParseFloat(m["lng"], 64)
	if err != nil {
		return models.GeoDriver{}, false, fmt.Errorf("redis geo: bad lng for %s: %w", id, err)
	}
	return models.GeoDriver{DriverID: id, Lat: lat, Lng: lng}, true, nil
}

func (r *RedisGeo) cellKey(cell string) string { return r.prefix + ":cell:" + cell }
func (r *RedisGeo) driverKey(id string) string  { return r.prefix + ":driver:" + id }
