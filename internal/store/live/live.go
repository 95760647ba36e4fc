// Package live is the realtime side of the fan-out: latest-state caching
// and pub/sub over Redis. Everything here is fire-and-refresh state with
// TTLs; the durable record lives in the history store.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/trackfuse/internal/track"
)

// Well-known keys and channels shared with downstream consumers.
const (
	VesselChannel   = "vessel:position:update"
	AircraftChannel = "aircraft:position:update"

	vesselGeoKey    = "ais:vessels:geo"
	vesselActiveKey = "ais:vessels:active"
	vesselHashFmt   = "ais:vessel:%s"
	lastKeyFmt      = "%s:last:%s"

	// LastTTL is how long a latest-state snapshot survives without refresh.
	LastTTL = 600 * time.Second

	// PublishTimeout bounds each realtime publish round-trip.
	PublishTimeout = 2 * time.Second
)

// Channel returns the pub/sub channel for a kind.
func Channel(kind track.Kind) string {
	if kind == track.KindAircraft {
		return AircraftChannel
	}
	return VesselChannel
}

// Store wraps the Redis client with the fan-out operations the publisher
// and the ADSB queue worker need.
type Store struct {
	rdb redis.UniversalClient
}

// New creates a Store over an established Redis client.
func New(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

// Connect dials Redis at addr and verifies the connection.
func Connect(ctx context.Context, addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Store{rdb: rdb}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// PublishFused caches the record as latest state and publishes it on the
// kind's channel. Vessels additionally maintain the geo index, the
// per-vessel hash, and the activity ranking.
func (s *Store) PublishFused(ctx context.Context, r *track.FusedRecord) error {
	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal fused record: %w", err)
	}
	id := objectID(r)

	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(lastKeyFmt, r.Kind, id), payload, LastTTL)
	if r.Kind == track.KindVessel {
		pipe.GeoAdd(ctx, vesselGeoKey, &redis.GeoLocation{
			Name:      id,
			Longitude: r.Lon,
			Latitude:  r.Lat,
		})
		pipe.HSet(ctx, fmt.Sprintf(vesselHashFmt, id),
			"lat", r.Lat,
			"lon", r.Lon,
			"event_ts", r.EventTS,
			"source", r.Source,
			"name", r.Name,
			"callsign", r.Callsign,
		)
		pipe.Expire(ctx, fmt.Sprintf(vesselHashFmt, id), LastTTL)
		pipe.ZAdd(ctx, vesselActiveKey, redis.Z{Score: float64(r.EventTS), Member: id})
	}
	pipe.Publish(ctx, Channel(r.Kind), payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish %s/%s: %w", r.Kind, id, err)
	}
	return nil
}

// UpsertFlightHash writes one aircraft's JSON state into the shared
// current-flights hash and refreshes its TTL. Used by the ADSB queue
// worker for bulk batch state.
func (s *Store) UpsertFlightHash(ctx context.Context, hashKey, hexident string, payload []byte, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, hashKey, hexident, payload)
	pipe.Expire(ctx, hashKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to upsert flight hash %s/%s: %w", hashKey, hexident, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the kind's channel.
func (s *Store) Subscribe(ctx context.Context, kind track.Kind) *redis.PubSub {
	return s.rdb.Subscribe(ctx, Channel(kind))
}

// PopBatch blocks up to timeout waiting for a named batch on a Redis list
// queue. Returns ("", nil) on timeout.
func (s *Store) PopBatch(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	res, err := s.rdb.BLPop(ctx, timeout, queue).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	// BLPop returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("unexpected BLPOP reply length %d", len(res))
	}
	return res[1], nil
}

// PushBatch enqueues a named batch payload; used by tests and the replay
// tool to feed the queue worker.
func (s *Store) PushBatch(ctx context.Context, queue, payload string) error {
	return s.rdb.RPush(ctx, queue, payload).Err()
}

func objectID(r *track.FusedRecord) string {
	switch r.Kind {
	case track.KindVessel:
		if r.MMSI != "" {
			return r.MMSI
		}
	case track.KindAircraft:
		if r.ICAO24 != "" {
			return r.ICAO24
		}
	}
	return r.Key
}
