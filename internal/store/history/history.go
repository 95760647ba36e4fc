// Package history is the durable side of the pipeline: a SQLite store of
// tracked objects, their position history, the last-published watermarks,
// and summarized track segments.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/trackfuse/internal/track"
)

// OpTimeout bounds every store operation that does not carry its own
// context deadline.
const OpTimeout = 10 * time.Second

type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the SQLite database at path and brings
// the schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history db: %w", err)
	}
	// SQLite allows one writer; serializing through a single connection
	// avoids SQLITE_BUSY under the persist pool.
	db.SetMaxOpenConns(1)

	s := &Store{db}
	if _, err := s.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ObjectRecord is one row of the objects table.
type ObjectRecord struct {
	Kind         track.Kind `json:"kind"`
	ObjectID     string     `json:"object_id"`
	MMSI         string     `json:"mmsi,omitempty"`
	IMO          string     `json:"imo,omitempty"`
	ICAO24       string     `json:"icao24,omitempty"`
	Registration string     `json:"registration,omitempty"`
	Callsign     string     `json:"callsign,omitempty"`
	Name         string     `json:"name,omitempty"`
	Operator     string     `json:"operator,omitempty"`
	FirstSeenMS  int64      `json:"first_seen_ms"`
	LastSeenMS   int64      `json:"last_seen_ms"`
}

// PositionRecord is one row of the positions table.
type PositionRecord struct {
	ObjectID     string     `json:"object_id"`
	Kind         track.Kind `json:"kind"`
	EventTS      int64      `json:"event_ts"`
	Source       string     `json:"source"`
	Lat          float64    `json:"lat"`
	Lon          float64    `json:"lon"`
	SpeedKn      *float64   `json:"speed,omitempty"`
	Course       *float64   `json:"course,omitempty"`
	Heading      *float64   `json:"heading,omitempty"`
	Altitude     *float64   `json:"altitude,omitempty"`
	VerticalRate *float64   `json:"verticalRate,omitempty"`
	Status       *string    `json:"status,omitempty"`
	Score        float64    `json:"score"`
}

// UpsertObject creates or refreshes the object row for a fused record.
// Identity fields only ever fill in; a later report with an empty name
// does not blank an earlier one.
func (s *Store) UpsertObject(ctx context.Context, r *track.FusedRecord) error {
	objectID := primaryID(r)
	_, err := s.ExecContext(ctx, `
		INSERT INTO objects (kind, object_id, mmsi, imo, icao24, registration, callsign, name, first_seen_ms, last_seen_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, object_id) DO UPDATE SET
			mmsi         = CASE WHEN excluded.mmsi         != '' THEN excluded.mmsi         ELSE objects.mmsi         END,
			imo          = CASE WHEN excluded.imo          != '' THEN excluded.imo          ELSE objects.imo          END,
			icao24       = CASE WHEN excluded.icao24       != '' THEN excluded.icao24       ELSE objects.icao24       END,
			registration = CASE WHEN excluded.registration != '' THEN excluded.registration ELSE objects.registration END,
			callsign     = CASE WHEN excluded.callsign     != '' THEN excluded.callsign     ELSE objects.callsign     END,
			name         = CASE WHEN excluded.name         != '' THEN excluded.name         ELSE objects.name         END,
			last_seen_ms = MAX(objects.last_seen_ms, excluded.last_seen_ms),
			updated_at   = UNIXEPOCH('subsec')`,
		r.Kind, objectID, r.MMSI, r.IMO, r.ICAO24, r.Registration, r.Callsign, r.Name,
		r.EventTS, r.EventTS,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert object %s/%s: %w", r.Kind, objectID, err)
	}
	return nil
}

// UpsertPosition writes one position row. The composite primary key
// (object_id, event_ts_ms, source) makes repeats idempotent while keeping
// contributions from distinct sources at the same instant.
func (s *Store) UpsertPosition(ctx context.Context, r *track.FusedRecord) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO positions (object_id, kind, event_ts_ms, source, lat, lon, speed_kn, course, heading, altitude, vertical_rate, status, score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(object_id, event_ts_ms, source) DO UPDATE SET
			lat = excluded.lat, lon = excluded.lon,
			speed_kn = excluded.speed_kn, course = excluded.course, heading = excluded.heading,
			altitude = excluded.altitude, vertical_rate = excluded.vertical_rate,
			status = excluded.status, score = excluded.score`,
		primaryID(r), r.Kind, r.EventTS, r.Source, r.Lat, r.Lon,
		r.Speed, r.Course, r.Heading, r.Altitude, r.VerticalRate, r.Status, r.Score,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position for %s@%d: %w", primaryID(r), r.EventTS, err)
	}
	return nil
}

// Positions reads a position range for one object, newest first, with
// limit/offset paging.
func (s *Store) Positions(ctx context.Context, objectID string, fromMS, toMS int64, limit, offset int) ([]PositionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.QueryContext(ctx, `
		SELECT object_id, kind, event_ts_ms, source, lat, lon, speed_kn, course, heading, altitude, vertical_rate, status, score
		FROM positions
		WHERE object_id = ? AND event_ts_ms BETWEEN ? AND ?
		ORDER BY event_ts_ms DESC
		LIMIT ? OFFSET ?`,
		objectID, fromMS, toMS, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var out []PositionRecord
	for rows.Next() {
		var p PositionRecord
		var score sql.NullFloat64
		if err := rows.Scan(&p.ObjectID, &p.Kind, &p.EventTS, &p.Source, &p.Lat, &p.Lon,
			&p.SpeedKn, &p.Course, &p.Heading, &p.Altitude, &p.VerticalRate, &p.Status, &score); err != nil {
			return nil, err
		}
		p.Score = score.Float64
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentObjects lists the most recently seen objects of a kind.
func (s *Store) RecentObjects(ctx context.Context, kind track.Kind, limit int) ([]ObjectRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.QueryContext(ctx, `
		SELECT kind, object_id, COALESCE(mmsi,''), COALESCE(imo,''), COALESCE(icao24,''),
		       COALESCE(registration,''), COALESCE(callsign,''), COALESCE(name,''), COALESCE(operator,''),
		       COALESCE(first_seen_ms,0), COALESCE(last_seen_ms,0)
		FROM objects WHERE kind = ?
		ORDER BY last_seen_ms DESC LIMIT ?`,
		kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	defer rows.Close()

	var out []ObjectRecord
	for rows.Next() {
		var o ObjectRecord
		if err := rows.Scan(&o.Kind, &o.ObjectID, &o.MMSI, &o.IMO, &o.ICAO24,
			&o.Registration, &o.Callsign, &o.Name, &o.Operator,
			&o.FirstSeenMS, &o.LastSeenMS); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// publishedAtLayout is fixed-width ISO-8601 UTC with millisecond
// precision so lexical comparison in SQL matches chronological order.
const publishedAtLayout = "2006-01-02T15:04:05.000Z"

// MarkPublished durably records the last-published event time for a key.
// Timestamps are stored as ISO-8601 UTC. The update is conditional so a
// racing older write can never regress the watermark.
func (s *Store) MarkPublished(ctx context.Context, kind track.Kind, key string, eventTS int64) error {
	iso := time.UnixMilli(eventTS).UTC().Format(publishedAtLayout)
	_, err := s.ExecContext(ctx, `
		INSERT INTO last_published (kind, key, published_at) VALUES (?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET published_at = excluded.published_at
		WHERE excluded.published_at > last_published.published_at`,
		kind, key, iso,
	)
	if err != nil {
		return fmt.Errorf("failed to mark published %s/%s: %w", kind, key, err)
	}
	return nil
}

// LoadLastPublished reads every watermark as (kind, key) -> event ms, for
// seeding the in-memory mirror at startup. Unparseable rows are skipped.
func (s *Store) LoadLastPublished(ctx context.Context) (map[track.Identity]int64, error) {
	rows, err := s.QueryContext(ctx, `SELECT kind, key, published_at FROM last_published`)
	if err != nil {
		return nil, fmt.Errorf("failed to load last_published: %w", err)
	}
	defer rows.Close()

	out := make(map[track.Identity]int64)
	for rows.Next() {
		var kind, key, iso string
		if err := rows.Scan(&kind, &key, &iso); err != nil {
			return nil, err
		}
		t, err := time.Parse(publishedAtLayout, iso)
		if err != nil {
			continue
		}
		out[track.Identity{Kind: track.Kind(kind), Key: key}] = t.UnixMilli()
	}
	return out, rows.Err()
}

// primaryID follows the durable-upsert identity rule: MMSI for vessels,
// ICAO24 for aircraft, the fused key otherwise.
func primaryID(r *track.FusedRecord) string {
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
