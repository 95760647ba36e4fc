// Rebuilds track segments from stored positions over a historical range,
// or runs the segment worker on a loop against a live database. With
// -upstream it first imports historical ADSB positions from the external
// query endpoint before segmenting.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/banshee-data/trackfuse/internal/config"
	"github.com/banshee-data/trackfuse/internal/ingest/adsb"
	"github.com/banshee-data/trackfuse/internal/normalize"
	"github.com/banshee-data/trackfuse/internal/store/history"
	"github.com/banshee-data/trackfuse/internal/track"
)

func main() {
	var dbPath string
	var startStr string
	var endStr string
	var gapSeconds int
	var loop bool
	var intervalStr string
	var upstreamURL string
	var hexident string
	var queryLimit int

	flag.StringVar(&dbPath, "db", "trackfuse.db", "path to sqlite db")
	flag.StringVar(&startStr, "start", "", "start time (RFC3339)")
	flag.StringVar(&endStr, "end", "", "end time (RFC3339)")
	flag.IntVar(&gapSeconds, "gap", 600, "segment split threshold in seconds")
	flag.BoolVar(&loop, "loop", false, "run the worker on a cadence instead of a fixed range")
	flag.StringVar(&intervalStr, "interval", "15m", "cadence for -loop")
	flag.StringVar(&upstreamURL, "upstream", "", "external ADSB base URL; import positions for the range before segmenting")
	flag.StringVar(&hexident, "hex", "", "restrict the upstream import to one hexident")
	flag.IntVar(&queryLimit, "limit", 0, "row cap per upstream query (0 takes the configured default)")
	flag.Parse()

	db, err := history.Open(dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	w := history.NewSegmentWorker(db, time.Duration(gapSeconds)*time.Second)

	if loop {
		interval, err := time.ParseDuration(intervalStr)
		if err != nil {
			log.Fatalf("invalid interval: %v", err)
		}
		w.Interval = interval
		log.Printf("running segment worker every %s (ctrl-c to stop)", interval)
		for {
			if err := w.RunOnce(context.Background()); err != nil {
				log.Printf("run error: %v", err)
			}
			time.Sleep(interval)
		}
	}

	if startStr == "" || endStr == "" {
		log.Fatalf("start and end must be provided (or use -loop)")
	}
	startT, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		log.Fatalf("invalid start: %v", err)
	}
	endT, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		log.Fatalf("invalid end: %v", err)
	}

	if upstreamURL != "" {
		if queryLimit <= 0 {
			cfg, err := config.FromEnv()
			if err != nil {
				log.Fatalf("load config: %v", err)
			}
			queryLimit = cfg.GetADSBLimitQuery()
		}
		n, err := importUpstream(context.Background(), db, upstreamURL, hexident, queryLimit, startT, endT)
		if err != nil {
			log.Fatalf("upstream import failed: %v", err)
		}
		log.Printf("imported %d positions from %s", n, upstreamURL)
	}

	// cover the range in worker-sized windows with no overlap
	t := startT.UTC()
	for t.Before(endT.UTC()) {
		windowStart := t
		windowEnd := t.Add(w.Window)
		if windowEnd.After(endT.UTC()) {
			windowEnd = endT.UTC()
		}
		fmt.Printf("backfilling window %s -> %s\n", windowStart, windowEnd)
		if err := w.RunRange(context.TODO(), windowStart.UnixMilli(), windowEnd.UnixMilli()); err != nil {
			log.Fatalf("runrange failed: %v", err)
		}
		t = windowEnd
	}

	fmt.Println("backfill complete")
}

// importUpstream pulls historical aircraft positions from the external
// query endpoint and upserts them, so segmenting can run over ranges the
// local store never saw live.
func importUpstream(ctx context.Context, db *history.Store, baseURL, hexident string, limit int, start, end time.Time) (int, error) {
	client := adsb.NewClient(baseURL, nil)
	rows, err := client.Query(ctx, adsb.QueryRequest{
		Hexident: hexident,
		FromMS:   start.UnixMilli(),
		ToMS:     end.UnixMilli(),
		Limit:    limit,
	})
	if err != nil {
		return 0, err
	}

	var stored int
	for _, row := range rows {
		m, rej := normalize.Record(track.SourceADSBExchange, track.KindAircraft, adsb.CanonicalizeKeys(row))
		if rej != normalize.RejectNone {
			continue
		}
		rec := m.Fused()
		if err := db.UpsertObject(ctx, rec); err != nil {
			return stored, err
		}
		if err := db.UpsertPosition(ctx, rec); err != nil {
			return stored, err
		}
		stored++
	}
	return stored, nil
}
