// Replays an NDJSON telemetry capture through the full fusion path at a
// configurable speed, persisting to SQLite and optionally publishing to
// Redis. Useful for reproducing field captures against local stores.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/trackfuse/internal/fuse"
	"github.com/banshee-data/trackfuse/internal/normalize"
	"github.com/banshee-data/trackfuse/internal/pipeline"
	"github.com/banshee-data/trackfuse/internal/store/history"
	"github.com/banshee-data/trackfuse/internal/store/live"
	"github.com/banshee-data/trackfuse/internal/track"
	"github.com/banshee-data/trackfuse/internal/validate"
)

var (
	file      = flag.String("file", "", "NDJSON capture to replay (required)")
	dbFile    = flag.String("db", "trackfuse-replay.db", "Path to the SQLite history database")
	redisAddr = flag.String("redis", "", "Redis address for the realtime side (empty disables)")
	speed     = flag.Float64("speed", 10, "Replay speed multiplier; 0 replays as fast as possible")
	kindOnly  = flag.String("kind", "", "Replay only this kind (vessel or aircraft)")
)

type captureLine struct {
	Source string                 `json:"source"`
	Kind   track.Kind             `json:"kind"`
	Record map[string]interface{} `json:"record"`
}

func main() {
	flag.Parse()
	if *file == "" {
		log.Fatal("-file is required")
	}
	filter := track.Kind(*kindOnly)
	if filter != "" && !filter.Valid() {
		log.Fatalf("Invalid -kind %q", *kindOnly)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := history.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open history database: %v", err)
	}
	defer db.Close()

	var rtSink pipeline.RealtimeSink
	if *redisAddr != "" {
		rt, err := live.Connect(ctx, *redisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", *redisAddr, err)
		}
		defer rt.Close()
		rtSink = rt
	}

	scorer := fuse.NewScorer(nil)
	windows := fuse.NewWindowStore(fuse.WindowConfig{})
	decider := fuse.NewDecider(fuse.DeciderConfig{}, windows, fuse.NewMerger(scorer))
	smoother := fuse.NewSmoother(fuse.SmootherConfig{})
	publisher := pipeline.NewPublisher(pipeline.PublisherConfig{}, db, rtSink, windows, scorer, nil)
	pipe := pipeline.New(pipeline.Config{
		Tick: 100 * time.Millisecond,
	}, validate.New(validate.Config{}), windows, decider, smoother, publisher, time.Now)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		pipe.Run(runCtx)
		close(done)
	}()

	submitted, skipped := feed(ctx, pipe.Submit, filter)

	// Let the final tick flush before tearing the pipeline down.
	time.Sleep(500 * time.Millisecond)
	cancel()
	<-done

	st := pipe.Status()
	log.Printf("Replay complete: %d submitted, %d skipped, %d published, %d backfilled, %d rejected",
		submitted, skipped, st.Published, st.Backfilled, st.Rejected)
}

// feed streams the capture into the pipeline, pacing by event-time deltas
// scaled by -speed.
func feed(ctx context.Context, sink func(*track.NormMsg), filter track.Kind) (submitted, skipped int) {
	f, err := os.Open(*file)
	if err != nil {
		log.Fatalf("Failed to open capture: %v", err)
	}
	defer f.Close()

	var prevTS int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<22)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row captureLine
		if err := json.Unmarshal(line, &row); err != nil {
			skipped++
			continue
		}
		m, rej := normalize.Record(row.Source, row.Kind, row.Record)
		if rej != normalize.RejectNone {
			skipped++
			continue
		}
		if filter != "" && m.Kind != filter {
			skipped++
			continue
		}

		if *speed > 0 && prevTS > 0 && m.EventTS > prevTS {
			pause := time.Duration(float64(m.EventTS-prevTS)/(*speed)) * time.Millisecond
			select {
			case <-time.After(pause):
			case <-ctx.Done():
				return
			}
		}
		prevTS = m.EventTS

		sink(m)
		submitted++
	}
	if err := scanner.Err(); err != nil {
		log.Printf("Capture read ended early: %v", err)
	}
	return
}
