// The fusion daemon: ingests vessel and aircraft telemetry from every
// enabled adapter, fuses per-key windows, and fans published records out
// to Redis and SQLite while serving the admin API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/trackfuse/internal/api"
	"github.com/banshee-data/trackfuse/internal/config"
	"github.com/banshee-data/trackfuse/internal/fuse"
	"github.com/banshee-data/trackfuse/internal/ingest/adsb"
	"github.com/banshee-data/trackfuse/internal/ingest/hub"
	"github.com/banshee-data/trackfuse/internal/ingest/redisq"
	"github.com/banshee-data/trackfuse/internal/normalize"
	"github.com/banshee-data/trackfuse/internal/pipeline"
	"github.com/banshee-data/trackfuse/internal/pubsub"
	"github.com/banshee-data/trackfuse/internal/store/history"
	"github.com/banshee-data/trackfuse/internal/store/live"
	"github.com/banshee-data/trackfuse/internal/track"
	"github.com/banshee-data/trackfuse/internal/units"
	"github.com/banshee-data/trackfuse/internal/validate"
	"github.com/banshee-data/trackfuse/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to a tuning config JSON file (environment applies on top)")
	dbFile       = flag.String("db", "trackfuse.db", "Path to the SQLite history database")
	redisAddr    = flag.String("redis", "", "Redis address for the realtime side (empty disables)")
	listen       = flag.String("listen", ":8080", "HTTP listen address for the admin API")
	disableHub   = flag.Bool("disable-hub", false, "Do not start the vessel push-hub adapter")
	disableADSB  = flag.Bool("disable-adsb", false, "Do not start the ADSB stream puller")
	disableQueue = flag.Bool("disable-queue", false, "Do not start the ADSB queue worker")
	replayFile   = flag.String("replay", "", "Replay an NDJSON capture into the pipeline at startup")
	apiUnits     = flag.String("units", units.KN, "Default speed unit for history reads")
	verbose      = flag.Bool("verbose", false, "Enable all pipeline log streams")
	logOps       = flag.Bool("log-ops", true, "Log pipeline ops stream (warnings, data loss)")
	logDiag      = flag.Bool("log-diag", false, "Log pipeline diag stream (conflicts, pruning)")
	logTrace     = flag.Bool("log-trace", false, "Log pipeline trace stream (per-message)")
)

func main() {
	flag.Parse()
	log.Print(version.String())

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	setLogStreams()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := history.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open history database: %v", err)
	}
	defer db.Close()

	var rt *live.Store
	if *redisAddr != "" {
		rt, err = live.Connect(ctx, *redisAddr)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", *redisAddr, err)
		}
		defer rt.Close()
	}

	scorer := fuse.NewScorer(cfg.SourceWeights)
	windows := fuse.NewWindowStore(fuse.WindowConfig{
		Window:          cfg.GetWindow(),
		MaxEventsPerKey: cfg.GetMaxEventsPerKey(),
		MaxTrackedKeys:  cfg.GetMaxTrackedKeys(),
	})
	decider := fuse.NewDecider(fuse.DeciderConfig{
		AllowedLateness: cfg.GetAllowedLateness(),
		MaxEventAge:     cfg.GetMaxEventAge(),
	}, windows, fuse.NewMerger(scorer))
	smoother := fuse.NewSmoother(fuse.SmootherConfig{
		Alpha:          cfg.GetAlpha(),
		Beta:           cfg.GetBeta(),
		MaxPredictionS: cfg.GetMaxPredictionS(),
		MaxFilterAge:   cfg.GetMaxFilterAge(),
	})
	validator := validate.New(validate.Config{
		MaxEventAge:  cfg.GetMaxEventAge(),
		SpeedLimitKN: cfg.GetSpeedLimitKN(),
	})

	// Restore watermarks so a restart does not re-publish old records.
	marks, err := db.LoadLastPublished(ctx)
	if err != nil {
		log.Fatalf("Failed to load publish watermarks: %v", err)
	}
	windows.SeedLastPublished(marks)
	log.Printf("Seeded %d publish watermarks from history", len(marks))

	bus := pubsub.New[*track.FusedRecord](pubsub.DefaultBuffer)
	defer bus.Close()

	var rtSink pipeline.RealtimeSink
	if rt != nil {
		rtSink = rt
	}
	publisher := pipeline.NewPublisher(pipeline.PublisherConfig{
		AllowedLateness: cfg.GetAllowedLateness(),
	}, db, rtSink, windows, scorer, bus)

	pipe := pipeline.New(pipeline.Config{
		IngestCap:     cfg.GetIngestChanCap(),
		Workers:       cfg.GetWorkerPoolSize(),
		Tick:          cfg.GetTick(),
		DrainDeadline: cfg.GetDrainDeadline(),
	}, validator, windows, decider, smoother, publisher, time.Now)

	startAdapters(ctx, cfg, pipe, rt, db, scorer)

	segments := history.NewSegmentWorker(db, 0)
	segments.Start()
	defer segments.Stop()

	srv := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(api.NewServer(pipe, db, bus, smoother, *apiUnits).ServeMux()),
	}
	go func() {
		log.Printf("Admin API listening on %s", *listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("API server failed: %v", err)
		}
	}()

	if *replayFile != "" {
		go func() {
			if err := replay(ctx, *replayFile, pipe.Submit); err != nil {
				log.Printf("Replay failed: %v", err)
			}
		}()
	}

	pipe.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	log.Print("Shutdown complete")
}

func loadConfig() (*config.TuningConfig, error) {
	if *configPath != "" {
		return config.LoadTuningConfig(*configPath)
	}
	return config.FromEnv()
}

func setLogStreams() {
	var ops, diag, trace *os.File
	if *logOps || *verbose {
		ops = os.Stderr
	}
	if *logDiag || *verbose {
		diag = os.Stderr
	}
	if *logTrace || *verbose {
		trace = os.Stderr
	}
	pipeline.SetLogWriters(writerOrNil(ops), writerOrNil(diag), writerOrNil(trace))
}

// writerOrNil avoids handing SetLogWriters a typed-nil *os.File.
func writerOrNil(f *os.File) io.Writer {
	if f == nil {
		return nil
	}
	return f
}

// startAdapters launches every enabled ingest adapter and registers its
// status snapshot with the pipeline.
func startAdapters(ctx context.Context, cfg *config.TuningConfig, pipe *pipeline.Pipeline, rt *live.Store, db *history.Store, scorer *fuse.Scorer) {
	if !*disableHub && cfg.GetAISHost() != "" {
		h := hub.New(hub.Config{
			Host:                cfg.GetAISHost(),
			Device:              cfg.GetAISDevice(),
			UserID:              cfg.GetAISUserID(),
			Query:               cfg.GetAISQuery(),
			AutoTrigger:         cfg.GetAISAutoTrigger(),
			TriggerInterval:     cfg.GetAISAutoTriggerInterval(),
			QueryMinutes:        cfg.GetAISQueryMinutes(),
			Incremental:         cfg.GetAISQueryIncremental(),
			UsingLastUpdateTime: cfg.GetAISUsingLastUpdateTime(),
		}, pipe.Submit)
		pipe.RegisterAdapterStatus("hub", func() any { return h.Status() })
		go h.Run(ctx)
		log.Printf("Hub adapter started against %s", cfg.GetAISHost())
	}

	if !*disableADSB && cfg.GetADSBExternalAPIURL() != "" {
		p := adsb.NewPuller(adsb.StreamConfig{
			BaseURL:  cfg.GetADSBExternalAPIURL(),
			Interval: cfg.GetADSBCollectorInterval(),
		}, pipe.Submit)
		pipe.RegisterAdapterStatus("adsb", func() any { return p.Status() })
		go p.Run(ctx)
		log.Printf("ADSB stream puller started against %s", cfg.GetADSBExternalAPIURL())
	}

	if !*disableQueue && cfg.GetADSBCollectorEnabled() && rt != nil {
		var upstream *adsb.Client
		if cfg.GetADSBExternalAPIURL() != "" {
			upstream = adsb.NewClient(cfg.GetADSBExternalAPIURL(), nil)
		}
		w := redisq.New(redisq.Config{
			HashKey:  cfg.GetADSBRedisHashKey(),
			HashTTL:  cfg.GetADSBRedisTTL(),
			Upstream: upstream,
		}, rt, db, scorer, pipe.Submit)
		pipe.RegisterAdapterStatus("redisq", func() any { return w.Status() })
		go w.Run(ctx)
		log.Print("ADSB queue worker started")
	}
}

// replayLine is one NDJSON capture row.
type replayLine struct {
	Source string                 `json:"source"`
	Kind   track.Kind             `json:"kind"`
	Record map[string]interface{} `json:"record"`
}

// replay feeds a capture file through the normalizer into the pipeline.
func replay(ctx context.Context, path string, sink func(*track.NormMsg)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var total, bad int
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<22)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var row replayLine
		if err := json.Unmarshal(line, &row); err != nil {
			bad++
			continue
		}
		m, rej := normalize.Record(row.Source, row.Kind, row.Record)
		if rej != normalize.RejectNone {
			bad++
			continue
		}
		sink(m)
		total++
	}
	log.Printf("Replay finished: %d records submitted, %d skipped", total, bad)
	return scanner.Err()
}
