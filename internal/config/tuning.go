// Package config holds the runtime tuning surface for the fusion daemon.
// Values load from an optional JSON file and are then overridden by
// environment variables, so partial configs are safe in both layers.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TuningConfig represents the root configuration for tuning parameters.
// All fields are pointers so that "not set" is distinguishable from a zero
// value; the Get* methods supply defaults for nil fields.
type TuningConfig struct {
	// Window / validity params
	WindowMS          *int64   `json:"window_ms,omitempty"`
	AllowedLatenessMS *int64   `json:"allowed_lateness_ms,omitempty"`
	MaxEventAgeMS     *int64   `json:"max_event_age_ms,omitempty"`
	SpeedLimitKN      *float64 `json:"speed_limit_kn,omitempty"` // global cap override; nil/0 keeps per-kind caps

	// Smoother params
	Alpha          *float64 `json:"alpha,omitempty"`
	Beta           *float64 `json:"beta,omitempty"`
	MaxPredictionS *float64 `json:"max_prediction_s,omitempty"`
	MaxFilterAgeMS *int64   `json:"max_filter_age_ms,omitempty"`

	// Resource params
	IngestChanCap   *int `json:"ingest_chan_cap,omitempty"`
	WorkerPoolSize  *int `json:"worker_pool_size,omitempty"`
	MaxEventsPerKey *int `json:"max_events_per_key,omitempty"`
	MaxTrackedKeys  *int `json:"max_tracked_keys,omitempty"`

	// Orchestrator params
	TickMS          *int64 `json:"tick_ms,omitempty"`
	DrainDeadlineMS *int64 `json:"drain_deadline_ms,omitempty"`

	// Per-source weight overrides, keyed by source tag.
	SourceWeights map[string]float64 `json:"source_weights,omitempty"`

	// ADSB collector params
	ADSBCollectorEnabled   *bool   `json:"adsb_collector_enabled,omitempty"`
	ADSBCollectorIntervalS *int    `json:"adsb_collector_interval_s,omitempty"`
	ADSBLimitQuery         *int    `json:"adsb_limit_query,omitempty"`
	ADSBRedisHashKey       *string `json:"adsb_redis_hash_key,omitempty"`
	ADSBRedisTTL           *int    `json:"adsb_redis_ttl,omitempty"`
	ADSBExternalAPIURL     *string `json:"adsb_external_api_url,omitempty"`

	// Push hub (AIS) params
	AISHost                  *string `json:"ais_host,omitempty"`
	AISDevice                *string `json:"ais_device,omitempty"`
	AISUserID                *string `json:"ais_user_id,omitempty"`
	AISQuery                 *string `json:"ais_query,omitempty"`
	AISAutoTrigger           *bool   `json:"ais_auto_trigger,omitempty"`
	AISAutoTriggerIntervalMS *int64  `json:"ais_auto_trigger_interval_ms,omitempty"`
	AISQueryMinutes          *int    `json:"ais_query_minutes,omitempty"`
	AISQueryIncremental      *bool   `json:"ais_query_incremental,omitempty"`
	AISUsingLastUpdateTime   *bool   `json:"ais_using_last_update_time,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file and then applies
// environment overrides. The file is validated to ensure it has a .json
// extension and is under the max file size. Fields omitted from the JSON
// file retain their default values, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	// Validate the config file path.
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	cfg.ApplyEnv(os.Environ())

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// FromEnv builds a TuningConfig from the environment alone, for deployments
// without a config file.
func FromEnv() (*TuningConfig, error) {
	cfg := EmptyTuningConfig()
	cfg.ApplyEnv(os.Environ())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides config fields from "NAME=value" pairs, normally
// os.Environ(). Injectable so tests can supply their own environment.
// Unparseable values are ignored rather than fatal; Validate catches
// out-of-range results afterwards.
func (c *TuningConfig) ApplyEnv(environ []string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if name, value, ok := strings.Cut(kv, "="); ok {
			env[name] = value
		}
	}
	getenv := func(name string) string { return env[name] }
	envInt64 := func(name string, dst **int64) {
		if v := getenv(name); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = ptrInt64(n)
			}
		}
	}
	envInt := func(name string, dst **int) {
		if v := getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = ptrInt(n)
			}
		}
	}
	envFloat := func(name string, dst **float64) {
		if v := getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = ptrFloat64(f)
			}
		}
	}
	envBool := func(name string, dst **bool) {
		if v := getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = ptrBool(b)
			}
		}
	}
	envString := func(name string, dst **string) {
		if v := getenv(name); v != "" {
			*dst = ptrString(v)
		}
	}

	envInt64("WINDOW_MS", &c.WindowMS)
	envInt64("ALLOWED_LATENESS_MS", &c.AllowedLatenessMS)
	envInt64("MAX_EVENT_AGE_MS", &c.MaxEventAgeMS)
	envFloat("SPEED_LIMIT_KN", &c.SpeedLimitKN)

	envFloat("ALPHA", &c.Alpha)
	envFloat("BETA", &c.Beta)
	envFloat("MAX_PREDICTION_S", &c.MaxPredictionS)
	envInt64("MAX_FILTER_AGE_MS", &c.MaxFilterAgeMS)

	envInt("INGEST_CHAN_CAP", &c.IngestChanCap)
	envInt("WORKER_POOL_SIZE", &c.WorkerPoolSize)
	envInt("MAX_EVENTS_PER_KEY", &c.MaxEventsPerKey)
	envInt("MAX_TRACKED_KEYS", &c.MaxTrackedKeys)

	envInt64("TICK_MS", &c.TickMS)
	envInt64("DRAIN_DEADLINE_MS", &c.DrainDeadlineMS)

	envBool("ADSB_COLLECTOR_ENABLED", &c.ADSBCollectorEnabled)
	envInt("ADSB_COLLECTOR_INTERVAL_S", &c.ADSBCollectorIntervalS)
	envInt("ADSB_LIMIT_QUERY", &c.ADSBLimitQuery)
	envString("ADSB_REDIS_HASH_KEY", &c.ADSBRedisHashKey)
	envInt("ADSB_REDIS_TTL", &c.ADSBRedisTTL)
	envString("ADSB_EXTERNAL_API_URL", &c.ADSBExternalAPIURL)

	envString("AIS_HOST", &c.AISHost)
	envString("AIS_DEVICE", &c.AISDevice)
	envString("AIS_USER_ID", &c.AISUserID)
	envString("AIS_QUERY", &c.AISQuery)
	envBool("AIS_AUTO_TRIGGER", &c.AISAutoTrigger)
	envInt64("AIS_AUTO_TRIGGER_INTERVAL_MS", &c.AISAutoTriggerIntervalMS)
	envInt("AIS_QUERY_MINUTES", &c.AISQueryMinutes)
	envBool("AIS_QUERY_INCREMENTAL", &c.AISQueryIncremental)
	envBool("AIS_USING_LAST_UPDATE_TIME", &c.AISUsingLastUpdateTime)

	// SOURCE_WEIGHT_<NAME> overrides, e.g. SOURCE_WEIGHT_OPENSKY=0.9 sets
	// the weight for the "opensky" tag.
	for name, value := range env {
		if !strings.HasPrefix(name, "SOURCE_WEIGHT_") {
			continue
		}
		tag := strings.ToLower(strings.TrimPrefix(name, "SOURCE_WEIGHT_"))
		if tag == "" {
			continue
		}
		w, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		if c.SourceWeights == nil {
			c.SourceWeights = make(map[string]float64)
		}
		c.SourceWeights[tag] = w
	}
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.WindowMS != nil && *c.WindowMS <= 0 {
		return fmt.Errorf("window_ms must be positive, got %d", *c.WindowMS)
	}
	if c.AllowedLatenessMS != nil && *c.AllowedLatenessMS < 0 {
		return fmt.Errorf("allowed_lateness_ms must be non-negative, got %d", *c.AllowedLatenessMS)
	}
	if c.MaxEventAgeMS != nil && *c.MaxEventAgeMS <= 0 {
		return fmt.Errorf("max_event_age_ms must be positive, got %d", *c.MaxEventAgeMS)
	}
	if c.Alpha != nil && (*c.Alpha <= 0 || *c.Alpha > 1) {
		return fmt.Errorf("alpha must be in (0,1], got %f", *c.Alpha)
	}
	if c.Beta != nil && (*c.Beta <= 0 || *c.Beta > 1) {
		return fmt.Errorf("beta must be in (0,1], got %f", *c.Beta)
	}
	if c.IngestChanCap != nil && *c.IngestChanCap < 1 {
		return fmt.Errorf("ingest_chan_cap must be at least 1, got %d", *c.IngestChanCap)
	}
	if c.WorkerPoolSize != nil && *c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker_pool_size must be at least 1, got %d", *c.WorkerPoolSize)
	}
	if c.MaxEventsPerKey != nil && *c.MaxEventsPerKey < 1 {
		return fmt.Errorf("max_events_per_key must be at least 1, got %d", *c.MaxEventsPerKey)
	}
	if c.MaxTrackedKeys != nil && *c.MaxTrackedKeys < 1 {
		return fmt.Errorf("max_tracked_keys must be at least 1, got %d", *c.MaxTrackedKeys)
	}
	for tag, w := range c.SourceWeights {
		if w < 0 || w > 1 {
			return fmt.Errorf("source weight for %q must be between 0 and 1, got %f", tag, w)
		}
	}
	if c.ADSBRedisTTL != nil && *c.ADSBRedisTTL < 1 {
		return fmt.Errorf("adsb_redis_ttl must be at least 1 second, got %d", *c.ADSBRedisTTL)
	}
	return nil
}

// GetWindow returns the sliding window span.
func (c *TuningConfig) GetWindow() time.Duration {
	if c.WindowMS == nil {
		return 5 * time.Minute // default
	}
	return time.Duration(*c.WindowMS) * time.Millisecond
}

// GetAllowedLateness returns the realtime-publish lateness cutoff.
func (c *TuningConfig) GetAllowedLateness() time.Duration {
	if c.AllowedLatenessMS == nil {
		return 10 * time.Minute // default
	}
	return time.Duration(*c.AllowedLatenessMS) * time.Millisecond
}

// GetMaxEventAge returns the hard event-age gate.
func (c *TuningConfig) GetMaxEventAge() time.Duration {
	if c.MaxEventAgeMS == nil {
		return 24 * time.Hour // default
	}
	return time.Duration(*c.MaxEventAgeMS) * time.Millisecond
}

// GetSpeedLimitKN returns the global speed cap override in knots, or 0 when
// per-kind caps apply.
func (c *TuningConfig) GetSpeedLimitKN() float64 {
	if c.SpeedLimitKN == nil {
		return 0
	}
	return *c.SpeedLimitKN
}

// GetAlpha returns the smoother position gain.
func (c *TuningConfig) GetAlpha() float64 {
	if c.Alpha == nil {
		return 0.25 // default
	}
	return *c.Alpha
}

// GetBeta returns the smoother velocity gain.
func (c *TuningConfig) GetBeta() float64 {
	if c.Beta == nil {
		return 0.08 // default
	}
	return *c.Beta
}

// GetMaxPredictionS returns the dead-reckoning horizon in seconds.
func (c *TuningConfig) GetMaxPredictionS() float64 {
	if c.MaxPredictionS == nil {
		return 600 // default
	}
	return *c.MaxPredictionS
}

// GetMaxFilterAge returns how long an idle filter state is retained.
func (c *TuningConfig) GetMaxFilterAge() time.Duration {
	if c.MaxFilterAgeMS == nil {
		return 30 * time.Minute // default
	}
	return time.Duration(*c.MaxFilterAgeMS) * time.Millisecond
}

// GetIngestChanCap returns the bounded ingest channel capacity.
func (c *TuningConfig) GetIngestChanCap() int {
	if c.IngestChanCap == nil {
		return 8192 // default
	}
	return *c.IngestChanCap
}

// GetWorkerPoolSize returns the decide/publish worker count.
func (c *TuningConfig) GetWorkerPoolSize() int {
	if c.WorkerPoolSize == nil {
		return 4 // default
	}
	return *c.WorkerPoolSize
}

// GetMaxEventsPerKey returns the per-key window capacity.
func (c *TuningConfig) GetMaxEventsPerKey() int {
	if c.MaxEventsPerKey == nil {
		return 256 // default
	}
	return *c.MaxEventsPerKey
}

// GetMaxTrackedKeys returns the key cardinality bound.
func (c *TuningConfig) GetMaxTrackedKeys() int {
	if c.MaxTrackedKeys == nil {
		return 200000 // default
	}
	return *c.MaxTrackedKeys
}

// GetTick returns the orchestrator decide-tick interval.
func (c *TuningConfig) GetTick() time.Duration {
	if c.TickMS == nil {
		return time.Second // default
	}
	return time.Duration(*c.TickMS) * time.Millisecond
}

// GetDrainDeadline returns the cooperative shutdown drain deadline.
func (c *TuningConfig) GetDrainDeadline() time.Duration {
	if c.DrainDeadlineMS == nil {
		return 5 * time.Second // default
	}
	return time.Duration(*c.DrainDeadlineMS) * time.Millisecond
}

// GetADSBCollectorEnabled reports whether the ADSB queue collector runs.
func (c *TuningConfig) GetADSBCollectorEnabled() bool {
	if c.ADSBCollectorEnabled == nil {
		return true // default
	}
	return *c.ADSBCollectorEnabled
}

// GetADSBCollectorInterval returns the ADSB pull cadence.
func (c *TuningConfig) GetADSBCollectorInterval() time.Duration {
	if c.ADSBCollectorIntervalS == nil {
		return 30 * time.Second // default
	}
	return time.Duration(*c.ADSBCollectorIntervalS) * time.Second
}

// GetADSBLimitQuery returns the row cap for ADSB history queries.
func (c *TuningConfig) GetADSBLimitQuery() int {
	if c.ADSBLimitQuery == nil {
		return 500 // default
	}
	return *c.ADSBLimitQuery
}

// GetADSBRedisHashKey returns the hash key for current flight state.
func (c *TuningConfig) GetADSBRedisHashKey() string {
	if c.ADSBRedisHashKey == nil || *c.ADSBRedisHashKey == "" {
		return "adsb:current_flights" // default
	}
	return *c.ADSBRedisHashKey
}

// GetADSBRedisTTL returns the TTL for the current-flights hash.
func (c *TuningConfig) GetADSBRedisTTL() time.Duration {
	if c.ADSBRedisTTL == nil {
		return 300 * time.Second // default
	}
	return time.Duration(*c.ADSBRedisTTL) * time.Second
}

// GetADSBExternalAPIURL returns the upstream ADSB endpoint base URL.
func (c *TuningConfig) GetADSBExternalAPIURL() string {
	if c.ADSBExternalAPIURL == nil {
		return ""
	}
	return *c.ADSBExternalAPIURL
}

// GetAISHost returns the push hub base URL.
func (c *TuningConfig) GetAISHost() string {
	if c.AISHost == nil {
		return ""
	}
	return *c.AISHost
}

// GetAISDevice returns the device tag sent on hub connect.
func (c *TuningConfig) GetAISDevice() string {
	if c.AISDevice == nil || *c.AISDevice == "" {
		return "web" // default
	}
	return *c.AISDevice
}

// GetAISUserID returns the hub user id.
func (c *TuningConfig) GetAISUserID() string {
	if c.AISUserID == nil {
		return ""
	}
	return *c.AISUserID
}

// GetAISQuery returns the fixed hub query text, if any.
func (c *TuningConfig) GetAISQuery() string {
	if c.AISQuery == nil {
		return ""
	}
	return *c.AISQuery
}

// GetAISAutoTrigger reports whether the hub adapter issues periodic queries.
func (c *TuningConfig) GetAISAutoTrigger() bool {
	if c.AISAutoTrigger == nil {
		return true // default
	}
	return *c.AISAutoTrigger
}

// GetAISAutoTriggerInterval returns the periodic query cadence.
func (c *TuningConfig) GetAISAutoTriggerInterval() time.Duration {
	if c.AISAutoTriggerIntervalMS == nil {
		return 30 * time.Second // default
	}
	return time.Duration(*c.AISAutoTriggerIntervalMS) * time.Millisecond
}

// GetAISQueryMinutes returns the lookback minutes for windowed queries.
func (c *TuningConfig) GetAISQueryMinutes() int {
	if c.AISQueryMinutes == nil {
		return 5 // default
	}
	return *c.AISQueryMinutes
}

// GetAISQueryIncremental reports whether the hub adapter advances its
// lookback from the newest event seen rather than a fixed window.
func (c *TuningConfig) GetAISQueryIncremental() bool {
	if c.AISQueryIncremental == nil {
		return true // default
	}
	return *c.AISQueryIncremental
}

// GetAISUsingLastUpdateTime reports whether hub query payloads set the
// UsingLastUpdateTime flag.
func (c *TuningConfig) GetAISUsingLastUpdateTime() bool {
	if c.AISUsingLastUpdateTime == nil {
		return true // default
	}
	return *c.AISUsingLastUpdateTime
}
