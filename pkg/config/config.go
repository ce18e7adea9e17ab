package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig parameterizes an exponential backoff retry loop.
type RetryConfig struct {
	MaxAttempts       int     `yaml:"max_attempts"`
	InitialBackoffMs  int     `yaml:"initial_backoff_ms"`
	MaxBackoffMs      int     `yaml:"max_backoff_ms"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
}

// InitialBackoff returns the initial backoff as a duration.
func (r RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff ceiling as a duration.
func (r RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// CircuitBreakerConfig holds the breaker thresholds.
type CircuitBreakerConfig struct {
	FailureThreshold    float64 `yaml:"failure_threshold"`
	RecoveryTimeoutSecs int     `yaml:"recovery_timeout_secs"`
	WindowSecs          int     `yaml:"window_secs"`
	MinSamples          int     `yaml:"min_samples"`
	HalfOpenSuccesses   int     `yaml:"half_open_successes"`
}

// RecoveryTimeout returns the open-state cooldown as a duration.
func (c CircuitBreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(c.RecoveryTimeoutSecs) * time.Second
}

// Window returns the sliding error window as a duration.
func (c CircuitBreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowSecs) * time.Second
}

// DLQConfig bounds the dead-letter queue.
type DLQConfig struct {
	MaxSize            int   `yaml:"max_size"`
	TTLSecs            int64 `yaml:"ttl_secs"`
	CleanupIntervalSec int   `yaml:"cleanup_interval_secs"`
}

// TTL returns the entry time-to-live as a duration.
func (c DLQConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// CleanupInterval returns the background cleanup cadence.
func (c DLQConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

// StorageConfig groups storage-plane settings.
type StorageConfig struct {
	Retry          RetryConfig          `yaml:"retry"`
	ManifestRetry  RetryConfig          `yaml:"manifest_retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	DLQ            DLQConfig            `yaml:"dlq"`
	UploadQueueLen int                  `yaml:"upload_queue_len"`
}

// HNSWConfig holds graph-index parameters.
type HNSWConfig struct {
	M                   int `yaml:"m"`
	EfConstruction      int `yaml:"ef_construction"`
	EfSearch            int `yaml:"ef_search"`
	MinVectorsThreshold int `yaml:"min_vectors_threshold"`
}

// NativeConfig bounds the brute-force index.
type NativeConfig struct {
	MaxVectors int `yaml:"max_vectors"`
}

// IndexConfig groups vector-index settings.
type IndexConfig struct {
	HNSW   HNSWConfig   `yaml:"hnsw"`
	Native NativeConfig `yaml:"native"`
}

// QueryConfig bounds the filter DSL and batch fan-out.
type QueryConfig struct {
	MaxFilterDepth      int `yaml:"max_filter_depth"`
	MaxFilterClauses    int `yaml:"max_filter_clauses"`
	ParallelSegments    int `yaml:"parallel_segments"`
	MaxParallelSegments int `yaml:"max_parallel_segments"`
}

// CacheConfig bounds the query result cache.
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSecs    int `yaml:"ttl_secs"`
}

// TTL returns the cache entry time-to-live.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// ValidationConfig holds the boundary limits.
type ValidationConfig struct {
	CollectionNameMaxLength int `yaml:"collection_name_max_length"`
	VectorDimensionMin      int `yaml:"vector_dimension_min"`
	VectorDimensionMax      int `yaml:"vector_dimension_max"`
	TopKMin                 int `yaml:"top_k_min"`
	TopKMax                 int `yaml:"top_k_max"`
	BatchSizeMax            int `yaml:"batch_size_max"`
}

// APIConfig groups boundary settings.
type APIConfig struct {
	Validation ValidationConfig `yaml:"validation"`
}

// TieringConfig holds tier TTLs and promotion thresholds.
type TieringConfig struct {
	HotTierTTLHours       int `yaml:"hot_tier_ttl_hours"`
	WarmTierTTLDays       int `yaml:"warm_tier_ttl_days"`
	HotPromotionThreshold int `yaml:"hot_promotion_threshold"`
	AccessWindowHours     int `yaml:"access_window_hours"`
	WorkerIntervalSecs    int `yaml:"worker_interval_secs"`
}

// HotTTL returns the hot-tier idle TTL.
func (c TieringConfig) HotTTL() time.Duration {
	return time.Duration(c.HotTierTTLHours) * time.Hour
}

// WarmTTL returns the warm-tier idle TTL.
func (c TieringConfig) WarmTTL() time.Duration {
	return time.Duration(c.WarmTierTTLDays) * 24 * time.Hour
}

// AccessWindow returns the rolling promotion window.
func (c TieringConfig) AccessWindow() time.Duration {
	return time.Duration(c.AccessWindowHours) * time.Hour
}

// WorkerInterval returns the background worker cadence.
func (c TieringConfig) WorkerInterval() time.Duration {
	return time.Duration(c.WorkerIntervalSecs) * time.Second
}

// S3Config holds the S3-compatible object store settings.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// Config is the root configuration object.
type Config struct {
	DataDir string        `yaml:"data_dir"`
	S3      *S3Config     `yaml:"s3,omitempty"`
	Storage StorageConfig `yaml:"storage"`
	Index   IndexConfig   `yaml:"index"`
	Query   QueryConfig   `yaml:"query"`
	Cache   CacheConfig   `yaml:"cache"`
	API     APIConfig     `yaml:"api"`
	Tiering TieringConfig `yaml:"tiering"`
	Log     LogConfig     `yaml:"log"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration with all documented defaults.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Storage: StorageConfig{
			Retry: RetryConfig{
				MaxAttempts:       5,
				InitialBackoffMs:  100,
				MaxBackoffMs:      30_000,
				BackoffMultiplier: 2.0,
			},
			ManifestRetry: RetryConfig{
				MaxAttempts:       8,
				InitialBackoffMs:  20,
				MaxBackoffMs:      2_000,
				BackoffMultiplier: 2.0,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold:    0.5,
				RecoveryTimeoutSecs: 300,
				WindowSecs:          60,
				MinSamples:          10,
				HalfOpenSuccesses:   10,
			},
			DLQ: DLQConfig{
				MaxSize:            10_000,
				TTLSecs:            604_800, // 7 days
				CleanupIntervalSec: 3_600,
			},
			UploadQueueLen: 256,
		},
		Index: IndexConfig{
			HNSW: HNSWConfig{
				M:                   16,
				EfConstruction:      200,
				EfSearch:            100,
				MinVectorsThreshold: 10_000,
			},
			Native: NativeConfig{MaxVectors: 10_000},
		},
		Query: QueryConfig{
			MaxFilterDepth:      32,
			MaxFilterClauses:    128,
			ParallelSegments:    4,
			MaxParallelSegments: 16,
		},
		Cache: CacheConfig{
			MaxEntries: 10_000,
			TTLSecs:    300,
		},
		API: APIConfig{
			Validation: ValidationConfig{
				CollectionNameMaxLength: 255,
				VectorDimensionMin:      16,
				VectorDimensionMax:      4096,
				TopKMin:                 1,
				TopKMax:                 1000,
				BatchSizeMax:            100,
			},
		},
		Tiering: TieringConfig{
			HotTierTTLHours:       6,
			WarmTierTTLDays:       7,
			HotPromotionThreshold: 10,
			AccessWindowHours:     1,
			WorkerIntervalSecs:    300,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	v := c.API.Validation
	if v.VectorDimensionMin < 1 || v.VectorDimensionMax < v.VectorDimensionMin {
		return fmt.Errorf("invalid vector dimension bounds [%d, %d]", v.VectorDimensionMin, v.VectorDimensionMax)
	}
	if c.Storage.Retry.MaxAttempts < 1 {
		return fmt.Errorf("storage.retry.max_attempts must be >= 1")
	}
	if c.Storage.CircuitBreaker.FailureThreshold <= 0 || c.Storage.CircuitBreaker.FailureThreshold > 1 {
		return fmt.Errorf("storage.circuit_breaker.failure_threshold must be in (0, 1]")
	}
	if c.Query.MaxFilterDepth < 1 || c.Query.MaxFilterClauses < 1 {
		return fmt.Errorf("query filter limits must be >= 1")
	}
	return nil
}
