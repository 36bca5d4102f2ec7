// Package cache defines the contract shared by all response-cache backends:
// the stored entry shape, the backend capability set, statistics, and the
// configuration surface.
package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmcache/pkg/types"
)

// BackendType selects the concrete store implementation.
type BackendType string

const (
	BackendMemory BackendType = "memory" // In-process LRU store
	BackendRedis  BackendType = "redis"  // Distributed Redis store
	BackendDisk   BackendType = "disk"   // Local filesystem store
)

// HealthCheckKey is reserved for backend health probes and never holds a
// real response.
const HealthCheckKey = "__health_check__"

// EvictReason explains why an entry left the cache.
type EvictReason string

const (
	EvictLRU    EvictReason = "lru"    // Removed to satisfy a capacity bound
	EvictTTL    EvictReason = "ttl"    // Removed because it expired
	EvictManual EvictReason = "manual" // Removed by an explicit delete
)

// EvictFunc is invoked by a backend whenever it removes an entry on its
// own initiative (capacity eviction or lazy expiration). It must not call
// back into the backend.
type EvictFunc func(key string, reason EvictReason, sizeBytes int64)

// Metadata carries informational fields attached to an entry. None of it
// is load-bearing for cache correctness.
type Metadata struct {
	TokensUsed    *types.Usage      `json:"tokens_used,omitempty"`
	EstimatedCost float64           `json:"estimated_cost,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Entry is the atomic unit of storage.
type Entry struct {
	Key            string          `json:"key"`
	Response       json.RawMessage `json:"response"`
	Usage          *types.Usage    `json:"usage,omitempty"`
	PromptHash     string          `json:"prompt_hash"`
	Model          string          `json:"model"`
	Provider       types.Provider  `json:"provider"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	CreatedAt      int64           `json:"created_at"`       // Unix ms
	LastAccessedAt int64           `json:"last_accessed_at"` // Unix ms
	AccessCount    int64           `json:"access_count"`
	TTL            time.Duration   `json:"ttl"`        // 0 means never expires
	ExpiresAt      int64           `json:"expires_at"` // Unix ms; 0 when TTL is 0
	SizeBytes      int64           `json:"size_bytes"`
	Metadata       Metadata        `json:"metadata"`
}

// Expired reports whether the entry's TTL has elapsed at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && e.ExpiresAt <= now.UnixMilli()
}

// Touch records an access at the given time.
func (e *Entry) Touch(now time.Time) {
	e.LastAccessedAt = now.UnixMilli()
	e.AccessCount++
}

// Clone returns a deep copy so callers can never mutate stored state.
func (e *Entry) Clone() *Entry {
	cp := *e
	if e.Response != nil {
		cp.Response = append(json.RawMessage(nil), e.Response...)
	}
	if e.Parameters != nil {
		cp.Parameters = append(json.RawMessage(nil), e.Parameters...)
	}
	if e.Usage != nil {
		u := *e.Usage
		cp.Usage = &u
	}
	if e.Metadata.TokensUsed != nil {
		u := *e.Metadata.TokensUsed
		cp.Metadata.TokensUsed = &u
	}
	if e.Metadata.Tags != nil {
		tags := make(map[string]string, len(e.Metadata.Tags))
		for k, v := range e.Metadata.Tags {
			tags[k] = v
		}
		cp.Metadata.Tags = tags
	}
	return &cp
}

// Backend is the capability set every store implements. All operations
// honor the context and may fail with a backend-specific error; absence of
// an entry is nil, nil on Get, never an error.
type Backend interface {
	// Get returns the entry for key, or nil if absent or expired. Expired
	// entries are removed before returning. A successful Get updates the
	// entry's access metadata.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores the entry under key, replacing any existing one.
	Set(ctx context.Context, key string, entry *Entry) error

	// Delete removes the entry and reports whether one was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// Keys lists the keys of all stored entries.
	Keys(ctx context.Context) ([]string, error)

	// Size returns the current entry count.
	Size(ctx context.Context) (int, error)

	// Has reports whether a live (non-expired) entry exists for key.
	Has(ctx context.Context, key string) (bool, error)

	// HealthCheck reports whether the backend is operational.
	HealthCheck(ctx context.Context) (bool, error)

	// Close releases backend resources.
	Close() error
}

// Sweeper is implemented by backends that can drop all expired entries in
// a single pass. The manager prefers it over the generic key-walk.
type Sweeper interface {
	// RemoveExpired deletes every expired entry and returns how many were
	// removed.
	RemoveExpired(ctx context.Context) (int, error)
}

// Dumper is implemented by backends that can enumerate entries without
// mutating access metadata. Snapshot export prefers it over a key walk.
type Dumper interface {
	// Entries returns copies of all live entries.
	Entries(ctx context.Context) ([]*Entry, error)
}

// Stats is a point-in-time snapshot of cache statistics.
type Stats struct {
	Hits            int64         `json:"hits"`
	Misses          int64         `json:"misses"`
	HitRate         float64       `json:"hit_rate"`
	Entries         int64         `json:"entries"`
	SizeBytes       int64         `json:"size_bytes"`
	AvgHitLatency   time.Duration `json:"avg_hit_latency"`
	AvgMissOverhead time.Duration `json:"avg_miss_overhead"`
	TokensSaved     int64         `json:"tokens_saved"`
	CostSaved       float64       `json:"cost_saved"`
	Evictions       int64         `json:"evictions"`
	Expirations     int64         `json:"expirations"`
	LastReset       int64         `json:"last_reset"` // Unix ms
}

// Normalization controls how prompt text and parameters are canonicalized
// before hashing.
type Normalization struct {
	NormalizeWhitespace bool `yaml:"normalize_whitespace" json:"normalize_whitespace"`
	CaseSensitive       bool `yaml:"case_sensitive" json:"case_sensitive"`
	IgnorePunctuation   bool `yaml:"ignore_punctuation" json:"ignore_punctuation"`
	SortJSONKeys        bool `yaml:"sort_json_keys" json:"sort_json_keys"`
}

// DefaultNormalization returns the normalization policy used when none is
// configured: whitespace collapsed, case-insensitive, punctuation kept,
// JSON keys sorted.
func DefaultNormalization() Normalization {
	return Normalization{
		NormalizeWhitespace: true,
		CaseSensitive:       false,
		IgnorePunctuation:   false,
		SortJSONKeys:        true,
	}
}

// RedisConfig configures the distributed backend.
type RedisConfig struct {
	Host              string        `yaml:"host" json:"host"`
	Port              int           `yaml:"port" json:"port"`
	Password          string        `yaml:"password" json:"-"`
	DB                int           `yaml:"db" json:"db"`
	KeyPrefix         string        `yaml:"key_prefix" json:"key_prefix"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`
	EnableCompression bool          `yaml:"enable_compression" json:"enable_compression"`
}

// DiskConfig configures the filesystem backend.
type DiskConfig struct {
	CachePath         string        `yaml:"cache_path" json:"cache_path"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	MaxDiskUsage      int64         `yaml:"max_disk_usage" json:"max_disk_usage"` // bytes
	EnableCompression bool          `yaml:"enable_compression" json:"enable_compression"`
}

// Config is the complete cache configuration. It is immutable after the
// manager is constructed.
type Config struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	MaxEntries    int           `yaml:"max_entries" json:"max_entries"`
	MaxSizeBytes  int64         `yaml:"max_size_bytes" json:"max_size_bytes"`
	DefaultTTL    time.Duration `yaml:"default_ttl" json:"default_ttl"` // 0 means never expire
	Backend       BackendType   `yaml:"backend" json:"backend"`
	Redis         RedisConfig   `yaml:"redis" json:"redis"`
	Disk          DiskConfig    `yaml:"disk" json:"disk"`
	EnableMetrics bool          `yaml:"enable_metrics" json:"enable_metrics"`
	Normalization Normalization `yaml:"key_normalization" json:"key_normalization"`

	// SweepInterval is the period of the manager's expiration sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig returns sensible defaults: an enabled in-memory cache
// bounded to 1000 entries / 100MB with a 1 hour TTL.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		MaxEntries:    1000,
		MaxSizeBytes:  100 * 1024 * 1024,
		DefaultTTL:    time.Hour,
		Backend:       BackendMemory,
		Redis: RedisConfig{
			Host:              "localhost",
			Port:              6379,
			KeyPrefix:         "llmcache",
			ConnectionTimeout: 5 * time.Second,
		},
		Disk: DiskConfig{
			CachePath:       ".llmcache",
			CleanupInterval: time.Hour,
			MaxDiskUsage:    1024 * 1024 * 1024,
		},
		Normalization: DefaultNormalization(),
		SweepInterval: 5 * time.Minute,
	}
}
