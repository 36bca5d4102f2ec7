// Package llmcache memoizes generative-model responses keyed by the full
// semantic request: messages, model, provider, and the subset of
// generation parameters that affects output. It provides deterministic
// key derivation, LRU eviction bounded by entry count and byte size, TTL
// expiration with a background sweeper, pluggable backends (memory,
// redis, disk), an operation-level event stream, cache warming, and
// snapshot export/import.
//
// Basic usage:
//
//	manager, err := llmcache.New(cache.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer manager.Close()
//
//	req := &llmcache.Request{
//	    Messages: []types.ChatMessage{types.NewTextMessage(types.RoleUser, "Hello!")},
//	    Model:    "gpt-4o-mini",
//	    Provider: types.ProviderOpenAI,
//	}
//	if res := manager.Get(ctx, req, nil); res.Hit {
//	    return res.Data
//	}
package llmcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmcache/caches"
	"github.com/blueberrycongee/llmcache/internal/metrics"
	"github.com/blueberrycongee/llmcache/internal/observability"
	"github.com/blueberrycongee/llmcache/pkg/cache"
	cacheerrors "github.com/blueberrycongee/llmcache/pkg/errors"
	"github.com/blueberrycongee/llmcache/pkg/types"
)

// Cost rates are informational only, used for the estimated-cost entry
// metadata and the cost-savings statistic. USD per 1K tokens.
const (
	defaultInputRate  = 0.0015
	defaultOutputRate = 0.002
)

// Request identifies a cacheable model invocation.
type Request struct {
	Messages []types.ChatMessage
	Model    string
	Provider types.Provider
	Config   *types.GenerationConfig
}

// Control customizes cache behavior for a single call.
type Control struct {
	// Bypass skips the cache read; the result is always a miss.
	Bypass bool
	// TTL overrides the configured default when greater than zero.
	TTL time.Duration
	// Tags are attached to the entry metadata on Set.
	Tags map[string]string
}

// GetResult is the outcome of a cache lookup.
type GetResult struct {
	Hit     bool
	Data    json.RawMessage
	Entry   *cache.Entry
	Latency time.Duration
}

// Manager orchestrates key generation, the selected backend, statistics,
// the event stream, and the periodic expiration sweeper. It is safe for
// concurrent use. Degraded backends never surface errors to callers:
// failed reads behave as misses and failed writes as no-ops, with the
// failure reported on the event stream.
type Manager struct {
	config  cache.Config
	backend cache.Backend
	keygen  *KeyGenerator
	bus     *EventBus
	stats   *statsTracker
	logger  *observability.Logger

	stopSweeper chan struct{}
	closeOnce   sync.Once
}

// Option customizes manager construction.
type Option func(*Manager)

// WithLogger attaches a structured logger. The default discards all logs.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = &observability.Logger{Logger: l}
	}
}

// WithBackend injects a pre-built backend, bypassing the factory. The
// configured backend kind is ignored. Custom distributed backends plug in
// here as long as they satisfy the cache.Backend contract.
func WithBackend(b cache.Backend) Option {
	return func(m *Manager) {
		m.backend = b
	}
}

// New validates the configuration and constructs the manager with its
// key generator and backend. Configuration problems are the only errors
// callers of the cache ever have to handle.
func New(cfg cache.Config, opts ...Option) (*Manager, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}

	m := &Manager{
		config:      cfg,
		keygen:      NewKeyGenerator(cfg.Normalization),
		bus:         NewEventBus(),
		stats:       newStatsTracker(),
		logger:      observability.NewNopLogger(),
		stopSweeper: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.backend == nil {
		if err := validateConfig(cfg); err != nil {
			return nil, err
		}
		backend, err := caches.New(cfg, caches.Options{
			OnEvict: m.onBackendEvict,
			Logger:  m.logger,
		})
		if err != nil {
			return nil, err
		}
		m.backend = backend
	}

	go m.sweepLoop()

	m.logger.Info("cache manager started",
		"backend", string(cfg.Backend),
		"max_entries", cfg.MaxEntries,
		"max_size_bytes", cfg.MaxSizeBytes,
		"default_ttl", cfg.DefaultTTL)

	return m, nil
}

func validateConfig(cfg cache.Config) error {
	switch cfg.Backend {
	case cache.BackendMemory, cache.BackendRedis, cache.BackendDisk:
	default:
		return cacheerrors.NewConfigurationError("unsupported cache backend: " + string(cfg.Backend))
	}
	if cfg.MaxEntries <= 0 {
		return cacheerrors.NewConfigurationError("max entries must be positive")
	}
	if cfg.MaxSizeBytes <= 0 {
		return cacheerrors.NewConfigurationError("max size bytes must be positive")
	}
	if cfg.DefaultTTL < 0 {
		return cacheerrors.NewConfigurationError("default TTL must not be negative")
	}
	if cfg.Backend == cache.BackendDisk && cfg.Disk.CachePath == "" {
		return cacheerrors.NewConfigurationError("disk backend requires a cache path")
	}
	if cfg.Backend == cache.BackendRedis && cfg.Redis.Host == "" {
		return cacheerrors.NewConfigurationError("redis backend requires a host")
	}
	return nil
}

// GenerateKey exposes key derivation for callers that manage their own
// lookups (warmup tooling, diagnostics).
func (m *Manager) GenerateKey(req *Request) string {
	return m.keygen.GenerateKey(req.Messages, req.Model, req.Provider, req.Config)
}

// Get looks up the cached response for the request. Disabled caching or
// ctrl.Bypass short-circuits to a miss without touching the backend.
func (m *Manager) Get(ctx context.Context, req *Request, ctrl *Control) *GetResult {
	start := time.Now()

	if !m.config.Enabled || (ctrl != nil && ctrl.Bypass) {
		return &GetResult{Latency: time.Since(start)}
	}

	key := m.GenerateKey(req)

	entry, err := m.backend.Get(ctx, key)
	if err != nil {
		m.reportBackendError("get", err)
		return m.miss(key, start)
	}
	if entry == nil {
		return m.miss(key, start)
	}

	latency := time.Since(start)

	var tokens int64
	if entry.Usage != nil {
		tokens = int64(entry.Usage.TotalTokens)
	}
	m.stats.recordHit(latency, tokens, entry.Metadata.EstimatedCost)

	if m.config.EnableMetrics {
		backend := string(m.config.Backend)
		metrics.CacheHits.WithLabelValues(backend).Inc()
		metrics.HitLatency.WithLabelValues(backend).Observe(latency.Seconds())
		metrics.TokensSaved.WithLabelValues(backend).Add(float64(tokens))
	}

	m.bus.Emit(Event{Type: EventHit, Key: key, Latency: latency})

	return &GetResult{
		Hit:     true,
		Data:    entry.Response,
		Entry:   entry,
		Latency: latency,
	}
}

func (m *Manager) miss(key string, start time.Time) *GetResult {
	overhead := time.Since(start)
	m.stats.recordMiss(overhead)

	if m.config.EnableMetrics {
		metrics.CacheMisses.WithLabelValues(string(m.config.Backend)).Inc()
	}

	m.bus.Emit(Event{Type: EventMiss, Key: key})

	return &GetResult{Latency: overhead}
}

// Set stores the response for the request. No-op when caching is
// disabled. Backend failures are reported on the event stream and
// swallowed.
func (m *Manager) Set(ctx context.Context, req *Request, resp *types.Response, ctrl *Control) {
	if !m.config.Enabled || resp == nil {
		return
	}

	key := m.GenerateKey(req)
	entry := m.buildEntry(key, req, resp, ctrl)

	// The old entry is read so a replacement adjusts the byte total by the
	// size delta instead of double-counting. It is overwritten immediately,
	// so the access bump on the read is moot.
	old, err := m.backend.Get(ctx, key)
	if err != nil {
		m.reportBackendError("set", err)
		return
	}

	if err := m.backend.Set(ctx, key, entry); err != nil {
		m.reportBackendError("set", err)
		return
	}

	if old != nil {
		m.stats.recordReplace(entry.SizeBytes - old.SizeBytes)
	} else {
		m.stats.recordSet(entry.SizeBytes)
	}

	if m.config.EnableMetrics {
		backend := string(m.config.Backend)
		metrics.CacheSets.WithLabelValues(backend).Inc()
		metrics.CacheEntries.WithLabelValues(backend).Set(float64(m.stats.entries.Load()))
		metrics.CacheSizeBytes.WithLabelValues(backend).Set(float64(m.stats.sizeBytes.Load()))
	}

	m.bus.Emit(Event{Type: EventSet, Key: key, SizeBytes: entry.SizeBytes})
}

func (m *Manager) buildEntry(key string, req *Request, resp *types.Response, ctrl *Control) *cache.Entry {
	now := time.Now()

	ttl := m.config.DefaultTTL
	if ctrl != nil && ctrl.TTL > 0 {
		ttl = ctrl.TTL
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}

	data, _ := json.Marshal(resp)

	entry := &cache.Entry{
		Key:            key,
		Response:       resp.Content,
		Usage:          resp.Usage,
		PromptHash:     m.keygen.PromptHash(req.Messages),
		Model:          toLowerTrim(req.Model),
		Provider:       req.Provider,
		Parameters:     m.keygen.CanonicalParams(req.Config),
		CreatedAt:      now.UnixMilli(),
		LastAccessedAt: now.UnixMilli(),
		TTL:            ttl,
		ExpiresAt:      expiresAt,
		SizeBytes:      int64(len(data)),
		Metadata: cache.Metadata{
			TokensUsed:    resp.Usage,
			EstimatedCost: estimateCost(resp.Usage),
		},
	}
	if ctrl != nil && len(ctrl.Tags) > 0 {
		entry.Metadata.Tags = ctrl.Tags
	}
	return entry
}

// estimateCost approximates the provider cost of the response from flat
// per-1K-token rates. Informational only.
func estimateCost(usage *types.Usage) float64 {
	if usage == nil {
		return 0
	}
	return float64(usage.PromptTokens)/1000*defaultInputRate +
		float64(usage.CompletionTokens)/1000*defaultOutputRate
}

// Delete removes the entry for key and reports whether one was removed.
// The entry is read first so its size can be subtracted from the byte
// total.
func (m *Manager) Delete(ctx context.Context, key string) bool {
	var size int64
	if old, err := m.backend.Get(ctx, key); err != nil {
		m.reportBackendError("delete", err)
	} else if old != nil {
		size = old.SizeBytes
	}

	removed, err := m.backend.Delete(ctx, key)
	if err != nil {
		m.reportBackendError("delete", err)
		return false
	}
	if removed {
		m.stats.recordRemoval(cache.EvictManual, size)
		if m.config.EnableMetrics {
			metrics.CacheEvictions.WithLabelValues(string(m.config.Backend), string(cache.EvictManual)).Inc()
		}
		m.bus.Emit(Event{Type: EventEvict, Key: key, Reason: cache.EvictManual, SizeBytes: size})
	}
	return removed
}

// Clear removes all entries.
func (m *Manager) Clear(ctx context.Context) {
	if err := m.backend.Clear(ctx); err != nil {
		m.reportBackendError("clear", err)
		return
	}
	m.stats.recordClear()
	m.bus.Emit(Event{Type: EventClear})
}

// Keys lists all stored keys.
func (m *Manager) Keys(ctx context.Context) []string {
	keys, err := m.backend.Keys(ctx)
	if err != nil {
		m.reportBackendError("keys", err)
		return nil
	}
	return keys
}

// Size returns the current entry count.
func (m *Manager) Size(ctx context.Context) int {
	n, err := m.backend.Size(ctx)
	if err != nil {
		m.reportBackendError("size", err)
		return 0
	}
	return n
}

// HealthCheck reports whether the backend is operational.
func (m *Manager) HealthCheck(ctx context.Context) bool {
	ok, err := m.backend.HealthCheck(ctx)
	if err != nil {
		m.reportBackendError("health_check", err)
		return false
	}
	return ok
}

// Cleanup removes expired entries and returns how many were dropped.
// Backends that can sweep in one pass do so; otherwise every key is
// consulted through Get, which lazily drops expirations.
func (m *Manager) Cleanup(ctx context.Context) int {
	if sweeper, ok := m.backend.(cache.Sweeper); ok {
		removed, err := sweeper.RemoveExpired(ctx)
		if err != nil {
			m.reportBackendError("cleanup", err)
			return 0
		}
		return removed
	}

	keys, err := m.backend.Keys(ctx)
	if err != nil {
		m.reportBackendError("cleanup", err)
		return 0
	}

	removed := 0
	for _, key := range keys {
		entry, err := m.backend.Get(ctx, key)
		if err != nil {
			m.reportBackendError("cleanup", err)
			continue
		}
		if entry == nil {
			removed++
		}
	}
	return removed
}

// Stats returns a statistics snapshot with derived fields recomputed.
// Occupancy is read live from the backend where possible.
func (m *Manager) Stats() cache.Stats {
	st := m.stats.snapshot()
	if n, err := m.backend.Size(context.Background()); err == nil {
		st.Entries = int64(n)
	}
	if sized, ok := m.backend.(interface{ SizeBytes() int64 }); ok {
		st.SizeBytes = sized.SizeBytes()
	}
	return st
}

// ResetStats reinitializes counters and the latency accumulators.
func (m *Manager) ResetStats() {
	m.stats.reset()
}

// Config returns a copy of the configuration.
func (m *Manager) Config() cache.Config {
	return m.config
}

// Subscribe registers a handler for the given event type and returns an
// id usable with Unsubscribe.
func (m *Manager) Subscribe(t EventType, h EventHandler) string {
	return m.bus.Subscribe(t, h)
}

// Unsubscribe removes a previously registered handler.
func (m *Manager) Unsubscribe(id string) {
	m.bus.Unsubscribe(id)
}

// Events returns the underlying event bus.
func (m *Manager) Events() *EventBus {
	return m.bus
}

// Close stops the sweeper and closes the backend. Idempotent.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stopSweeper)
		err = m.backend.Close()
		m.logger.Info("cache manager closed")
	})
	return err
}

// onBackendEvict receives capacity evictions and lazy expirations from
// the backend and republishes them as events and statistics.
func (m *Manager) onBackendEvict(key string, reason cache.EvictReason, sizeBytes int64) {
	m.stats.recordRemoval(reason, sizeBytes)
	if m.config.EnableMetrics {
		metrics.CacheEvictions.WithLabelValues(string(m.config.Backend), string(reason)).Inc()
	}
	m.bus.Emit(Event{Type: EventEvict, Key: key, Reason: reason, SizeBytes: sizeBytes})
}

func (m *Manager) reportBackendError(op string, err error) {
	m.logger.Error("cache backend error", "op", op, "error", err)
	if m.config.EnableMetrics {
		metrics.BackendErrors.WithLabelValues(string(m.config.Backend)).Inc()
	}
	m.bus.Emit(Event{Type: EventBackendError, Err: err})
}

// sweepLoop periodically drops expired entries until Close.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed := m.Cleanup(context.Background())
			if removed > 0 {
				m.logger.Debug("expiration sweep completed", "removed", removed)
			}
		case <-m.stopSweeper:
			return
		}
	}
}
