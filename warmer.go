package llmcache

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/llmcache/internal/observability"
	"github.com/blueberrycongee/llmcache/pkg/types"
)

// Fetcher obtains a response from the upstream provider. The warmer is
// indifferent to its implementation.
type Fetcher interface {
	Fetch(ctx context.Context, messages []types.ChatMessage, model string, provider types.Provider, cfg *types.GenerationConfig) (*types.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, messages []types.ChatMessage, model string, provider types.Provider, cfg *types.GenerationConfig) (*types.Response, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, messages []types.ChatMessage, model string, provider types.Provider, cfg *types.GenerationConfig) (*types.Response, error) {
	return f(ctx, messages, model, provider, cfg)
}

// WarmupQuery is one declarative entry in a warmup list.
type WarmupQuery struct {
	Prompt   string                  `yaml:"prompt" json:"prompt"`
	Model    string                  `yaml:"model" json:"model"`
	Provider types.Provider          `yaml:"provider" json:"provider"`
	Params   *types.GenerationConfig `yaml:"params,omitempty" json:"params,omitempty"`
	Priority int                     `yaml:"priority" json:"priority"`
}

// WarmResult summarizes one warmup pass.
type WarmResult struct {
	Warmed  int // fetched and stored
	Skipped int // already cached
	Failed  int // fetcher or store failure
}

// WarmerConfig holds configuration for the warmer.
type WarmerConfig struct {
	// BatchSize is the number of queries processed concurrently
	// (default: 5). Batches run sequentially.
	BatchSize int `yaml:"batch_size"`
	// Interval re-runs warming in background mode (default: 1 hour).
	Interval time.Duration `yaml:"interval"`
	// FetchRPS throttles fetcher calls; zero disables throttling.
	FetchRPS float64 `yaml:"fetch_rps"`
}

// DefaultWarmerConfig returns sensible defaults.
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		BatchSize: 5,
		Interval:  time.Hour,
	}
}

// Warmer primes the cache from a priority-sorted query list, fetching
// responses for unmatched keys through the Fetcher collaborator.
type Warmer struct {
	manager *Manager
	fetcher Fetcher
	config  WarmerConfig
	limiter *rate.Limiter
	logger  *observability.Logger

	mu      sync.Mutex
	stop    chan struct{}
	running bool
}

// NewWarmer creates a warmer bound to the manager.
func NewWarmer(manager *Manager, fetcher Fetcher, cfg WarmerConfig) *Warmer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}

	var limiter *rate.Limiter
	if cfg.FetchRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.FetchRPS), 1)
	}

	return &Warmer{
		manager: manager,
		fetcher: fetcher,
		config:  cfg,
		limiter: limiter,
		logger:  manager.logger,
	}
}

// Warm processes the queries in descending priority order, in concurrent
// batches of the configured size. Queries already cached are skipped;
// per-query failures are logged and counted but never abort the pass.
func (w *Warmer) Warm(ctx context.Context, queries []WarmupQuery) WarmResult {
	sorted := make([]WarmupQuery, len(queries))
	copy(sorted, queries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	var (
		mu     sync.Mutex
		result WarmResult
	)

	for start := 0; start < len(sorted); start += w.config.BatchSize {
		end := start + w.config.BatchSize
		if end > len(sorted) {
			end = len(sorted)
		}

		var wg sync.WaitGroup
		for _, q := range sorted[start:end] {
			wg.Add(1)
			go func(q WarmupQuery) {
				defer wg.Done()

				warmed, skipped := w.warmOne(ctx, q)

				mu.Lock()
				switch {
				case warmed:
					result.Warmed++
				case skipped:
					result.Skipped++
				default:
					result.Failed++
				}
				mu.Unlock()
			}(q)
		}
		wg.Wait()
	}

	w.logger.Info("cache warmup pass completed",
		"warmed", result.Warmed, "skipped", result.Skipped, "failed", result.Failed)
	return result
}

// warmOne probes the cache and fetches on miss. Returns (warmed,
// skipped); both false means failure.
func (w *Warmer) warmOne(ctx context.Context, q WarmupQuery) (bool, bool) {
	req := &Request{
		Messages: []types.ChatMessage{types.NewTextMessage(types.RoleUser, q.Prompt)},
		Model:    q.Model,
		Provider: q.Provider,
		Config:   q.Params,
	}

	if res := w.manager.Get(ctx, req, nil); res.Hit {
		return false, true
	}

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return false, false
		}
	}

	resp, err := w.fetcher.Fetch(ctx, req.Messages, q.Model, q.Provider, q.Params)
	if err != nil {
		w.logger.Warn("warmup fetch failed",
			"model", q.Model, "provider", string(q.Provider), "error", err)
		return false, false
	}

	w.manager.Set(ctx, req, resp, nil)
	return true, false
}

// Start re-runs Warm at the configured interval until Stop. Only one
// background run may be active at a time.
func (w *Warmer) Start(ctx context.Context, queries []WarmupQuery) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	stop := w.stop
	w.mu.Unlock()

	go func() {
		ticker := time.NewTicker(w.config.Interval)
		defer ticker.Stop()

		w.Warm(ctx, queries)
		for {
			select {
			case <-ticker.C:
				w.Warm(ctx, queries)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels background warming.
func (w *Warmer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		close(w.stop)
		w.running = false
	}
}

// LoadQueries reads a YAML warmup-query list from path.
func LoadQueries(path string) ([]WarmupQuery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var queries []WarmupQuery
	if err := yaml.Unmarshal(data, &queries); err != nil {
		return nil, err
	}
	return queries, nil
}

// WatchQueries re-warms whenever the query-list file changes. It blocks
// until the context is cancelled.
func (w *Warmer) WatchQueries(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return err
	}

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			queries, err := LoadQueries(path)
			if err != nil {
				w.logger.Warn("reload of warmup queries failed", "path", path, "error", err)
				continue
			}
			w.logger.Info("warmup queries reloaded", "path", path, "count", len(queries))
			w.Warm(ctx, queries)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("warmup query watcher error", "error", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
