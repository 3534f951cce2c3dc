// Package config holds the gateway's declarative configuration model — the
// pipeline-level document and the per-API documents it carries — plus the
// YAML loader and hot-reload watcher.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Top-level config structs
// ---------------------------------------------------------------------------

// PipelineConfig is the root document: server/admin/logging plus the list
// of APIs the gateway exposes, and a shared authentication dictionary that
// per-API entries can reference via their `use` field.
type PipelineConfig struct {
	Server         ServerConfig                    `yaml:"server"`
	Admin          AdminConfig                      `yaml:"admin"`
	Logging        LoggingConfig                    `yaml:"logging"`
	Authentication map[string]AuthenticationConfig `yaml:"authentication,omitempty"`
	APIs           []ApiConfig                      `yaml:"apis"`
}

type ServerConfig struct {
	Addr                string `yaml:"addr"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|console
}

// ApiConfig is the authoritative description of one upstream (spec.md §3).
type ApiConfig struct {
	Path           string                 `yaml:"path"`
	Proxy          ProxyConfig            `yaml:"proxy"`
	Group          []GroupConfig          `yaml:"group,omitempty"`
	Authentication []AuthenticationConfig `yaml:"authentication,omitempty"`
	CircuitBreaker []CircuitBreakerConfig `yaml:"circuitBreaker,omitempty"`
	RateLimit      *RateLimitConfig       `yaml:"rateLimit,omitempty"`
	RequestLog     bool                   `yaml:"requestLog"`
	Stats          bool                   `yaml:"stats"`
}

// ProxyConfig names the upstream target and the local mount point.
//
// Methods realizes the "proxy filter" referenced in spec.md §6 ("Method
// not allowed by proxy filter: 405") and exercised by scenario S2; the
// distilled data model in spec.md §3 names path/target but leaves the
// method allow-list implicit, so it is added here.
type ProxyConfig struct {
	Path      string   `yaml:"path,omitempty"` // local mount; defaults to the API's path
	Target    string   `yaml:"target"`
	StripPath bool     `yaml:"stripPath"`
	Methods   []string `yaml:"methods,omitempty"` // empty = all methods allowed
}

// GroupConfig is a named set of request predicates (spec.md §3 Group).
type GroupConfig struct {
	Name       string            `yaml:"name"`
	Predicates []PredicateConfig `yaml:"predicates"`
}

type PredicateConfig struct {
	Method string `yaml:"method,omitempty"`
	URL    string `yaml:"url,omitempty"` // regex, compiled once; matched against the path as written (no anchor is added)
}

// StrategyRef names a plug-in by kind-scoped id plus arbitrary options,
// resolved by the Middleware Loader (C2).
type StrategyRef struct {
	Name    string                 `yaml:"name"`
	Options map[string]interface{} `yaml:"options,omitempty"`
}

// AuthenticationConfig is one entry in an API's authentication chain.
type AuthenticationConfig struct {
	Strategy StrategyRef `yaml:"strategy"`
	Group    []string    `yaml:"group,omitempty"`
	Use      string      `yaml:"use,omitempty"`
}

// CircuitBreakerConfig is one entry in an API's circuit-breaker chain.
// Defaults match spec.md §3: timeout 30s, resetTimeout 120s, maxFailures 10.
type CircuitBreakerConfig struct {
	TimeoutMs      int      `yaml:"timeout,omitempty"`
	ResetTimeoutMs int      `yaml:"resetTimeout,omitempty"`
	MaxFailures    int      `yaml:"maxFailures,omitempty"`
	Group          []string `yaml:"group,omitempty"`
	OnOpen         string   `yaml:"onOpen,omitempty"`
	OnClose        string   `yaml:"onClose,omitempty"`
	OnRejected     string   `yaml:"onRejected,omitempty"`
	DisableStats   bool     `yaml:"disableStats,omitempty"`
}

func (c CircuitBreakerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c CircuitBreakerConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetTimeoutMs) * time.Millisecond
}

// RateLimitConfig mirrors the teacher's rate limiter shape: algorithm,
// rate/burst/window, key strategy, optional Redis URL for distributed use.
type RateLimitConfig struct {
	Algorithm string `yaml:"algorithm"` // token_bucket | sliding_window
	Rate      int    `yaml:"rate"`
	Burst     int    `yaml:"burst"`
	Window    string `yaml:"window"`
	KeyBy     string `yaml:"key_by"`
	RedisURL  string `yaml:"redis_url,omitempty"`
}

// ---------------------------------------------------------------------------
// Loader + file watcher
// ---------------------------------------------------------------------------

// Watcher emits new configs when the file changes on disk.
type Watcher struct {
	updates chan *PipelineConfig
	done    chan struct{}
	once    sync.Once
	fsw     *fsnotify.Watcher
}

func (w *Watcher) Updates() <-chan *PipelineConfig { return w.updates }

func (w *Watcher) Close() {
	w.once.Do(func() {
		close(w.done)
		w.fsw.Close()
	})
}

// LoadAndWatch reads the config file, starts watching for changes, and
// returns the initial config plus a Watcher whose channel delivers reloads.
func LoadAndWatch(path string, log *zap.SugaredLogger) (*PipelineConfig, *Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(path); err != nil {
		return nil, nil, fmt.Errorf("watch config file: %w", err)
	}

	w := &Watcher{
		updates: make(chan *PipelineConfig, 1),
		done:    make(chan struct{}),
		fsw:     fsw,
	}

	go func() {
		var debounce <-chan time.Time
		for {
			select {
			case <-w.done:
				return
			case event, ok := <-fsw.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
					debounce = time.After(200 * time.Millisecond)
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warnw("fsnotify error", "err", err)
			case <-debounce:
				debounce = nil
				newCfg, err := Load(path)
				if err != nil {
					log.Warnw("config reload failed, keeping old config", "err", err)
					continue
				}
				select {
				case w.updates <- newCfg:
				default:
				}
			}
		}
	}()

	return cfg, w, nil
}

// Load reads, expands, decodes and validates a pipeline config file.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg PipelineConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *PipelineConfig) error {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = ":9090"
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 30
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 30
	}

	seen := make(map[string]bool, len(cfg.APIs))
	for i := range cfg.APIs {
		a := &cfg.APIs[i]
		if a.Path == "" {
			return fmt.Errorf("apis[%d]: path is required", i)
		}
		if seen[a.Path] {
			return fmt.Errorf("apis[%d]: duplicate path %q", i, a.Path)
		}
		seen[a.Path] = true

		if a.Proxy.Target == "" {
			return fmt.Errorf("api %q: proxy.target is required", a.Path)
		}
		if a.Proxy.Path == "" {
			a.Proxy.Path = a.Path
		}

		var cbDefaults int
		for j := range a.CircuitBreaker {
			cb := &a.CircuitBreaker[j]
			if cb.TimeoutMs == 0 {
				cb.TimeoutMs = 30000
			}
			if cb.ResetTimeoutMs == 0 {
				cb.ResetTimeoutMs = 120000
			}
			if cb.MaxFailures == 0 {
				cb.MaxFailures = 10
			}
			if len(cb.Group) == 0 {
				cbDefaults++
			}
		}
		if cbDefaults > 1 {
			return fmt.Errorf("api %q: more than one group-less (default) circuitBreaker entry", a.Path)
		}

		var authDefaults int
		for j := range a.Authentication {
			if len(a.Authentication[j].Group) == 0 {
				authDefaults++
			}
		}
		if authDefaults > 1 {
			return fmt.Errorf("api %q: more than one group-less (default) authentication entry", a.Path)
		}
	}
	return nil
}
