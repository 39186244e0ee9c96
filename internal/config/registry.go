package config

import (
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// RetryConfig bounds one server's own connection retries, separate from
// the core's backoff engine — this is config data handed to whatever
// external collaborator actually dials the server.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffMs   int           `yaml:"backoff_ms"`
}

// HealthCheckConfig describes how a server's liveness is probed.
type HealthCheckConfig struct {
	Enabled         bool   `yaml:"enabled"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	Command         string `yaml:"command"`
}

// ResourceLimits bounds a server's resource footprint.
type ResourceLimits struct {
	MaxMemoryMB   int     `yaml:"max_memory_mb"`
	MaxCPUPercent float64 `yaml:"max_cpu_percent"`
}

// SecurityConfig controls environment-variable substitution and path
// access for a server, or globally.
type SecurityConfig struct {
	UseEnvSubstitution bool     `yaml:"use_env_substitution"`
	AllowedEnvPrefixes []string `yaml:"allowed_env_prefixes"`
}

// ServerConfig is one entry in the dynamic server registry, per spec.md §6
// item 2.
type ServerConfig struct {
	ID           string
	Enabled      bool
	Priority     int
	Command      string
	Args         []string
	Env          map[string]string
	Timeout      time.Duration
	Retry        RetryConfig
	Health       HealthCheckConfig
	Resources    ResourceLimits
	Security     SecurityConfig
	Capabilities []string
	Tags         []string
	CacheTTL     time.Duration
	LastModified time.Time
	Source       string
}

// GlobalRegistryConfig is the registry-wide configuration alongside the
// per-server entries.
type GlobalRegistryConfig struct {
	AllowedPaths             []string
	ProcessTimeout           time.Duration
	AllowRelativePaths       bool
	MaxConcurrentConnections int
	Security                 SecurityConfig
}

// serverYAML and globalYAML mirror the on-disk layout before duration
// strings are parsed and env substitution is applied.
type serverYAML struct {
	Enabled      bool              `yaml:"enabled"`
	Priority     int               `yaml:"priority"`
	Command      string            `yaml:"command"`
	Args         []string          `yaml:"args"`
	Env          map[string]string `yaml:"env"`
	Timeout      string            `yaml:"timeout"`
	Retry        RetryConfig       `yaml:"retry"`
	Health       HealthCheckConfig `yaml:"health"`
	Resources    ResourceLimits    `yaml:"resources"`
	Security     SecurityConfig    `yaml:"security"`
	Capabilities []string          `yaml:"capabilities"`
	Tags         []string          `yaml:"tags"`
	CacheTTL     string            `yaml:"cache_ttl"`
}

type globalYAML struct {
	AllowedPaths             []string       `yaml:"allowed_paths"`
	ProcessTimeout           string         `yaml:"process_timeout"`
	AllowRelativePaths       bool           `yaml:"allow_relative_paths"`
	MaxConcurrentConnections int            `yaml:"max_concurrent_connections"`
	Security                 SecurityConfig `yaml:"security"`
}

type registryYAML struct {
	Servers map[string]serverYAML `yaml:"servers"`
	Global  globalYAML            `yaml:"global"`
}

// RegistryEventType names the kind of change a registry reload produced.
type RegistryEventType string

const (
	EventServerAdded    RegistryEventType = "server_added"
	EventServerRemoved  RegistryEventType = "server_removed"
	EventServerUpdated  RegistryEventType = "server_updated"
	EventConfigReloaded RegistryEventType = "config_reloaded"
)

// RegistryEvent carries the before/after snapshot of one change.
type RegistryEvent struct {
	Type     RegistryEventType
	ServerID string
	Before   *ServerConfig
	After    *ServerConfig
}

// Registry is the dynamic, hot-reloadable server registry: it loads a YAML
// file describing a set of downstream tool servers, watches it for
// changes with fsnotify, and emits typed events on every add/remove/update
// so subscribers (e.g. the fallback chain's ToolCapability registrations)
// can stay in sync without polling.
type Registry struct {
	mu       sync.RWMutex
	path     string
	servers  map[string]ServerConfig
	global   GlobalRegistryConfig
	handlers map[RegistryEventType][]func(RegistryEvent)

	watcher *fsnotify.Watcher
	log     *logrus.Entry
	stop    chan struct{}
	stopped bool
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// NewRegistry loads path once and returns a Registry ready for On/Servers
// calls. Call Watch to start hot-reloading.
func NewRegistry(path string, logger *logrus.Logger) (*Registry, error) {
	var entry *logrus.Entry
	if logger != nil {
		entry = logger.WithField("component", "server_registry")
	} else {
		entry = logrus.NewEntry(logrus.New())
	}

	r := &Registry{
		path:     path,
		servers:  make(map[string]ServerConfig),
		handlers: make(map[RegistryEventType][]func(RegistryEvent)),
		log:      entry,
		stop:     make(chan struct{}),
	}

	if err := r.reload(false); err != nil {
		return nil, err
	}
	return r, nil
}

// On registers handler for eventType. Handlers run synchronously on the
// fsnotify watcher loop that detected the change; the initial load in
// NewRegistry emits no events.
func (r *Registry) On(eventType RegistryEventType, handler func(RegistryEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[eventType] = append(r.handlers[eventType], handler)
}

func (r *Registry) emit(e RegistryEvent) {
	r.mu.RLock()
	handlers := append([]func(RegistryEvent){}, r.handlers[e.Type]...)
	r.mu.RUnlock()
	for _, h := range handlers {
		h(e)
	}
}

// Servers returns a copy of the current server set.
func (r *Registry) Servers() map[string]ServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]ServerConfig, len(r.servers))
	for k, v := range r.servers {
		out[k] = v
	}
	return out
}

// Get returns one server's config by ID.
func (r *Registry) Get(id string) (ServerConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// Global returns the registry-wide configuration.
func (r *Registry) Global() GlobalRegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global
}

// Watch starts a background fsnotify watcher on the registry file's
// directory (watching the directory, not the file, survives editors that
// replace the file via rename-into-place rather than in-place write).
// Reload errors are logged and the previous good config is kept in place.
func (r *Registry) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: create watcher: %w", err)
	}

	dir := parentDir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("registry: watch %s: %w", dir, err)
	}

	r.mu.Lock()
	r.watcher = watcher
	r.mu.Unlock()

	go r.watchLoop(watcher)
	return nil
}

func (r *Registry) watchLoop(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != r.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.reload(true); err != nil {
				r.log.WithError(err).Warn("server registry reload failed, keeping previous config")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			r.log.WithError(err).Warn("server registry watcher error")
		case <-r.stop:
			return
		}
	}
}

// Stop halts the background watcher, if running.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	close(r.stop)
	if r.watcher != nil {
		r.watcher.Close()
	}
}

// reload re-reads path, diffs against the current server set, and emits
// add/remove/update events plus one config_reloaded event. emitEvents is
// false for the initial NewRegistry load, since there is nothing to diff
// against yet.
func (r *Registry) reload(emitEvents bool) error {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", r.path, err)
	}

	var doc registryYAML
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("registry: parse %s: %w", r.path, err)
	}

	global := GlobalRegistryConfig{
		AllowedPaths:             doc.Global.AllowedPaths,
		AllowRelativePaths:       doc.Global.AllowRelativePaths,
		MaxConcurrentConnections: doc.Global.MaxConcurrentConnections,
		Security:                 doc.Global.Security,
	}
	if d, ok := parseDuration(doc.Global.ProcessTimeout); ok {
		global.ProcessTimeout = d
	}

	now := time.Now()
	next := make(map[string]ServerConfig, len(doc.Servers))
	for id, s := range doc.Servers {
		sec := s.Security
		if !sec.UseEnvSubstitution && global.Security.UseEnvSubstitution {
			sec = global.Security
		}

		cfg := ServerConfig{
			ID:           id,
			Enabled:      s.Enabled,
			Priority:     s.Priority,
			Command:      substituteEnv(s.Command, sec),
			Args:         substituteEnvAll(s.Args, sec),
			Env:          substituteEnvMap(s.Env, sec),
			Retry:        s.Retry,
			Health:       s.Health,
			Resources:    s.Resources,
			Security:     sec,
			Capabilities: s.Capabilities,
			Tags:         s.Tags,
			LastModified: now,
			Source:       r.path,
		}
		if d, ok := parseDuration(s.Timeout); ok {
			cfg.Timeout = d
		}
		if d, ok := parseDuration(s.CacheTTL); ok {
			cfg.CacheTTL = d
		}
		next[id] = cfg
	}

	r.mu.Lock()
	prev := r.servers
	r.servers = next
	r.global = global
	r.mu.Unlock()

	if !emitEvents {
		return nil
	}

	for id, cfg := range next {
		cfg := cfg
		if old, ok := prev[id]; !ok {
			r.emit(RegistryEvent{Type: EventServerAdded, ServerID: id, After: &cfg})
		} else if !sameServer(old, cfg) {
			old := old
			r.emit(RegistryEvent{Type: EventServerUpdated, ServerID: id, Before: &old, After: &cfg})
		}
	}
	for id, old := range prev {
		old := old
		if _, ok := next[id]; !ok {
			r.emit(RegistryEvent{Type: EventServerRemoved, ServerID: id, Before: &old})
		}
	}
	r.emit(RegistryEvent{Type: EventConfigReloaded})
	return nil
}

func sameServer(a, b ServerConfig) bool {
	// LastModified is stamped on every reload, so it is not a change.
	a.LastModified, b.LastModified = time.Time{}, time.Time{}
	return reflect.DeepEqual(a, b)
}

func parentDir(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "."
	}
	return path[:idx]
}

// substituteEnv replaces ${VAR} references in s with the environment
// variable's value, but only when sec.UseEnvSubstitution is set and VAR
// begins with one of sec.AllowedEnvPrefixes — an unreferenced variable, an
// unlisted prefix, or substitution left disabled all leave the literal
// ${VAR} text untouched, per spec.md §6.
func substituteEnv(s string, sec SecurityConfig) string {
	if !sec.UseEnvSubstitution || s == "" {
		return s
	}
	return envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if !hasAllowedPrefix(name, sec.AllowedEnvPrefixes) {
			return match
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

func substituteEnvAll(ss []string, sec SecurityConfig) []string {
	if ss == nil {
		return nil
	}
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = substituteEnv(s, sec)
	}
	return out
}

func substituteEnvMap(m map[string]string, sec SecurityConfig) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = substituteEnv(v, sec)
	}
	return out
}

func hasAllowedPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
