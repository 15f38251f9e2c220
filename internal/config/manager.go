package config

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"sync"
	"time"

	logx "feedagent/pkg/logx"
)

// EnvLogLevel overrides logging.level when set.
const EnvLogLevel = "FEEDAGENT_LOG_LEVEL"

const validateTimeout = 5 * time.Second

// Manager owns the committed config. Watch re-reads the file on change and
// republishes it to subscribers once it passes validation.
type Manager struct {
	path string
	log  logx.Logger

	mu        sync.RWMutex
	cur       *Config
	digest    uint64
	validator func(ctx context.Context, cfg *Config) error

	// subscribers; Unsubscribe closes under the same lock as publish sends
	fanMu sync.Mutex
	fan   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), fan: map[chan *Config]struct{}{}}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log.With(logx.String("comp", "config"))
}

// SetValidator adds a check that runs after Validate on every reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse reads and decodes the file, applying environment overrides.
func (m *Manager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := Decode(m.path, raw)
	if err != nil {
		return nil, err
	}
	if lvl := strings.TrimSpace(os.Getenv(EnvLogLevel)); lvl != "" {
		cfg.Logging.Level = lvl
	}
	return cfg, nil
}

// Load parses, validates and commits the file.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.commit(cfg, digest(cfg))
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

func (m *Manager) commit(cfg *Config, sum uint64) {
	m.mu.Lock()
	m.cur, m.digest = cfg, sum
	m.mu.Unlock()
}

// digest fingerprints the decoded config so that repeated write events for
// one save publish once. Zero means unknown.
func digest(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel that receives every committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.fanMu.Lock()
	m.fan[ch] = struct{}{}
	m.fanMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	if _, ok := m.fan[ch]; ok {
		delete(m.fan, ch)
		close(ch)
	}
}

// publish never blocks: a full subscriber has its stale entry replaced by cfg.
func (m *Manager) publish(cfg *Config) {
	m.fanMu.Lock()
	defer m.fanMu.Unlock()
	for ch := range m.fan {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped", logx.Int("cap", cap(ch)))
		}
	}
}

func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// reload re-reads the file and commits it when it changed and validates.
func (m *Manager) reload(ctx context.Context) {
	log := m.log.With(logx.String("path", m.path))
	cfg, err := m.Parse()
	if err != nil {
		log.Warn("config parse failed", logx.Err(err))
		return
	}

	sum := digest(cfg)
	m.mu.RLock()
	same := sum != 0 && sum == m.digest
	extra := m.validator
	m.mu.RUnlock()
	if same {
		log.Debug("config unchanged")
		return
	}

	err = cfg.Validate()
	if err == nil && extra != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = extra(vctx, cfg)
		cancel()
	}
	if err != nil {
		log.Warn("config rejected", logx.Err(err))
		return
	}

	m.commit(cfg, sum)
	m.publish(cfg)
	log.Info("config committed", logx.String("digest", fmt.Sprintf("%016x", sum)))
}
