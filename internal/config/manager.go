package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "cdbot/pkg/logx"
)

// Manager owns the active configuration and its hot-reload lifecycle.
//
// Readers use Get (cheap, lock-protected pointer copy). Components that
// need to react to reloads use Subscribe; publishes never block (the
// oldest pending update is dropped when a subscriber lags).
type Manager struct {
	path string
	log  logx.Logger

	// Validate, when set, runs against a parsed candidate before Commit
	// during Watch reloads. A rejection keeps the previous config.
	Validate func(ctx context.Context, c *Config) error

	mu       sync.RWMutex
	cur      *Config
	lastHash [sha256.Size]byte

	subMu sync.Mutex
	subs  map[int]chan *Config
	seq   int
}

func NewManager(path string, log logx.Logger) *Manager {
	return &Manager{
		path: path,
		log:  log,
		subs: map[int]chan *Config{},
	}
}

func (m *Manager) Path() string { return m.path }

// Get returns the current committed config. Never nil after a
// successful Load.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Load reads, parses, validates, and commits the config file.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	cfg, sum, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if m.Validate != nil {
		if err := m.Validate(ctx, cfg); err != nil {
			return nil, fmt.Errorf("config rejected: %w", err)
		}
	}
	m.Commit(cfg, sum)
	return cfg, nil
}

// Parse reads the file and decodes it strictly. It does not mutate the
// committed config.
func (m *Manager) Parse() (*Config, [sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, sum, fmt.Errorf("read %s: %w", m.path, err)
	}
	jsonBytes, err := coerceToJSONBytes(raw)
	if err != nil {
		return nil, sum, fmt.Errorf("parse %s: %w", m.path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(jsonBytes))
	dec.DisallowUnknownFields()
	cfg := &Config{}
	if err := dec.Decode(cfg); err != nil {
		return nil, sum, fmt.Errorf("decode %s: %w", m.path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, sum, fmt.Errorf("validate %s: %w", m.path, err)
	}
	return cfg, sha256.Sum256(raw), nil
}

// Commit installs cfg as the active configuration.
func (m *Manager) Commit(cfg *Config, sum [sha256.Size]byte) {
	m.mu.Lock()
	m.cur = cfg
	m.lastHash = sum
	m.mu.Unlock()
}

// Subscribe registers for committed config updates. The returned channel
// is buffered; cancel removes the subscription and closes it.
func (m *Manager) Subscribe() (<-chan *Config, func()) {
	ch := make(chan *Config, 1)
	m.subMu.Lock()
	m.seq++
	id := m.seq
	m.subs[id] = ch
	m.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, id)
			m.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (m *Manager) publish(cfg *Config) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
		default:
			// Drop the oldest pending update so slow subscribers only
			// ever see the most recent config.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
				m.log.Debug("config update dropped (subscriber slow)")
			}
		}
	}
}

const watchDebounce = 250 * time.Millisecond

// Watch runs until ctx is cancelled, reloading the file on change.
//
// Write events are debounced; a reload whose content hash matches the
// committed config is skipped. Watcher failures self-heal with backoff.
func (m *Manager) Watch(ctx context.Context) error {
	backoff := time.Second
	for {
		if err := m.watchOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Warn("config watcher failed; restarting",
				logx.Err(err), logx.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		return nil
	}
}

func (m *Manager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors replace files via rename, which drops
	// a watch placed on the file itself.
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var debounce *time.Timer
	var debounceC <-chan time.Time

	target := filepath.Clean(m.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("watch events closed")
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("watch errors closed")
			}
			return fmt.Errorf("watch: %w", err)

		case <-debounceC:
			debounce = nil
			debounceC = nil
			m.reload(ctx)
		}
	}
}

func (m *Manager) reload(ctx context.Context) {
	cfg, sum, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload failed; keeping previous", logx.Err(err))
		return
	}

	m.mu.RLock()
	unchanged := sum == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping publish")
		return
	}

	if m.Validate != nil {
		vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := m.Validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected; keeping previous", logx.Err(err))
			return
		}
	}

	m.Commit(cfg, sum)
	m.log.Info("config reloaded", logx.String("path", m.path))
	m.publish(cfg)
}
