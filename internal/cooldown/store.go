package cooldown

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	logx "cdbot/pkg/logx"
)

// Record is one timer, keyed by (user, activity) in the Store.
//
// ExpiresAt is seconds since epoch (fractional), matching the state
// file format. ChannelID is where the ready alert goes; nil means no
// channel ping. Notified flips to true exactly once per expiry.
type Record struct {
	ExpiresAt float64 `json:"expires_at"`
	ChannelID *int64  `json:"channel_id"`
	Notified  bool    `json:"notified"`
}

// UnmarshalJSON accepts both the structured record and the legacy
// bare-number encoding (just an expiry timestamp).
func (r *Record) UnmarshalJSON(b []byte) error {
	var legacy float64
	if err := json.Unmarshal(b, &legacy); err == nil {
		*r = Record{ExpiresAt: legacy}
		return nil
	}
	type plain Record
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Record(p)
	return nil
}

func (r Record) expiry() time.Time {
	sec := int64(r.ExpiresAt)
	nsec := int64((r.ExpiresAt - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Expiry is one newly expired timer collected by a scan.
type Expiry struct {
	UserID    int64
	Activity  string
	ChannelID *int64
	ExpiresAt time.Time
}

// Store owns all timer records and their persistence.
//
// Every mutating operation saves before returning, so in-memory and
// on-disk state are never more than one mutation apart. Scanner
// mutations (mark-notified, prune) instead set a dirty flag and are
// flushed once per cycle.
type Store struct {
	path string
	log  logx.Logger
	now  func() time.Time

	mu    sync.Mutex
	data  map[int64]map[string]*Record
	dirty bool
}

type StoreOption func(*Store)

// WithClock overrides the store's time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore loads the state file at path. A missing or corrupt file
// yields an empty store, never an error.
func NewStore(path string, log logx.Logger, opts ...StoreOption) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		path: path,
		log:  log,
		now:  time.Now,
		data: map[int64]map[string]*Record{},
	}
	for _, o := range opts {
		o(s)
	}
	s.load()
	return s
}

func (s *Store) load() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("state file unreadable; starting empty",
				logx.String("path", s.path), logx.Err(err))
		}
		return
	}
	var onDisk map[string]map[string]*Record
	if err := json.Unmarshal(raw, &onDisk); err != nil {
		s.log.Warn("state file corrupt; starting empty",
			logx.String("path", s.path), logx.Err(err))
		return
	}
	for uidStr, acts := range onDisk {
		uid, err := strconv.ParseInt(uidStr, 10, 64)
		if err != nil {
			s.log.Warn("state file: skipping bad user key", logx.String("key", uidStr))
			continue
		}
		if len(acts) == 0 {
			continue
		}
		s.data[uid] = acts
	}
	s.log.Info("cooldown state loaded",
		logx.String("path", s.path), logx.Int("users", len(s.data)))
}

// saveLocked writes the full store atomically (temp file + rename).
func (s *Store) saveLocked() error {
	onDisk := make(map[string]map[string]*Record, len(s.data))
	for uid, acts := range s.data {
		onDisk[strconv.FormatInt(uid, 10)] = acts
	}
	raw, err := json.MarshalIndent(onDisk, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	s.dirty = false
	return nil
}

// Remaining returns the time left on (user, activity), zero when absent
// or already expired.
func (s *Store) Remaining(userID int64, activity string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.data[userID][activity]
	if !ok {
		return 0
	}
	rem := r.expiry().Sub(s.now())
	if rem < 0 {
		return 0
	}
	return rem
}

// Start sets (user, activity) to expire after d, overwriting any prior
// record. Last writer wins; there is no merge.
func (s *Store) Start(userID int64, activity string, d time.Duration, channelID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acts := s.data[userID]
	if acts == nil {
		acts = map[string]*Record{}
		s.data[userID] = acts
	}
	exp := s.now().Add(d)
	acts[activity] = &Record{
		ExpiresAt: float64(exp.UnixNano()) / 1e9,
		ChannelID: channelID,
	}
	return s.saveLocked()
}

// Clear removes one activity for a user, or every activity when
// activity is empty. Removing a user's last record drops the user
// entirely. Returns whether anything was removed.
func (s *Store) Clear(userID int64, activity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acts, ok := s.data[userID]
	if !ok {
		return false, nil
	}
	if activity == "" {
		delete(s.data, userID)
		return true, s.saveLocked()
	}
	if _, ok := acts[activity]; !ok {
		return false, nil
	}
	delete(acts, activity)
	if len(acts) == 0 {
		delete(s.data, userID)
	}
	return true, s.saveLocked()
}

// UserRecords returns a copy of one user's records.
func (s *Store) UserRecords(userID int64) map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	acts := s.data[userID]
	if len(acts) == 0 {
		return nil
	}
	out := make(map[string]Record, len(acts))
	for a, r := range acts {
		out[a] = *r
	}
	return out
}

// AllRecords returns a deep copy of the whole store, for the admin
// listing.
func (s *Store) AllRecords() map[int64]map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]map[string]Record, len(s.data))
	for uid, acts := range s.data {
		m := make(map[string]Record, len(acts))
		for a, r := range acts {
			m[a] = *r
		}
		out[uid] = m
	}
	return out
}

// CollectExpired marks every newly expired record notified and returns
// them, sorted for deterministic dispatch. The notified flag guarantees
// at most one alert per record across scans. Callers flush afterwards.
func (s *Store) CollectExpired() []Expiry {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []Expiry
	for uid, acts := range s.data {
		for name, r := range acts {
			if r.Notified || r.expiry().After(now) {
				continue
			}
			r.Notified = true
			s.dirty = true
			out = append(out, Expiry{
				UserID:    uid,
				Activity:  name,
				ChannelID: r.ChannelID,
				ExpiresAt: r.expiry(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Activity < out[j].Activity
	})
	return out
}

// Prune drops records expired for longer than retention and reports how
// many were removed. Callers flush afterwards.
func (s *Store) Prune(retention time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-retention)
	removed := 0
	for uid, acts := range s.data {
		for name, r := range acts {
			if r.expiry().After(cutoff) {
				continue
			}
			delete(acts, name)
			removed++
		}
		if len(acts) == 0 {
			delete(s.data, uid)
		}
	}
	if removed > 0 {
		s.dirty = true
	}
	return removed
}

// Flush saves the store if any scanner mutation is unpersisted.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}
