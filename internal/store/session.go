package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// sessionKey is the single key the session record lives under.
const sessionKey = "session"

// recordVersion is the current session record format. Records carrying any
// other version are purged on load, same as TTL expiry.
const recordVersion = 1

// ErrExpired reports that the persisted session record was older than the
// TTL. The record has already been purged; callers start fresh.
var ErrExpired = errors.New("session record expired")

// Record is the persisted session snapshot: which jobs were active and
// which one the operator was looking at, so a later invocation can pick up
// where the last one stopped.
type Record struct {
	Version         int      `json:"version"`
	ActiveJobIDs    []string `json:"active_job_ids"`
	LastActiveJobID string   `json:"last_active_job_id,omitempty"`
	// SavedAt is unix milliseconds.
	SavedAt int64 `json:"saved_at"`
}

// SessionStore reads and writes the session record through a KV backend.
// All mutating operations are load-modify-save under one mutex, so
// concurrent callers in the same process never interleave half-applied
// records.
type SessionStore struct {
	mu      sync.Mutex
	kv      KV
	ttl     time.Duration
	maxJobs int
	now     func() time.Time
	logger  *zap.Logger
}

// NewSessionStore wraps kv. A non-positive ttl defaults to 24h, a
// non-positive maxJobs to 5, a nil logger to a no-op logger.
func NewSessionStore(kv KV, ttl time.Duration, maxJobs int, logger *zap.Logger) *SessionStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if maxJobs < 1 {
		maxJobs = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionStore{
		kv:      kv,
		ttl:     ttl,
		maxJobs: maxJobs,
		now:     time.Now,
		logger:  logger,
	}
}

// Save persists rec, stamping the version and save time.
func (s *SessionStore) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(rec)
}

// Load returns the persisted record. A missing record returns (nil, nil).
// A record older than the TTL or in an unknown format is purged and
// reported as ErrExpired; callers treat that the same as absent.
func (s *SessionStore) Load() (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Clear removes the persisted record.
func (s *SessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(sessionKey)
}

// Add appends jobID to the active set. Adding an id already present is a
// no-op. When the set exceeds the job cap the oldest id is dropped.
func (s *SessionStore) Add(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.loadOrNewLocked()
	for _, id := range rec.ActiveJobIDs {
		if id == jobID {
			return s.saveLocked(rec)
		}
	}
	rec.ActiveJobIDs = append(rec.ActiveJobIDs, jobID)
	for len(rec.ActiveJobIDs) > s.maxJobs {
		dropped := rec.ActiveJobIDs[0]
		rec.ActiveJobIDs = rec.ActiveJobIDs[1:]
		if rec.LastActiveJobID == dropped {
			rec.LastActiveJobID = ""
		}
		s.logger.Warn("session record over job cap, dropping oldest",
			zap.String("job_id", dropped))
	}
	return s.saveLocked(rec)
}

// Remove drops jobID from the active set. Removing an absent id is a
// no-op.
func (s *SessionStore) Remove(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.loadOrNewLocked()
	kept := rec.ActiveJobIDs[:0]
	for _, id := range rec.ActiveJobIDs {
		if id != jobID {
			kept = append(kept, id)
		}
	}
	rec.ActiveJobIDs = kept
	if rec.LastActiveJobID == jobID {
		rec.LastActiveJobID = ""
	}
	return s.saveLocked(rec)
}

// UpdateLastActive marks jobID as the one the operator is looking at. The
// id must already be in the active set.
func (s *SessionStore) UpdateLastActive(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.loadOrNewLocked()
	for _, id := range rec.ActiveJobIDs {
		if id == jobID {
			rec.LastActiveJobID = jobID
			return s.saveLocked(rec)
		}
	}
	return fmt.Errorf("job %s is not in the session record", jobID)
}

// Reconcile probes every persisted job id and drops the ones the probe
// reports gone. Probes run concurrently, one per id. A probe error keeps
// the id: only a definitive "not found" answer discards state. Returns the
// surviving record (nil when none).
func (s *SessionStore) Reconcile(ctx context.Context, probe func(ctx context.Context, jobID string) (bool, error)) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked()
	if err != nil || rec == nil {
		return nil, err
	}

	drop := make([]bool, len(rec.ActiveJobIDs))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range rec.ActiveJobIDs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			alive, err := probe(gctx, id)
			if err != nil {
				s.logger.Warn("probe failed, keeping job",
					zap.String("job_id", id), zap.Error(err))
				return nil
			}
			if !alive {
				drop[i] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	kept := make([]string, 0, len(rec.ActiveJobIDs))
	for i, id := range rec.ActiveJobIDs {
		if drop[i] {
			s.logger.Info("dropping stale job from session",
				zap.String("job_id", id))
			continue
		}
		kept = append(kept, id)
	}

	if len(kept) == len(rec.ActiveJobIDs) {
		return rec, nil
	}

	rec.ActiveJobIDs = kept
	if rec.LastActiveJobID != "" && !contains(kept, rec.LastActiveJobID) {
		rec.LastActiveJobID = ""
	}
	if err := s.saveLocked(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// loadLocked reads and validates the record. Caller holds s.mu.
func (s *SessionStore) loadLocked() (*Record, error) {
	raw, ok, err := s.kv.Get(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load session record: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn("purging unreadable session record", zap.Error(err))
		_ = s.kv.Delete(sessionKey)
		return nil, ErrExpired
	}
	if rec.Version != recordVersion {
		s.logger.Warn("purging session record with unknown version",
			zap.Int("version", rec.Version))
		_ = s.kv.Delete(sessionKey)
		return nil, ErrExpired
	}

	savedAt := time.UnixMilli(rec.SavedAt)
	if s.now().Sub(savedAt) > s.ttl {
		s.logger.Info("purging expired session record",
			zap.Time("saved_at", savedAt))
		if err := s.kv.Delete(sessionKey); err != nil {
			return nil, fmt.Errorf("failed to purge expired record: %w", err)
		}
		return nil, ErrExpired
	}
	return &rec, nil
}

// loadOrNewLocked returns the current record, or a fresh empty one when the
// stored record is absent, expired, or unreadable. Caller holds s.mu.
func (s *SessionStore) loadOrNewLocked() *Record {
	rec, err := s.loadLocked()
	if err != nil || rec == nil {
		return &Record{Version: recordVersion}
	}
	return rec
}

// saveLocked stamps and writes rec. Caller holds s.mu.
func (s *SessionStore) saveLocked(rec *Record) error {
	rec.Version = recordVersion
	rec.SavedAt = s.now().UnixMilli()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	if err := s.kv.Set(sessionKey, data); err != nil {
		return fmt.Errorf("failed to save session record: %w", err)
	}
	return nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
