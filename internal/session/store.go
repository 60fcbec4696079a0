package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChrisColeTech/qwen-gateway/internal/domain"
)

// entry pairs a session with its mutation lock. The lock serializes all
// writes to one session; unrelated sessions never contend.
type entry struct {
	mu   sync.Mutex
	sess Session
}

// Store holds live sessions in memory. All map structure changes go through
// the store lock; per-session field mutation goes through the entry lock.
type Store struct {
	mu            sync.RWMutex
	entries       map[string]*entry
	byFingerprint map[string]string // fingerprint -> session id

	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
	resolvers []resolverStrategy
}

// StoreOption configures the store.
type StoreOption func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a session store whose sessions expire after timeout of
// inactivity.
func NewStore(timeout time.Duration, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		entries:       make(map[string]*entry),
		byFingerprint: make(map[string]string),
		timeout:       timeout,
		logger:        logger,
		now:           time.Now,
	}
	s.resolvers = []resolverStrategy{
		fingerprintStrategy{},
		firstMessageStrategy{logger: logger},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolveOrCreate maps an inbound history to a session. A history with no
// assistant turn is a fresh conversation and always creates. A history with
// assistant turns runs the resolver strategies in order (fingerprint, then
// unique first-message match) and falls back to creating a fresh session when
// nothing matches, which recovers gracefully from lost in-memory state.
func (s *Store) ResolveOrCreate(history []domain.Message) (Session, bool, error) {
	key, err := extractKey(history)
	if err != nil {
		return Session{}, false, err
	}

	if key.hasAssistant {
		s.mu.RLock()
		for _, strat := range s.resolvers {
			id, ok := strat.resolve(s, key)
			if !ok {
				continue
			}
			ent, live := s.entries[id]
			if !live {
				continue
			}
			s.mu.RUnlock()

			ent.mu.Lock()
			now := s.now()
			ent.sess.LastAccessedAt = now
			ent.sess.ExpiresAt = now.Add(s.timeout)
			snapshot := ent.sess
			ent.mu.Unlock()

			s.logger.Debug("session resolved",
				slog.String("session_id", snapshot.ID),
				slog.String("strategy", strat.name()))
			return snapshot, false, nil
		}
		s.mu.RUnlock()
	}

	return s.create(key)
}

func (s *Store) create(key historyKey) (Session, bool, error) {
	now := s.now()
	sess := Session{
		ID:               uuid.New().String(),
		FirstUserMessage: key.firstUserText,
		CreatedAt:        now,
		LastAccessedAt:   now,
		ExpiresAt:        now.Add(s.timeout),
	}

	s.mu.Lock()
	s.entries[sess.ID] = &entry{sess: sess}
	s.mu.Unlock()

	s.logger.Debug("session created", slog.String("session_id", sess.ID))
	return sess, true, nil
}

// Get returns a snapshot of the session, if live.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	ent, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return ent.sess, true
}

// SetUpstreamChatID records the chat thread the upstream created for this
// session. A session binds to exactly one upstream chat; rebinding to a
// different chat id is a programming error.
func (s *Store) SetUpstreamChatID(id, chatID string) error {
	s.mu.RLock()
	ent, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.sess.UpstreamChatID != "" && ent.sess.UpstreamChatID != chatID {
		return fmt.Errorf("session %s already bound to upstream chat %s", id, ent.sess.UpstreamChatID)
	}
	ent.sess.UpstreamChatID = chatID
	return nil
}

// RecordExchange commits a completed (or partially completed) exchange:
// advances the parent pointer, bumps the turn counter, refreshes the expiry
// window, and on the very first exchange computes and indexes the
// fingerprint so the next stateless request can resolve back here.
func (s *Store) RecordExchange(id, newParentMessageID, assistantReplyText string) error {
	s.mu.RLock()
	ent, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}

	ent.mu.Lock()
	now := s.now()
	if newParentMessageID != "" {
		ent.sess.ParentMessageID = newParentMessageID
	}
	ent.sess.TurnCount++
	ent.sess.LastAccessedAt = now
	ent.sess.ExpiresAt = now.Add(s.timeout)

	var newFingerprint string
	if ent.sess.Fingerprint == "" {
		newFingerprint = Fingerprint(ent.sess.FirstUserMessage, assistantReplyText)
		ent.sess.Fingerprint = newFingerprint
	}
	ent.mu.Unlock()

	if newFingerprint != "" {
		s.mu.Lock()
		s.byFingerprint[newFingerprint] = id
		s.mu.Unlock()
	}
	return nil
}

// Delete removes a session explicitly. Reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	ent, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.entries, id)
	if ent.sess.Fingerprint != "" {
		delete(s.byFingerprint, ent.sess.Fingerprint)
	}
	s.mu.Unlock()
	return true
}

// Sweep removes every session whose expiry is at or before now and returns
// the count removed. The expiry check and the deletion happen under both the
// store lock and the entry lock, so a request that refreshes the expiry
// concurrently either blocks the deletion or moves the expiry before the
// final check; a live refreshed session is never removed. No path holds the
// entry lock while acquiring the store lock, so this ordering cannot
// deadlock.
func (s *Store) Sweep(now time.Time) int {
	s.mu.RLock()
	candidates := make([]*entry, 0, len(s.entries))
	for _, ent := range s.entries {
		candidates = append(candidates, ent)
	}
	s.mu.RUnlock()

	removed := 0
	for _, ent := range candidates {
		s.mu.Lock()
		ent.mu.Lock()
		if ent.sess.ExpiresAt.After(now) {
			ent.mu.Unlock()
			s.mu.Unlock()
			continue
		}
		if cur, ok := s.entries[ent.sess.ID]; ok && cur == ent {
			delete(s.entries, ent.sess.ID)
			if ent.sess.Fingerprint != "" {
				delete(s.byFingerprint, ent.sess.Fingerprint)
			}
			removed++
		}
		ent.mu.Unlock()
		s.mu.Unlock()
	}

	if removed > 0 {
		s.logger.Info("expired sessions swept", slog.Int("removed", removed))
	}
	return removed
}

// Len reports the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
