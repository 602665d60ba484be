// Package session correlates inbound messages to per-correspondent sessions
// held in short-lived server-side storage.
package session

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"whatsapp-bridge/internal/domain"
)

// Store is the session storage capability. Implementations expire bags on
// their own after a TTL; the correlator only reads and writes through it.
type Store interface {
	Get(ctx context.Context, key string) (domain.Bag, bool, error)
	Put(ctx context.Context, key string, bag domain.Bag) error
	Clear(ctx context.Context, key string) error
}

// Correlate attaches msg to the session of its sender, creating the session
// when none exists. It returns the updated sessions and the index of the
// session msg was attached to.
func Correlate(sessions []domain.Session, msg domain.InboundMessage, now time.Time) ([]domain.Session, int) {
	entry := domain.Message{Sender: domain.SenderUser, Inbound: &msg, At: now}

	if len(sessions) == 0 {
		return []domain.Session{newSession(msg, entry)}, 0
	}
	for i := range sessions {
		if sessions[i].User == msg.From {
			sessions[i].Messages = append(sessions[i].Messages, entry)
			return sessions, i
		}
	}
	sessions = append(sessions, newSession(msg, entry))
	return sessions, len(sessions) - 1
}

func newSession(msg domain.InboundMessage, first domain.Message) domain.Session {
	return domain.Session{
		User:     msg.From,
		Bot:      msg.To,
		Messages: []domain.Message{first},
	}
}

const lockStripes = 64

// Correlator persists correlated sessions through a Store.
type Correlator struct {
	store Store
	now   func() time.Time
	locks [lockStripes]sync.Mutex
}

// NewCorrelator creates a Correlator backed by store.
func NewCorrelator(store Store) (*Correlator, error) {
	if store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	return &Correlator{store: store, now: time.Now}, nil
}

// lock serializes read-modify-write cycles on one storage key within this process.
func (c *Correlator) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &c.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Attach records msg as a USER entry and returns the applicable session.
func (c *Correlator) Attach(ctx context.Context, key string, msg domain.InboundMessage) (domain.Session, error) {
	if key == "" {
		return domain.Session{}, errors.New("session: storage key is required")
	}
	if msg.From == "" {
		return domain.Session{}, errors.New("session: message sender is required")
	}
	unlock := c.lock(key)
	defer unlock()

	bag, _, err := c.store.Get(ctx, key)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: load %q: %w", key, err)
	}
	sessions, idx := Correlate(bag.Sessions, msg, c.now().UTC())
	bag.Sessions = sessions
	if err := c.store.Put(ctx, key, bag); err != nil {
		return domain.Session{}, fmt.Errorf("session: save %q: %w", key, err)
	}
	return sessions[idx], nil
}

// RecordReply appends a BOT entry with text to the session of user.
// It is a no-op when the session has already expired.
func (c *Correlator) RecordReply(ctx context.Context, key, user, text string) error {
	unlock := c.lock(key)
	defer unlock()

	bag, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("session: load %q: %w", key, err)
	}
	if !ok {
		return nil
	}
	for i := range bag.Sessions {
		if bag.Sessions[i].User != user {
			continue
		}
		bag.Sessions[i].Messages = append(bag.Sessions[i].Messages, domain.Message{
			Sender: domain.SenderBot,
			Text:   text,
			At:     c.now().UTC(),
		})
		if err := c.store.Put(ctx, key, bag); err != nil {
			return fmt.Errorf("session: save %q: %w", key, err)
		}
		return nil
	}
	return nil
}

// Clear drops every session stored under key.
func (c *Correlator) Clear(ctx context.Context, key string) error {
	unlock := c.lock(key)
	defer unlock()
	return c.store.Clear(ctx, key)
}
