package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mbme/arhiv-sub003/internal/entities"
)

// idLocks serializes read-modify-write cycles per document id.
type idLocks struct {
	mu      sync.Mutex
	entries map[entities.Id]*idLockEntry
}

type idLockEntry struct {
	mu      sync.Mutex
	waiters int
}

func newIDLocks() *idLocks {
	return &idLocks{entries: make(map[entities.Id]*idLockEntry)}
}

// lock acquires every id in sorted order and returns the release function.
func (l *idLocks) lock(ids ...entities.Id) func() {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	acquired := make([]*idLockEntry, 0, len(ordered))
	for _, id := range ordered {
		l.mu.Lock()
		entry, ok := l.entries[id]
		if !ok {
			entry = &idLockEntry{}
			l.entries[id] = entry
		}
		entry.waiters++
		l.mu.Unlock()

		entry.mu.Lock()
		acquired = append(acquired, entry)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for index := len(acquired) - 1; index >= 0; index-- {
				entry := acquired[index]
				id := ordered[index]
				entry.mu.Unlock()
				l.mu.Lock()
				entry.waiters--
				if entry.waiters == 0 {
					delete(l.entries, id)
				}
				l.mu.Unlock()
			}
		})
	}
}

func (l *idLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// DocumentLock is an editor lease on a document. Stage and Erase of a locked
// document require the lease key.
type DocumentLock struct {
	ID       entities.Id `json:"id"`
	Reason   string      `json:"reason"`
	LockedAt time.Time   `json:"locked_at"`
	key      string
}

type documentLocks struct {
	mu    sync.Mutex
	locks map[entities.Id]DocumentLock
}

func newDocumentLocks() *documentLocks {
	return &documentLocks{locks: make(map[entities.Id]DocumentLock)}
}

func (d *documentLocks) acquire(id entities.Id, reason string, now time.Time) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.locks[id]; ok {
		return "", fmt.Errorf("%w: %s (%s)", ErrDocumentLocked, id, existing.Reason)
	}
	key := uuid.NewString()
	d.locks[id] = DocumentLock{ID: id, Reason: reason, LockedAt: now, key: key}
	return key, nil
}

func (d *documentLocks) release(id entities.Id, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.locks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLocked, id)
	}
	if existing.key != key {
		return fmt.Errorf("%w: %s: key mismatch", ErrDocumentLocked, id)
	}
	delete(d.locks, id)
	return nil
}

func (d *documentLocks) check(id entities.Id, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.locks[id]
	if !ok || existing.key == key {
		return nil
	}
	return fmt.Errorf("%w: %s (%s)", ErrDocumentLocked, id, existing.Reason)
}

func (d *documentLocks) list() []DocumentLock {
	d.mu.Lock()
	defer d.mu.Unlock()
	result := make([]DocumentLock, 0, len(d.locks))
	for _, lock := range d.locks {
		result = append(result, lock)
	}
	slices.SortFunc(result, func(a, b DocumentLock) int { return cmp.Compare(a.ID, b.ID) })
	return result
}

type lockKeyContextKey struct{}

// WithLockKey attaches a document lock key to ctx for Stage and Erase.
func WithLockKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, lockKeyContextKey{}, key)
}

func lockKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(lockKeyContextKey{}).(string)
	return key
}

// LockDocument takes an editor lease on an existing document and returns its key.
func (s *Store) LockDocument(ctx context.Context, id entities.Id, reason string) (string, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return "", err
	}
	key, err := s.docLocks.acquire(id, reason, s.clock().UTC())
	if err != nil {
		return "", newServiceError(opLocks, "already_locked", err)
	}
	s.logger.Debug("document locked", zap.String("document_id", id.String()), zap.String("reason", reason))
	return key, nil
}

// UnlockDocument releases a lease taken by LockDocument.
func (s *Store) UnlockDocument(_ context.Context, id entities.Id, key string) error {
	if err := s.docLocks.release(id, key); err != nil {
		return newServiceError(opLocks, "unlock_failed", err)
	}
	return nil
}

// Locks lists the active document leases.
func (s *Store) Locks() []DocumentLock {
	return s.docLocks.list()
}
