package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyExists is returned by Create when the id is taken.
var ErrAlreadyExists = errors.New("session already exists")

// Store is the in-memory keyed session registry. Two concurrent turns
// against the same id would race on the read-modify-write cycle, so callers
// must hold the per-key lock (Acquire) for the whole turn. The idle janitor
// respects the same lock and never evicts a session mid-turn.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*keyLock

	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore creates a store with the given idle TTL. A zero TTL disables
// eviction.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		sessions: make(map[string]*Session),
		locks:    make(map[string]*keyLock),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
}

// Acquire locks the key for the duration of a turn and returns the release
// function. Distinct keys never contend.
func (st *Store) Acquire(id string) func() {
	st.mu.Lock()
	kl, ok := st.locks[id]
	if !ok {
		kl = &keyLock{}
		st.locks[id] = kl
	}
	kl.refs++
	st.mu.Unlock()

	kl.mu.Lock()

	return func() {
		kl.mu.Unlock()
		st.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(st.locks, id)
		}
		st.mu.Unlock()
	}
}

// Create registers a new session. Fails if the id is already present.
func (st *Store) Create(sess *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.sessions[sess.ID]; ok {
		return ErrAlreadyExists
	}
	sess.LastTouched = time.Now()
	st.sessions[sess.ID] = sess
	return nil
}

// Get returns the session for id. The second return is false when absent —
// a missing session is an expected condition, not an error.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, ok := st.sessions[id]
	if ok {
		sess.LastTouched = time.Now()
	}
	return sess, ok
}

// Replace overwrites the stored session wholesale. Callers supply the full
// updated record.
func (st *Store) Replace(sess *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sess.LastTouched = time.Now()
	st.sessions[sess.ID] = sess
}

// Delete removes the session. Deleting a missing id is a no-op.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	defer st.mu.Unlock()

	delete(st.sessions, id)
}

// Summary is a value copy of one session's listing fields.
type Summary struct {
	ID           string
	Provider     string
	Turns        int
	PersonalDead bool
	LastTouched  time.Time
}

// Snapshot returns value copies of the listing fields for every live
// session, in no particular order. Turns mutate a session under its key
// lock alone, so each copy is taken under that same lock — a snapshot
// never observes a turn's partial writes.
func (st *Store) Snapshot() []Summary {
	st.mu.Lock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	st.mu.Unlock()

	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		release := st.Acquire(id)
		st.mu.Lock()
		if sess, ok := st.sessions[id]; ok {
			out = append(out, Summary{
				ID:           sess.ID,
				Provider:     sess.Provider,
				Turns:        len(sess.TopicHistory),
				PersonalDead: sess.PersonalDead,
				LastTouched:  sess.LastTouched,
			})
		}
		st.mu.Unlock()
		release()
	}
	return out
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()

	return len(st.sessions)
}

// StartJanitor begins the idle-eviction sweep on its own cadence. No-op
// when the TTL is zero.
func (st *Store) StartJanitor(interval time.Duration) {
	if st.ttl <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				st.sweep()
			case <-st.stop:
				return
			}
		}
	}()
}

// Close stops the janitor.
func (st *Store) Close() {
	st.once.Do(func() { close(st.stop) })
}

func (st *Store) sweep() {
	cutoff := time.Now().Add(-st.ttl)

	st.mu.Lock()
	var stale []string
	for id, sess := range st.sessions {
		if sess.LastTouched.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	st.mu.Unlock()

	for _, id := range stale {
		st.evict(id, cutoff)
	}
}

// evict deletes one stale session, skipping it entirely when a turn holds
// the key lock. The staleness re-check under the lock covers sessions
// touched between the scan and the eviction.
func (st *Store) evict(id string, cutoff time.Time) {
	st.mu.Lock()
	if _, held := st.locks[id]; held {
		// A turn is in flight (or about to be); leave it for the next sweep.
		st.mu.Unlock()
		return
	}

	sess, ok := st.sessions[id]
	if !ok || !sess.LastTouched.Before(cutoff) {
		st.mu.Unlock()
		return
	}
	delete(st.sessions, id)
	st.mu.Unlock()

	slog.Info("session evicted after idle TTL", "session", id, "ttl", st.ttl)
}
