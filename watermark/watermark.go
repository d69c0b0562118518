// Package watermark persists per-channel sequence bookkeeping so that a restarted party neither re-delivers
// frames it already processed nor reuses sequence numbers it already wrote.
package watermark

import (
	"context"
	"sync"

	"github.com/guseggert/fsduplex/frame"
)

// Mark is the bookkeeping for one party of one channel.
type Mark struct {
	// PeerSeq is the highest seq processed from the peer.
	PeerSeq uint64
	// LocalSeq is the last seq this party wrote, or reserved for writing.
	LocalSeq uint64
	// Closed is the close reason once the channel reached its terminal state, and empty while it is live.
	Closed frame.Reason
}

// Store loads and saves marks keyed by channel name and the role of the party that owns them.
// Load returns a zero Mark for an unknown key.
type Store interface {
	Load(ctx context.Context, channel string, role frame.Role) (Mark, error)
	Save(ctx context.Context, channel string, role frame.Role, m Mark) error
	Close() error
}

type key struct {
	channel string
	role    frame.Role
}

// MemoryStore keeps marks in memory. It is useful in tests and for restarts within one process.
type MemoryStore struct {
	mu    sync.Mutex
	marks map[key]Mark
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{marks: map[key]Mark{}}
}

func (s *MemoryStore) Load(ctx context.Context, channel string, role frame.Role) (Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[key{channel, role}], nil
}

func (s *MemoryStore) Save(ctx context.Context, channel string, role frame.Role, m Mark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{channel, role}
	s.marks[k] = merge(s.marks[k], m)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// merge never lets either counter move backwards, and never reopens a closed channel.
func merge(old, m Mark) Mark {
	closed := old.Closed
	if closed == "" {
		closed = m.Closed
	}
	return Mark{PeerSeq: max(old.PeerSeq, m.PeerSeq), LocalSeq: max(old.LocalSeq, m.LocalSeq), Closed: closed}
}
