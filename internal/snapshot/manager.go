// Package snapshot maintains the per-client business snapshot and its
// differential delivery queue: a JSON-shaped tree per user plus a bounded
// list of pending merge patches, drained by long-poll Peek calls. Each
// user has a private queue; one shared global stream (quotes, klines,
// broadcast notices) is merged into every attached user's stream.
package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrDetached is returned by Peek for a user that was never attached or was
// detached while the peek was waiting.
var ErrDetached = errors.New("snapshot: user not attached")

// DefaultMaxPending bounds the per-user patch queue. When the queue is
// full the two oldest patches coalesce into one, preserving convergence
// with bounded memory.
const DefaultMaxPending = 256

// userStream is one attached user's server-side tree and pending patches.
type userStream struct {
	tree    map[string]any
	pending []Patch
	notify  chan struct{} // 1-buffered; signaled on every push
}

// Manager owns every attached user's stream plus the global (quotes /
// klines / notify) subtree shared by all of them.
type Manager struct {
	mu         sync.Mutex
	users      map[string]*userStream
	global     map[string]any
	maxPending int
	logger     *slog.Logger
}

// NewManager creates an empty snapshot manager.
func NewManager(logger *slog.Logger, maxPending int) *Manager {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Manager{
		users:      make(map[string]*userStream),
		global:     make(map[string]any),
		maxPending: maxPending,
		logger:     logger.With("component", "snapshot"),
	}
}

// Attach registers userID and seeds its queue with the current global tree
// (quotes, klines, notify) as one initial patch, so a client that attaches
// late still converges from {}. Attaching an already-attached user is a
// no-op.
func (m *Manager) Attach(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; ok {
		return
	}
	us := &userStream{
		tree:   make(map[string]any),
		notify: make(chan struct{}, 1),
	}
	if len(m.global) > 0 {
		us.appendPatch(m.global, m.maxPending)
		us.tree = MergePatch(us.tree, m.global)
	}
	m.users[userID] = us
	m.logger.Debug("user attached", "user", userID, "total", len(m.users))
}

// Detach drops userID's stream and wakes any blocked Peek, which then
// returns ErrDetached. Coalesced-but-undelivered patches are dropped with
// the stream.
func (m *Manager) Detach(userID string) {
	m.mu.Lock()
	us, ok := m.users[userID]
	if ok {
		delete(m.users, userID)
		close(us.notify)
	}
	m.mu.Unlock()
}

// Push appends a patch to exactly one user's queue — a push carrying a user
// id never reaches any other user's stream.
func (m *Manager) Push(userID string, patch Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.users[userID]
	if !ok {
		return // user not attached; nothing observes this subtree
	}
	us.tree = MergePatch(us.tree, patch)
	us.appendPatch(patch, m.maxPending)
	us.wake()
}

// PushGlobal merges a patch into the shared quotes/klines/notify subtree
// and appends it to every attached user's queue.
func (m *Manager) PushGlobal(patch Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = MergePatch(m.global, patch)
	for _, us := range m.users {
		us.tree = MergePatch(us.tree, patch)
		us.appendPatch(patch, m.maxPending)
		us.wake()
	}
}

// Peek returns the next batch of patches for userID, blocking until at
// least one is pending. A peek never returns an empty batch; applying the
// returned patches in order to the client's local copy yields the server's
// tree at the moment of return. Cancelling ctx deregisters the waiter.
func (m *Manager) Peek(ctx context.Context, userID string) ([]Patch, error) {
	for {
		m.mu.Lock()
		us, ok := m.users[userID]
		if !ok {
			m.mu.Unlock()
			return nil, ErrDetached
		}
		if len(us.pending) > 0 {
			batch := us.pending
			us.pending = nil
			m.mu.Unlock()
			return batch, nil
		}
		notify := us.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case _, open := <-notify:
			if !open {
				return nil, ErrDetached
			}
		}
	}
}

// Tree returns a copy-on-write reference to userID's current server-side
// tree. The returned map must be treated as immutable.
func (m *Manager) Tree(userID string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.users[userID]
	if !ok {
		return nil, false
	}
	return us.tree, true
}

// appendPatch enqueues patch, coalescing the two oldest entries when the
// queue is at its bound so memory stays bounded and replay still converges.
func (us *userStream) appendPatch(patch Patch, maxPending int) {
	if len(us.pending) >= maxPending && len(us.pending) >= 2 {
		us.pending[1] = mergePatches(us.pending[0], us.pending[1])
		us.pending = us.pending[1:]
	}
	us.pending = append(us.pending, patch)
}

func (us *userStream) wake() {
	select {
	case us.notify <- struct{}{}:
	default:
	}
}
