package domain

import "context"

// CheckpointStore persists whole-state snapshots keyed by thread id.
// Implementations must return ErrThreadNotFound from Load for unknown
// threads and treat Delete of an unknown thread as a no-op.
type CheckpointStore interface {
	Load(ctx context.Context, threadID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, threadID string) error
}

// ThreadLocker grants exclusive ownership of a thread to one execution.
// TryLock never blocks; it reports false when the thread is already held.
// The returned release function must be called exactly once.
type ThreadLocker interface {
	TryLock(ctx context.Context, threadID string) (release func(), ok bool, err error)
}
