package partitionlock

import (
	"context"
	"sync"
)

// PartitionLock is implemented by Lock and by Void. Collaborators should depend on this interface so that
// coordination can be switched off for single-writer contexts.
type PartitionLock interface {
	// AcquireEntry blocks until shared access to partition is granted or ctx is done.
	AcquireEntry(ctx context.Context, partition string) error
	// ReleaseEntry gives back one unit of shared access to partition.
	ReleaseEntry(partition string)
	// AcquireWhole blocks until exclusive access to partition is granted or ctx is done.
	AcquireWhole(ctx context.Context, partition string) error
	// ReleaseWhole gives back exclusive access to partition.
	ReleaseWhole(partition string)
	// EntryAccess acquires shared access and returns a func releasing it. The returned func is safe to call
	// more than once.
	EntryAccess(ctx context.Context, partition string) (func(), error)
	// WholePartitionAccess acquires exclusive access and returns a func releasing it. The returned func is safe
	// to call more than once.
	WholePartitionAccess(ctx context.Context, partition string) (func(), error)
}

// State is a point-in-time view of a single partition.
type State struct {
	Entries      int
	Exclusive    bool
	WaitingWhole int
}

type partitionState struct {
	entries   int
	exclusive bool
	// Tickets of announced whole-partition requests, oldest first. Only the head may be granted.
	waiting []uint64
}

func (s *partitionState) idle() bool {
	return s.entries == 0 && !s.exclusive && len(s.waiting) == 0
}

// Lock is the coordinating PartitionLock. The zero value is not usable; create one with New.
type Lock struct {
	mu         sync.Mutex
	partitions map[string]*partitionState
	// Source of whole-partition tickets. Tickets are never reused.
	nextTicket uint64
	// Closed and replaced whenever any partition changes state. Waiters re-check their condition when it closes.
	changed chan struct{}
}

func New() *Lock {
	return &Lock{
		partitions: make(map[string]*partitionState),
		changed:    make(chan struct{}),
	}
}

func (l *Lock) AcquireEntry(ctx context.Context, partition string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		s := l.stateFor(partition)
		if !s.exclusive && len(s.waiting) == 0 {
			s.entries++
			return nil
		}
		if err := l.wait(ctx); err != nil {
			l.forgetIfIdle(partition)
			return err
		}
	}
}

func (l *Lock) ReleaseEntry(partition string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.partitions[partition]
	if !ok || s.entries == 0 {
		panic("partitionlock: release of unheld entry access to partition " + partition)
	}
	s.entries--
	l.forgetIfIdle(partition)
	l.broadcast()
}

func (l *Lock) AcquireWhole(ctx context.Context, partition string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Announce intent first. This alone stops new entries from being granted.
	l.nextTicket++
	ticket := l.nextTicket
	s := l.stateFor(partition)
	s.waiting = append(s.waiting, ticket)

	for {
		// The partition cannot have been forgotten while our ticket is queued.
		s = l.partitions[partition]
		if s.waiting[0] == ticket && s.entries == 0 && !s.exclusive {
			s.waiting = s.waiting[1:]
			s.exclusive = true
			return nil
		}
		if err := l.wait(ctx); err != nil {
			s = l.partitions[partition]
			s.waiting = removeTicket(s.waiting, ticket)
			l.forgetIfIdle(partition)
			// Entries blocked only by our announcement, and the next whole waiter, may now proceed.
			l.broadcast()
			return err
		}
	}
}

func (l *Lock) ReleaseWhole(partition string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.partitions[partition]
	if !ok || !s.exclusive {
		panic("partitionlock: release of unheld whole-partition access to partition " + partition)
	}
	s.exclusive = false
	l.forgetIfIdle(partition)
	l.broadcast()
}

func (l *Lock) EntryAccess(ctx context.Context, partition string) (func(), error) {
	if err := l.AcquireEntry(ctx, partition); err != nil {
		return nil, err
	}
	return releaseOnce(func() { l.ReleaseEntry(partition) }), nil
}

func (l *Lock) WholePartitionAccess(ctx context.Context, partition string) (func(), error) {
	if err := l.AcquireWhole(ctx, partition); err != nil {
		return nil, err
	}
	return releaseOnce(func() { l.ReleaseWhole(partition) }), nil
}

// State returns the current state of partition. Partitions nobody holds or waits for report the zero State.
func (l *Lock) State(partition string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.partitions[partition]
	if !ok {
		return State{}
	}
	return State{Entries: s.entries, Exclusive: s.exclusive, WaitingWhole: len(s.waiting)}
}

// ActivePartitions returns the number of partitions that are currently held or waited on.
func (l *Lock) ActivePartitions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.partitions)
}

// wait must be called with l.mu held. It releases the mutex until the next state change or until ctx is done,
// and re-acquires it before returning. A non-nil error means ctx is done.
func (l *Lock) wait(ctx context.Context) error {
	changed := l.changed
	l.mu.Unlock()
	select {
	case <-changed:
	case <-ctx.Done():
	}
	l.mu.Lock()
	return ctx.Err()
}

func (l *Lock) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Lock) stateFor(partition string) *partitionState {
	s, ok := l.partitions[partition]
	if !ok {
		s = &partitionState{}
		l.partitions[partition] = s
	}
	return s
}

func (l *Lock) forgetIfIdle(partition string) {
	if s, ok := l.partitions[partition]; ok && s.idle() {
		delete(l.partitions, partition)
	}
}

func removeTicket(waiting []uint64, ticket uint64) []uint64 {
	for i, candidate := range waiting {
		if candidate == ticket {
			return append(waiting[:i], waiting[i+1:]...)
		}
	}
	return waiting
}

func releaseOnce(release func()) func() {
	var once sync.Once
	return func() { once.Do(release) }
}

// WithEntry runs fn while holding entry access to partition. Access is released however fn exits.
func WithEntry(ctx context.Context, lock PartitionLock, partition string, fn func(ctx context.Context) error) error {
	release, err := lock.EntryAccess(ctx, partition)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// WithWhole runs fn while holding whole-partition access to partition. Access is released however fn exits.
func WithWhole(ctx context.Context, lock PartitionLock, partition string, fn func(ctx context.Context) error) error {
	release, err := lock.WholePartitionAccess(ctx, partition)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
