package lock

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Release gives a held lock back. It is safe to call more than once.
type Release func() error

// Locker serializes runs that target the same entity.
type Locker interface {
	Acquire(ctx context.Context, name string) (Release, error)
}

// Local serializes runs inside one process.
type Local struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewLocal() *Local {
	return &Local{locks: map[string]chan struct{}{}}
}

func (l *Local) Acquire(ctx context.Context, name string) (Release, error) {
	l.mu.Lock()
	ch, ok := l.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[name] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Wrapf(ctx.Err(), "gave up waiting for lock '%s'", name)
	}

	var once sync.Once
	return func() error {
		once.Do(func() { <-ch })
		return nil
	}, nil
}
