package ingestion

import (
	"context"
	"sync"
)

// Lease enforces a single writer across start and resume. TryAcquire reports false when another
// owner holds it.
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LocalLease is an in-process lease used when Redis is disabled.
type LocalLease struct {
	mu   sync.Mutex
	held bool
}

func NewLocalLease() *LocalLease {
	return &LocalLease{}
}

func (l *LocalLease) TryAcquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *LocalLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}
