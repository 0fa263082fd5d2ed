package events

import (
	"context"
	"errors"
	"sync"

	xerrors "PolyChat/internal/errors"
)

// MemoryPublisher buffers notices on a channel, mainly for tests.
type MemoryPublisher struct {
	ch     chan Notice
	mu     sync.Mutex
	closed bool
}

// NewMemoryPublisher creates a publisher with the given buffer size.
func NewMemoryPublisher(size int) *MemoryPublisher {
	if size <= 0 {
		size = 64
	}
	return &MemoryPublisher{ch: make(chan Notice, size)}
}

// Publish implements Publisher. It never blocks; a full buffer is an error.
func (p *MemoryPublisher) Publish(ctx context.Context, notice Notice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return xerrors.Wrap(xerrors.CodeQueueFailure, errors.New("publisher closed"), "publish notice")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case p.ch <- notice:
		return nil
	default:
		return xerrors.New(xerrors.CodeQueueFailure, "notice buffer full")
	}
}

// Notices exposes the buffered notices.
func (p *MemoryPublisher) Notices() <-chan Notice {
	return p.ch
}

// Close implements Publisher.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		close(p.ch)
		p.closed = true
	}
	return nil
}
