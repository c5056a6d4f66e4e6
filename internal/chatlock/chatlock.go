// Package chatlock serializes mutating work per chat. Different chats never
// block each other.
package chatlock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

// Gate is a keyed mutex. Entries are reference counted and dropped once no
// caller holds or waits for them, so the map only grows with active chats.
type Gate struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Gate {
	return &Gate{locks: make(map[string]*entry)}
}

// Lock blocks until the chat's lock is held or ctx is done. The returned
// func releases the lock and is safe to call more than once.
func (g *Gate) Lock(ctx context.Context, chat string) (func(), error) {
	g.mu.Lock()
	e, ok := g.locks[chat]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		g.locks[chat] = e
	}
	e.refs++
	g.mu.Unlock()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		g.release(chat, e)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			g.release(chat, e)
		})
	}, nil
}

// Do runs fn while holding the chat's lock.
func (g *Gate) Do(ctx context.Context, chat string, fn func(ctx context.Context) error) error {
	unlock, err := g.Lock(ctx, chat)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

func (g *Gate) release(chat string, e *entry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.locks, chat)
	}
}

// Len returns the number of chats currently held or awaited.
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.locks)
}
