// Package registry holds the bounded, memory-only lookup tables that sit in
// front of the ledger: the undo marker set and the command request index.
// Neither is a source of truth; losing an entry only degrades user feedback.
package registry

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultUndoSize         = 20000
	DefaultRequestIndexSize = 5000
)

// Key identifies one message in one chat.
type Key struct {
	Chat    string
	Message int64
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Chat, k.Message)
}

// Undo records which messages have already been reversed.
type Undo interface {
	IsDone(k Key) bool
	MarkDone(k Key)
}

// LRUUndo is an Undo that forgets the least recently marked keys once full.
type LRUUndo struct {
	cache *lru.Cache[Key, struct{}]
}

// NewUndo returns an LRU-bounded undo registry holding at most size keys.
func NewUndo(size int) (*LRUUndo, error) {
	if size <= 0 {
		size = DefaultUndoSize
	}
	c, err := lru.New[Key, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("undo registry: %w", err)
	}
	return &LRUUndo{cache: c}, nil
}

func (u *LRUUndo) IsDone(k Key) bool { return u.cache.Contains(k) }

func (u *LRUUndo) MarkDone(k Key) { u.cache.Add(k, struct{}{}) }

func (u *LRUUndo) Len() int { return u.cache.Len() }

// SetUndo never evicts. Tests use it where eviction would make results
// depend on cache size.
type SetUndo struct {
	mu   sync.Mutex
	done map[Key]struct{}
}

func NewSetUndo() *SetUndo {
	return &SetUndo{done: make(map[Key]struct{})}
}

func (u *SetUndo) IsDone(k Key) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.done[k]
	return ok
}

func (u *SetUndo) MarkDone(k Key) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done[k] = struct{}{}
}
