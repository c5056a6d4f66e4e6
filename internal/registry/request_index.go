package registry

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RequestRef points from a user's command message to what it produced.
type RequestRef struct {
	BotMessage  int64
	OperationID string
}

// RequestIndex maps command messages to the operation they created, so a
// later edit of that command can find the exchange to reconcile.
type RequestIndex struct {
	cache *lru.Cache[Key, RequestRef]
}

// NewRequestIndex returns an index holding at most size entries.
func NewRequestIndex(size int) (*RequestIndex, error) {
	if size <= 0 {
		size = DefaultRequestIndexSize
	}
	c, err := lru.New[Key, RequestRef](size)
	if err != nil {
		return nil, fmt.Errorf("request index: %w", err)
	}
	return &RequestIndex{cache: c}, nil
}

func (r *RequestIndex) Remember(k Key, ref RequestRef) {
	r.cache.Add(k, ref)
}

func (r *RequestIndex) Lookup(k Key) (RequestRef, bool) {
	return r.cache.Get(k)
}

func (r *RequestIndex) Forget(k Key) {
	r.cache.Remove(k)
}

func (r *RequestIndex) Len() int { return r.cache.Len() }
