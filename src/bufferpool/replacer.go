package bufferpool

import (
	"container/list"
	"errors"

	"github.com/Blackdeer1524/UndoDB/src/pkg/assert"
	"github.com/Blackdeer1524/UndoDB/src/pkg/common"
)

var ErrNoVictimAvailable = errors.New("no evictable page available")

// LRUReplacer tracks unpinned pages in least-recently-unpinned order.
// It is not safe for concurrent use; the buffer pool serializes access.
type LRUReplacer struct {
	order   *list.List
	entries map[common.PageIdentity]*list.Element
}

var _ Replacer = &LRUReplacer{}

func NewLRUReplacer() *LRUReplacer {
	return &LRUReplacer{
		order:   list.New(),
		entries: map[common.PageIdentity]*list.Element{},
	}
}

func (r *LRUReplacer) Pin(pageID common.PageIdentity) {
	if e, ok := r.entries[pageID]; ok {
		r.order.Remove(e)
		delete(r.entries, pageID)
	}
}

func (r *LRUReplacer) Unpin(pageID common.PageIdentity) {
	if _, ok := r.entries[pageID]; ok {
		return
	}
	r.entries[pageID] = r.order.PushBack(pageID)
}

func (r *LRUReplacer) ChooseVictim() (common.PageIdentity, error) {
	front := r.order.Front()
	if front == nil {
		return common.PageIdentity{}, ErrNoVictimAvailable
	}

	victim := assert.Cast[common.PageIdentity](front.Value)
	r.order.Remove(front)
	delete(r.entries, victim)
	return victim, nil
}

func (r *LRUReplacer) GetSize() uint64 {
	return uint64(r.order.Len())
}
