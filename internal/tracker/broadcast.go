package tracker

import (
	"sync"

	"github.com/kiranshivaraju/anglestudio/pkg/models"
)

// broadcaster fans snapshots out to subscribers. Each subscriber holds at
// most one pending snapshot; a newer one replaces it, so slow readers only
// ever miss intermediate versions.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan models.Snapshot
	nextID int
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan models.Snapshot)}
}

func (b *broadcaster) subscribe(current models.Snapshot) (<-chan models.Snapshot, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan models.Snapshot, 1)
	ch <- current
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

func (b *broadcaster) publish(s models.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
