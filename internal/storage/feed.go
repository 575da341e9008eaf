package storage

import (
	"sync"

	"github.com/google/uuid"
)

type watcher struct {
	id     string
	query  Query
	notify chan struct{}
}

// feed wakes subscriptions whose query a committed write touched.
// Wake-ups coalesce: a watcher that is already signalled stays signalled once.
type feed struct {
	watchers map[string]*watcher
	mu       sync.RWMutex
}

func newFeed() *feed {
	return &feed{watchers: make(map[string]*watcher)}
}

func (f *feed) add(q Query) *watcher {
	w := &watcher{
		id:     uuid.NewString(),
		query:  q,
		notify: make(chan struct{}, 1),
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchers[w.id] = w
	return w
}

func (f *feed) remove(w *watcher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watchers, w.id)
}

func (f *feed) publish(coll Collection, chatID, docID string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, w := range f.watchers {
		if !w.query.matches(coll, chatID, docID) {
			continue
		}
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
}

func (f *feed) len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.watchers)
}
