package dispatch

import (
	"sync"

	"willway-bot/internal/models"
)

// KeyedMutex serializes work per user. Entries are dropped once nobody holds or waits for them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[models.MessengerID]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[models.MessengerID]*keyedEntry)}
}

// Lock blocks until id is free and returns the matching unlock.
func (k *KeyedMutex) Lock(id models.MessengerID) func() {
	k.mu.Lock()
	e, ok := k.locks[id]
	if !ok {
		e = &keyedEntry{}
		k.locks[id] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, id)
		}
		k.mu.Unlock()
	}
}

// Len is the number of users currently locked or waited on.
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
