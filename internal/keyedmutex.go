package internal

import "sync"

// KeyedMutex serialises work per string key. Handlers touching the same device ID
// take the device's lock for the duration of the message, so a second message for
// that device cannot interleave between an existence check and the mutation it
// guards. Different keys proceed concurrently.
//
// Locks are created on demand and freed once the last holder releases them, so the
// map does not grow with the historical key set.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[string]*keyedLock),
	}
}

func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()
	l.mu.Lock()
}

func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	Assert("unlock of unheld key "+key, l != nil)
	if l == nil {
		k.mu.Unlock()
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
	l.mu.Unlock()
}
