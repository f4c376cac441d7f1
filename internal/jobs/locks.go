package jobs

import "sync"

// KeyedMutex serializes work per key. The code-agent handler locks on the
// project id so two jobs against the same project cannot interleave their
// final persistence writes.
type KeyedMutex struct {
	locks sync.Map
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
