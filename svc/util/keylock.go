package util

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// KeyedMutex hands out per-key read/write locks. Entries are reference
// counted and dropped once nobody holds or waits on them.
type KeyedMutex struct {
	shards [lockShards]lockShard
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.RWMutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	k := &KeyedMutex{}
	for i := range k.shards {
		k.shards[i].locks = make(map[string]*keyLock)
	}
	return k
}

func (k *KeyedMutex) shard(key string) *lockShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.shards[h.Sum32()%lockShards]
}

func (k *KeyedMutex) acquire(key string) (*lockShard, *keyLock) {
	s := k.shard(key)
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{}
		s.locks[key] = l
	}
	l.refs++
	s.mu.Unlock()
	return s, l
}

func (s *lockShard) release(key string, l *keyLock) {
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

// Lock takes the exclusive lock for key and returns its release func.
func (k *KeyedMutex) Lock(key string) func() {
	s, l := k.acquire(key)
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.release(key, l)
	}
}

func (k *KeyedMutex) RLock(key string) func() {
	s, l := k.acquire(key)
	l.mu.RLock()
	return func() {
		l.mu.RUnlock()
		s.release(key, l)
	}
}

func (k *KeyedMutex) Len() int {
	n := 0
	for i := range k.shards {
		s := &k.shards[i]
		s.mu.Lock()
		n += len(s.locks)
		s.mu.Unlock()
	}
	return n
}
