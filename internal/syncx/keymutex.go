package syncx

import (
	"hash/fnv"
	"sync"
)

// KeyMutex serializes operations per key (product id, order number) without
// global contention: keys hash onto a fixed set of shards. Dua key berbeda
// bisa share shard, tapi itu cuma soal fairness, bukan correctness.
type KeyMutex struct {
	shards []sync.Mutex
}

func NewKeyMutex(shards int) *KeyMutex {
	if shards <= 0 {
		shards = 64
	}
	return &KeyMutex{shards: make([]sync.Mutex, shards)}
}

func (km *KeyMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &km.shards[int(h.Sum32())%len(km.shards)]
}

func (km *KeyMutex) Lock(key string)   { km.shard(key).Lock() }
func (km *KeyMutex) Unlock(key string) { km.shard(key).Unlock() }

// WithLock runs fn inside key's critical section. fn must not do external
// I/O (gateway, mail) while holding the lock.
func (km *KeyMutex) WithLock(key string, fn func() error) error {
	km.Lock(key)
	defer km.Unlock(key)
	return fn()
}
