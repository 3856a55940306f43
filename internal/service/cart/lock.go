package cart

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultLockStripes = 256

// stripedLock сериализует операции одного пользователя, не заводя мьютекс на каждого.
// Разные пользователи могут попасть в одну полосу, это только снижает параллелизм.
type stripedLock struct {
	stripes []sync.Mutex
}

func newStripedLock(n int) *stripedLock {
	if n <= 0 {
		n = defaultLockStripes
	}
	return &stripedLock{stripes: make([]sync.Mutex, n)}
}

func (l *stripedLock) lock(key string) func() {
	m := &l.stripes[xxhash.Sum64String(key)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
