package vault

import "sync"

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Locker 为每个用户分配一把互斥锁，没有协程持有或等待时条目会被清理。
type Locker struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

// NewLocker 创建空的 Locker。
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*lockEntry)}
}

// Lock 阻塞直到获得用户锁，并返回释放函数。
func (l *Locker) Lock(userID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[userID]
	if !ok {
		entry = &lockEntry{}
		l.locks[userID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.locks, userID)
			}
			l.mu.Unlock()
		})
	}
}

// Held 返回当前持有或等待锁的用户数量。
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
