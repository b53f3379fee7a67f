package duck

import "sync"

// databaseLocks serializes opening the same database file, go-duckdb fails
// when two goroutines race to create the same file.
var databaseLocks = struct {
	sync.Mutex
	locks map[string]*sync.Mutex
}{
	locks: make(map[string]*sync.Mutex),
}

func LockDatabase(path string) {
	databaseLocks.Lock()
	lock, ok := databaseLocks.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		databaseLocks.locks[path] = lock
	}
	databaseLocks.Unlock()

	lock.Lock()
}

func UnlockDatabase(path string) {
	databaseLocks.Lock()
	lock, ok := databaseLocks.locks[path]
	databaseLocks.Unlock()

	if ok {
		lock.Unlock()
	}
}
