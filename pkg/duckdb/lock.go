package duck

import "sync"

// databaseLocks maps database paths to their corresponding locks; DuckDB
// allows a single writer per file, so all components sharing a path serialize
// through the same lock.
var databaseLocks = struct {
	sync.RWMutex
	locks map[string]*sync.Mutex
}{
	locks: make(map[string]*sync.Mutex),
}

func LockDatabase(path string) {
	databaseLocks.RLock()
	lock, ok := databaseLocks.locks[path]
	databaseLocks.RUnlock()
	if !ok {
		databaseLocks.Lock()
		lock = &sync.Mutex{}
		lock.Lock()
		databaseLocks.locks[path] = lock
		databaseLocks.Unlock()
		return
	}

	lock.Lock()
}

func UnlockDatabase(path string) {
	databaseLocks.Lock()
	delete(databaseLocks.locks, path)
	databaseLocks.Unlock()
}
