package offshell

// enforceBudget trims a partition back to its entry budget, oldest-inserted
// first. It runs synchronously after every write; the write has already
// succeeded, so deletion failures are logged and never unwind it.
func enforceBudget(store Store, cache string, budget int, lg *rateLimitedLogger) {
	if budget <= 0 {
		return
	}
	n := store.Count(cache)
	if n <= budget {
		return
	}
	for _, key := range store.Keys(cache)[:n-budget] {
		if err := store.Delete(cache, key); err != nil {
			lg.Printf("evict %s from %s: %v", key, cache, err)
		}
	}
}
