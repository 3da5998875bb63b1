package hwq

// optionalMutex honors the caller-declared single-threaded contract: when
// the context is configured single threaded, every internal lock built on
// it is a no-op. The caller promised exclusive use; the library cannot
// verify it.
type optionalMutex struct {
	disabled bool
	mu       syncMutex
}

func (l *optionalMutex) Lock() {
	if !l.disabled {
		l.mu.Lock()
	}
}

func (l *optionalMutex) Unlock() {
	if !l.disabled {
		l.mu.Unlock()
	}
}
