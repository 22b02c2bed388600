package wire

import "sync"

type emitterKey struct {
	chain   uint16
	address [32]byte
}

// SequenceTracker remembers the highest sequence accepted per emitter.
type SequenceTracker struct {
	mu   sync.Mutex
	last map[emitterKey]uint64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{last: make(map[emitterKey]uint64)}
}

// Seen reports whether env's sequence is at or below the last marked one for its emitter.
func (t *SequenceTracker) Seen(env *Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[emitterKey{env.EmitterChain, env.EmitterAddress}]
	return ok && env.Sequence <= last
}

func (t *SequenceTracker) Mark(env *Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := emitterKey{env.EmitterChain, env.EmitterAddress}
	if last, ok := t.last[key]; !ok || env.Sequence > last {
		t.last[key] = env.Sequence
	}
}

func (t *SequenceTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
