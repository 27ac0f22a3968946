package dictation

import "sync"

// Observable is a read-only view of a value that changes over time.
type Observable[T any] interface {
	Get() T
	// Subscribe returns a channel that receives every new value. A slow
	// subscriber only ever misses intermediate values, never the latest.
	Subscribe(buffer int) (<-chan T, func())
}

// Value holds the latest T and fans changes out to subscribers.
type Value[T comparable] struct {
	mu   sync.Mutex
	v    T
	next int
	subs map[int]chan T
}

func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{v: initial, subs: make(map[int]chan T)}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.v
}

// Set stores x and notifies subscribers if it differs from the current value.
func (v *Value[T]) Set(x T) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.v == x {
		return false
	}
	v.v = x
	for _, ch := range v.subs {
		offer(ch, x)
	}
	return true
}

func (v *Value[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)
	v.mu.Lock()
	id := v.next
	v.next++
	v.subs[id] = ch
	v.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.subs, id)
			v.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func offer[T any](ch chan T, x T) {
	select {
	case ch <- x:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- x:
	default:
	}
}
