package vk

// table maps the renderer's opaque handles to Vulkan objects. Handle 0 is
// never issued.
type table[T comparable] struct {
	next  uint64
	items map[uint64]T
}

func newTable[T comparable]() table[T] {
	return table[T]{items: make(map[uint64]T)}
}

func (t *table[T]) add(v T) uint64 {
	t.next++
	t.items[t.next] = v
	return t.next
}

func (t *table[T]) get(h uint64) (T, bool) {
	v, ok := t.items[h]
	return v, ok
}

// take removes h and returns its object.
func (t *table[T]) take(h uint64) (T, bool) {
	v, ok := t.items[h]
	delete(t.items, h)
	return v, ok
}

func (t *table[T]) len() int { return len(t.items) }
