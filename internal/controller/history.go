package controller

// ring keeps the newest n items, evicting the oldest first.
type ring[T any] struct {
	buf []T
	n   int
}

func newRing[T any](n int) *ring[T] { return &ring[T]{n: n} }

func (r *ring[T]) push(v T) {
	r.buf = append(r.buf, v)
	r.trim()
}

func (r *ring[T]) resize(n int) {
	r.n = n
	r.trim()
}

func (r *ring[T]) trim() {
	if over := len(r.buf) - r.n; over > 0 {
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
}

func (r *ring[T]) items() []T { return append([]T(nil), r.buf...) }
