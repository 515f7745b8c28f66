package tcpserver

import "sync/atomic"

// IdGenerator hands out monotonically increasing session IDs. The first call
// to Id returns startValue+1, so 0 never names a live session unless the
// counter wraps.
type IdGenerator struct {
	id atomic.Uint32
}

// NewIdGenerator returns a generator whose first ID is startValue+1.
func NewIdGenerator(startValue uint32) *IdGenerator {
	gen := &IdGenerator{}
	gen.id.Store(startValue)
	return gen
}

// Id returns the next ID. It is safe for concurrent use.
func (l *IdGenerator) Id() uint32 {
	return l.id.Add(1)
}
