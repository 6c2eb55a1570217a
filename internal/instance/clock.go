package instance

import "sync/atomic"

// Token identifies an observer registration. Tokens are unique within a
// Cache and increase in registration order.
type Token uint64

// clock hands out monotonically increasing tokens.
type clock struct {
	seq atomic.Uint64
}

func (c *clock) next() Token {
	return Token(c.seq.Add(1))
}
