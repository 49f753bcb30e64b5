package ports

import (
	"errors"
	"fmt"
	"sync"
)

var ErrExhaustedRange = errors.New("port range exhausted")

// Pool hands out ports from [Min, Max) round-robin. It keeps no record of
// ports in use: a port is reissued once the cursor wraps, so the range
// must be wide enough for peak concurrency.
type Pool struct {
	min, max int

	mu     sync.Mutex
	cursor int
}

// NewPool builds a pool over [min, max).
func NewPool(min, max int) (*Pool, error) {
	if min <= 0 || max > 65536 || max <= min {
		return nil, fmt.Errorf("invalid port range [%d, %d)", min, max)
	}
	return &Pool{min: min, max: max}, nil
}

// Size is the width of the range.
func (p *Pool) Size() int { return p.max - p.min }

// Take returns n distinct ports and advances the cursor past them.
func (p *Pool) Take(n int) ([]int, error) {
	size := p.Size()
	if n > size {
		return nil, fmt.Errorf("take %d ports from a range of %d: %w", n, size, ErrExhaustedRange)
	}
	if n <= 0 {
		return nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]int, n)
	for i := range out {
		out[i] = p.min + p.cursor
		p.cursor = (p.cursor + 1) % size
	}
	return out, nil
}

// TakeRange reserves n contiguous ports and returns them as [min, max).
// A block never straddles the end of the range; the cursor wraps first.
func (p *Pool) TakeRange(n int) (int, int, error) {
	size := p.Size()
	if n <= 0 || n > size {
		return 0, 0, fmt.Errorf("take a block of %d ports from a range of %d: %w", n, size, ErrExhaustedRange)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cursor+n > size {
		p.cursor = 0
	}
	lo := p.min + p.cursor
	p.cursor = (p.cursor + n) % size
	return lo, lo + n, nil
}
