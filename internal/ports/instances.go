package ports

import (
	"fmt"
	"sync"
)

// Instances hands out simulator instance numbers from [0, size). Unlike
// Pool it keeps a reservation table: a number is reissued only after it
// has been released, since two simulators sharing an instance collide on
// their master port.
type Instances struct {
	size int

	mu   sync.Mutex
	used []bool
}

func NewInstances(size int) (*Instances, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid instance count %d", size)
	}
	return &Instances{size: size, used: make([]bool, size)}, nil
}

// Acquire reserves the lowest free instance number.
func (in *Instances) Acquire() (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for n, busy := range in.used {
		if !busy {
			in.used[n] = true
			return n, nil
		}
	}
	return 0, fmt.Errorf("all %d simulator instances in use: %w", in.size, ErrExhaustedRange)
}

// Release returns n to the free list. Releasing a free number is a no-op.
func (in *Instances) Release(n int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if n >= 0 && n < in.size {
		in.used[n] = false
	}
}
