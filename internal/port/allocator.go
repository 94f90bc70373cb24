// Package port allocates listen ports from a bounded range. The runner
// normally binds an ephemeral port, but locked-down hosts sometimes only
// permit a pre-approved range; the allocator serves that case.
package port

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
)

// Allocator hands out free TCP ports within [min, max].
type Allocator struct {
	mu      sync.Mutex
	minPort int
	maxPort int
	inUse   map[int]string // port → owner key
	owners  map[string]int // owner key → port
}

// NewAllocator creates an allocator for the inclusive range [minPort, maxPort].
func NewAllocator(minPort, maxPort int) *Allocator {
	return &Allocator{
		minPort: minPort,
		maxPort: maxPort,
		inUse:   make(map[int]string),
		owners:  make(map[string]int),
	}
}

// Allocate picks a free port for owner. Calling it again with the same
// owner returns the port already held.
func (a *Allocator) Allocate(owner string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.owners[owner]; ok {
		return p, nil
	}

	span := a.maxPort - a.minPort + 1
	if len(a.inUse) >= span {
		return 0, fmt.Errorf("port range %d-%d exhausted", a.minPort, a.maxPort)
	}

	// Random probes first, then a linear sweep.
	for i := 0; i < span; i++ {
		p := a.minPort + rand.Intn(span)
		if a.claim(owner, p) {
			return p, nil
		}
	}
	for p := a.minPort; p <= a.maxPort; p++ {
		if a.claim(owner, p) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", a.minPort, a.maxPort)
}

// claim records the port for owner if it is unclaimed and bindable.
// Caller must hold a.mu.
func (a *Allocator) claim(owner string, p int) bool {
	if _, taken := a.inUse[p]; taken {
		return false
	}
	if !bindable(p) {
		return false
	}
	a.inUse[p] = owner
	a.owners[owner] = p
	return true
}

// Release frees the port held by owner. Idempotent.
func (a *Allocator) Release(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.owners[owner]; ok {
		delete(a.inUse, p)
		delete(a.owners, owner)
	}
}

// Held returns the port currently held by owner, or 0.
func (a *Allocator) Held(owner string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owners[owner]
}

func bindable(p int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
