package flashstation

import (
	"context"
	"sort"
	"sync"
)

// inflightGuard serializes attempts per port across every entry point:
// manual, batch, and monitor-triggered flashes share one table. The stored
// cancel funcs let StopAll abort everything that is running.
type inflightGuard struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func newInflightGuard() *inflightGuard {
	return &inflightGuard{active: make(map[string]context.CancelFunc)}
}

// begin registers an attempt for port. Reports false when one is already
// running there.
func (g *inflightGuard) begin(port string, cancel context.CancelFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[port]; busy {
		return false
	}
	g.active[port] = cancel
	return true
}

func (g *inflightGuard) end(port string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, port)
}

// cancelAll fires every registered cancel and reports how many there were.
func (g *inflightGuard) cancelAll() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cancel := range g.active {
		cancel()
	}
	return len(g.active)
}

func (g *inflightGuard) ports() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.active))
	for port := range g.active {
		out = append(out, port)
	}
	sort.Strings(out)
	return out
}
