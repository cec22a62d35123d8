package heartbeat

import (
	"sort"
	"sync"
)

// InitialTTL is the number of control ticks a registration survives.
const InitialTTL = 3

// Entry is one subscriber on the roster.
type Entry struct {
	Address string `json:"address"`
	TTL     int    `json:"ttl"`
}

// Roster tracks push-protocol subscribers. Register and Tick are called from
// the orchestrator loop; Snapshot may be called from anywhere.
type Roster struct {
	mu      sync.Mutex
	entries map[string]int
}

func NewRoster() *Roster {
	return &Roster{entries: make(map[string]int)}
}

// Register inserts address or resets its ttl. It reports whether the address was new.
func (r *Roster) Register(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, existed := r.entries[address]
	r.entries[address] = InitialTTL
	return !existed
}

// Tick decrements every ttl and removes entries that reach zero.
func (r *Roster) Tick() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for addr, ttl := range r.entries {
		ttl--
		if ttl <= 0 {
			delete(r.entries, addr)
			removed = append(removed, addr)
			continue
		}
		r.entries[addr] = ttl
	}
	sort.Strings(removed)
	return removed
}

func (r *Roster) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns entries sorted by address.
func (r *Roster) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for addr, ttl := range r.entries {
		out = append(out, Entry{Address: addr, TTL: ttl})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
