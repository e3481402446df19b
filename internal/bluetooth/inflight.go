package bluetooth

import "sync"

// InFlightSet de-duplicates connect candidates across every Scanner sharing
// it: a MAC is added the moment a Scanner enqueues it and removed once the
// Connector finishes with it, so the same MAC is never queued twice while a
// connection attempt is outstanding. This models "queued-or-connecting"
// membership, not the bound on live GATT sessions — that bound is enforced
// separately by the Connector's counting semaphore, since the queue feeding
// it is buffered and can hold more in-flight entries than the configured
// connection limit at any instant. Guarded by a single mutex rather than a
// lone boolean flag, which cannot distinguish one busy connection from two.
type InFlightSet struct {
	mu sync.Mutex
	m  map[string]struct{}
}

func NewInFlightSet() *InFlightSet {
	return &InFlightSet{m: map[string]struct{}{}}
}

// TryAdd adds mac if not already present, returning true on success. A
// false return means mac is already in-flight.
func (s *InFlightSet) TryAdd(mac string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[mac]; ok {
		return false
	}
	s.m[mac] = struct{}{}
	return true
}

func (s *InFlightSet) Contains(mac string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.m[mac]
	return ok
}

func (s *InFlightSet) Remove(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, mac)
}

func (s *InFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// NewConnectQueue allocates the handoff channel between a Scanner and a
// Connector. The channel is bounded: it buffers 4096 jobs, and once full a
// Scanner's send blocks until the Connector takes a job or ctx is cancelled.
func NewConnectQueue() chan ConnectJob {
	return make(chan ConnectJob, 4096)
}
