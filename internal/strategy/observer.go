package strategy

import "sync"

// NetworkObserver reports connectivity and pushes changes to subscribers.
type NetworkObserver interface {
	Status() NetStatus
	Subscribe(ch chan<- NetStatus)
}

// Monitor is a NetworkObserver fed by explicit Set calls, typically from a
// platform reachability probe.
type Monitor struct {
	mu     sync.Mutex
	status NetStatus
	subs   []chan<- NetStatus
}

// NewMonitor creates a Monitor with an initial status.
func NewMonitor(initial NetStatus) *Monitor {
	return &Monitor{status: initial}
}

// Status returns the current connectivity state.
func (m *Monitor) Status() NetStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers a channel for status changes. Sends never block; a
// subscriber that falls behind misses intermediate transitions, not the
// latest state.
func (m *Monitor) Subscribe(ch chan<- NetStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, ch)
}

// Set updates the status and notifies subscribers on change.
func (m *Monitor) Set(st NetStatus) {
	m.mu.Lock()
	if st == m.status {
		m.mu.Unlock()
		return
	}
	m.status = st
	subs := append([]chan<- NetStatus(nil), m.subs...)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- st:
		default:
		}
	}
}
