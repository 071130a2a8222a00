// Package connectivity tracks reachability of the backend and hands out
// edge-triggered transition events. It only reports state; retry policy
// belongs to the callers.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"
)

// Event is one online/offline transition. Fired once per state change.
type Event struct {
	Online bool
	At     time.Time
}

// ProbeFunc reports whether the backend is currently reachable.
type ProbeFunc func(ctx context.Context) bool

const probeTimeout = 5 * time.Second

// Monitor polls a probe as a fallback for platforms where edge signals are
// unreliable, and accepts pushed observations via SetOnline. All transitions
// are applied by a single dispatch loop.
type Monitor struct {
	probe    ProbeFunc
	interval time.Duration

	mu     sync.Mutex
	online bool
	subs   map[int]chan Event
	nextID int

	observations chan bool
	stop         chan struct{}
	stopOnce     sync.Once
	done         chan struct{}
	started      bool
}

func NewMonitor(probe ProbeFunc, pollInterval time.Duration) *Monitor {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Monitor{
		probe:        probe,
		interval:     pollInterval,
		subs:         make(map[int]chan Event),
		observations: make(chan bool, 16),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start reads the initial state synchronously, then runs the dispatch loop
// until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	initial := m.probe(pctx)
	cancel()
	m.mu.Lock()
	m.online = initial
	m.started = true
	m.mu.Unlock()
	log.Printf("connectivity: initial state online=%v", initial)
	go m.loop(ctx)
}

// Stop shuts the dispatch loop down and waits for it. Safe to call more
// than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case on := <-m.observations:
			m.apply(on)
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			on := m.probe(pctx)
			cancel()
			m.apply(on)
		}
	}
}

// SetOnline feeds a platform reachability signal into the dispatch loop.
// After shutdown, whether via Stop or ctx cancellation, the signal is dropped.
func (m *Monitor) SetOnline(on bool) {
	select {
	case m.observations <- on:
	case <-m.stop:
	case <-m.done:
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers for transition events. The returned cancel func
// unsubscribes; events arriving faster than the subscriber drains its
// buffered channel are dropped for that subscriber.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Event, 4)
	m.subs[id] = ch
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub)
		}
	}
}

func (m *Monitor) apply(on bool) {
	m.mu.Lock()
	if on == m.online {
		m.mu.Unlock()
		return
	}
	m.online = on
	ev := Event{Online: on, At: time.Now().UTC()}
	targets := make([]chan Event, 0, len(m.subs))
	for _, ch := range m.subs {
		targets = append(targets, ch)
	}
	m.mu.Unlock()

	if on {
		log.Printf("connectivity: went online")
	} else {
		log.Printf("connectivity: went offline")
	}
	for _, ch := range targets {
		select {
		case ch <- ev:
		default:
		}
	}
}
