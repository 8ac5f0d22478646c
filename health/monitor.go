package health

import (
	"context"
	"sort"
	"sync"
)

// Check reports the current health of one component.
type Check func(ctx context.Context) Status

// Monitor combines stored statuses and live checks. Safe for concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
	}
}

// Update stores the status of name.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// Register adds a check that runs on every Report.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	m.checks[name] = check
	m.mu.Unlock()
}

// Remove forgets name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	delete(m.checks, name)
	m.mu.Unlock()
}

// Get returns the stored status of name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Report runs the checks outside the lock and aggregates them with the
// stored statuses, sorted by component name. A check takes precedence over
// a stored status of the same name.
func (m *Monitor) Report(ctx context.Context, system string) Status {
	m.mu.RLock()
	byName := make(map[string]Status, len(m.statuses)+len(m.checks))
	for name, s := range m.statuses {
		byName[name] = s
	}
	checks := make(map[string]Check, len(m.checks))
	for name, c := range m.checks {
		checks[name] = c
	}
	m.mu.RUnlock()

	for name, check := range checks {
		s := check(ctx)
		s.Component = name
		byName[name] = s
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		subs = append(subs, byName[name])
	}
	return Aggregate(system, subs)
}
