package sink

import (
	"context"
	"sync"
)

// Memory collects written values untouched
type Memory struct {
	mu     sync.Mutex
	values []any
	closes int
}

var _ Sink = (*Memory)(nil)

// NewMemory creates an empty collector
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(_ context.Context, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closes > 0 {
		return ErrClosed
	}
	m.values = append(m.values, v)
	return nil
}

// Values returns a copy of everything written so far
func (m *Memory) Values() []any {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]any, len(m.values))
	copy(out, m.values)
	return out
}

// Closes returns how many times Close was called
func (m *Memory) Closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes++
	return nil
}
