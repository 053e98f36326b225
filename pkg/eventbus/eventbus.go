// Package eventbus provides pub/sub fan-out of live task log entries to
// connected API clients.
package eventbus

import (
	"sync"

	"github.com/parallax-dev/parallax/pkg/model"
)

// Bus provides pub/sub for task log entries.
type Bus interface {
	Subscribe(taskID string) chan *model.LogEntry
	Unsubscribe(taskID string, ch chan *model.LogEntry)
	Publish(taskID string, entry *model.LogEntry)
}

// InMemoryBus is the default in-memory Bus implementation.
type InMemoryBus struct {
	mu   sync.RWMutex
	subs map[string][]chan *model.LogEntry
}

// NewInMemoryBus creates a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs: make(map[string][]chan *model.LogEntry),
	}
}

// Subscribe creates a channel that receives log entries for a task.
func (b *InMemoryBus) Subscribe(taskID string) chan *model.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *model.LogEntry, 64)
	b.subs[taskID] = append(b.subs[taskID], ch)
	return ch
}

// Unsubscribe removes a channel from the task's subscribers.
func (b *InMemoryBus) Unsubscribe(taskID string, ch chan *model.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[taskID]
	for i, s := range subs {
		if s == ch {
			b.subs[taskID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends a log entry to all subscribers for a task.
func (b *InMemoryBus) Publish(taskID string, entry *model.LogEntry) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[taskID] {
		select {
		case ch <- entry:
		default:
			// Drop entry if subscriber is too slow.
		}
	}
}
