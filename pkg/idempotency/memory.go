package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryInbox is an in-process Deduper for single-instance deployments and
// tests. Entries live until the process exits.
type MemoryInbox struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	config  InboxConfig
	now     func() time.Time
}

type memEntry struct {
	status    Status
	result    json.RawMessage
	updatedAt time.Time
}

var _ Deduper = (*MemoryInbox)(nil)

// NewMemoryInbox creates an empty in-memory inbox
func NewMemoryInbox(cfg InboxConfig) *MemoryInbox {
	return &MemoryInbox{
		entries: make(map[string]*memEntry),
		config:  cfg,
		now:     time.Now,
	}
}

// Process executes fn unless key already finished
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	m.mu.Lock()
	recovered := false
	if e, ok := m.entries[key]; ok {
		switch e.status {
		case StatusFinished:
			m.mu.Unlock()
			return &ProcessResult{Duplicate: true, Result: e.result}, nil
		case StatusFailed:
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
		case StatusStarted:
			if m.now().Sub(e.updatedAt) <= m.config.RecoveryTimeout {
				m.mu.Unlock()
				return nil, ErrMessageInProgress
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}
	m.entries[key] = &memEntry{status: StatusStarted, updatedAt: m.now()}
	m.mu.Unlock()

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entries[key]
	e.updatedAt = m.now()
	if err != nil {
		e.status = StatusRecoverable
		if m.config.terminal(err) {
			e.status = StatusFailed
		}
		return nil, err
	}
	e.status = StatusFinished
	e.result = result
	return &ProcessResult{WasRecovered: recovered, Result: result}, nil
}

// Status returns the status recorded for key
func (m *MemoryInbox) Status(key string) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	return e.status, true
}
