package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Memory is an in-process Store. Each subscriber receives every snapshot in
// commit order through its own unbounded queue.
type Memory struct {
	mu          sync.Mutex
	collections map[string]*memCollection
	subs        map[*memSubscription]struct{}
	closed      bool

	writeErr     error
	subscribeErr error

	newID  func() string
	logger *zap.Logger
}

type memCollection struct {
	docs  map[string]map[string]any
	order []string
}

// NewMemory creates an empty in-memory store
func NewMemory(logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		collections: make(map[string]*memCollection),
		subs:        make(map[*memSubscription]struct{}),
		newID:       func() string { return uuid.New().String() },
		logger:      logger,
	}
}

// FailWrites makes every subsequent Create and Update fail with err.
// Pass nil to restore normal behavior.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// FailSubscribe makes every subsequent Subscribe and List fail with err.
func (m *Memory) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// BreakSubscriptions delivers an error snapshot to every subscriber of
// collection, as a backend would on a dropped listener.
func (m *Memory) BreakSubscriptions(collection string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for s := range m.subs {
		if s.query.Collection == collection {
			s.Push(Snapshot{Err: Unavailable("subscription", err)})
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Seed stores data under a caller-chosen id, notifying subscribers.
func (m *Memory) Seed(collection, id string, record any) error {
	data, err := Encode(record)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.put(collection, id, data)
	return nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(ctx context.Context, q Query) (Subscription, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	filter, err := q.Filter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.subscribeErr != nil {
		return nil, Unavailable("subscribe", m.subscribeErr)
	}

	s := &memSubscription{query: q, filter: filter}
	s.Feed = NewFeed(func() {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
	})
	m.subs[s] = struct{}{}
	s.Push(Snapshot{Docs: m.query(q.Collection, filter, q)})
	s.CloseOn(ctx)

	m.logger.Debug("subscription opened",
		zap.String("collection", q.Collection),
		zap.Int("conditions", len(q.Where)),
	)
	return s, nil
}

// List implements Store.
func (m *Memory) List(ctx context.Context, q Query) ([]Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	filter, err := q.Filter()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, Unavailable("list", m.subscribeErr)
	}
	return m.query(q.Collection, filter, q), nil
}

// Get implements Store.
func (m *Memory) Get(ctx context.Context, collection, id string) (Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	data, ok := c.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return Document{ID: id, Collection: collection, Data: cloneData(data)}, nil
}

// Create implements Store.
func (m *Memory) Create(ctx context.Context, collection string, record any) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("%w: collection is required", ErrInvalidQuery)
	}
	data, err := Encode(record)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if m.writeErr != nil {
		return "", Unavailable("create", m.writeErr)
	}

	id := m.newID()
	m.put(collection, id, data)
	return id, nil
}

// CreateOnce implements Store.
func (m *Memory) CreateOnce(ctx context.Context, collection, id string, record any) (bool, error) {
	if collection == "" || id == "" {
		return false, fmt.Errorf("%w: collection and id are required", ErrInvalidQuery)
	}
	data, err := Encode(record)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if m.writeErr != nil {
		return false, Unavailable("create", m.writeErr)
	}
	if c, ok := m.collections[collection]; ok {
		if _, exists := c.docs[id]; exists {
			return false, nil
		}
	}
	m.put(collection, id, data)
	return true, nil
}

// Update implements Store.
func (m *Memory) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	norm, err := NormalizePatch(patch)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.writeErr != nil {
		return Unavailable("update", m.writeErr)
	}

	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	data, ok := c.docs[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	merged := cloneData(data)
	for k, v := range norm {
		merged[k] = v
	}
	m.put(collection, id, merged)
	return nil
}

// Close ends every open subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	subs := make([]*memSubscription, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}

// put stores data and fans the new result sets out. Caller holds m.mu.
func (m *Memory) put(collection, id string, data map[string]any) {
	c, ok := m.collections[collection]
	if !ok {
		c = &memCollection{docs: make(map[string]map[string]any)}
		m.collections[collection] = c
	}
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = data

	for s := range m.subs {
		if s.query.Collection != collection {
			continue
		}
		s.Push(Snapshot{Docs: m.query(collection, s.filter, s.query)})
	}
}

// query evaluates a filter in insertion order. Caller holds m.mu.
func (m *Memory) query(collection string, filter map[string]any, q Query) []Document {
	c, ok := m.collections[collection]
	if !ok {
		return []Document{}
	}
	docs := make([]Document, 0, len(c.order))
	for _, id := range c.order {
		data := c.docs[id]
		if !Matches(data, filter) {
			continue
		}
		docs = append(docs, Document{ID: id, Collection: collection, Data: cloneData(data)})
	}
	Sort(docs, q.OrderBy, q.Desc)
	return docs
}

type memSubscription struct {
	*Feed
	query  Query
	filter map[string]any
}
