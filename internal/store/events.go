package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ChangeType represents the type of document change
type ChangeType string

const (
	ChangeCreated ChangeType = "DocumentCreated"
	ChangeUpdated ChangeType = "DocumentUpdated"
)

// ChangeEvent records a committed document write. Backends that keep an
// outbox publish these so downstream consumers see every write in order.
type ChangeEvent struct {
	ID            string          `json:"id"`
	Collection    string          `json:"collection"`
	DocumentID    string          `json:"document_id"`
	ChangeType    ChangeType      `json:"change_type"`
	Data          json.RawMessage `json:"data"`
	Version       int64           `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewChangeEvent creates a change event carrying the document state after
// the write.
func NewChangeEvent(collection, documentID string, changeType ChangeType, data map[string]any) (*ChangeEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &ChangeEvent{
		ID:         uuid.New().String(),
		Collection: collection,
		DocumentID: documentID,
		ChangeType: changeType,
		Data:       payload,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// DeadLetterTopic receives change events that could not be published
const DeadLetterTopic = "careflow.dead-letter"

// ChangeTopic returns the broker topic carrying a collection's changes
func ChangeTopic(collection string) string {
	return "careflow." + collection + ".changes"
}

// Topic returns the broker topic for the event's collection.
func (e *ChangeEvent) Topic() string {
	return ChangeTopic(e.Collection)
}
