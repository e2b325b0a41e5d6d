// Package store defines the document store collaborator: push-based
// subscriptions over collections plus create, merge-patch update and get.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a document does not exist
	ErrNotFound = errors.New("document not found")
	// ErrUnavailable wraps transport and backend failures
	ErrUnavailable = errors.New("store unavailable")
	// ErrClosed is returned by operations on a closed store or subscription
	ErrClosed = errors.New("store closed")
	// ErrInvalidQuery is returned for malformed queries
	ErrInvalidQuery = errors.New("invalid query")
)

// Store is the document store used by every workflow component.
type Store interface {
	// Subscribe delivers the full result set of q now and after every change.
	Subscribe(ctx context.Context, q Query) (Subscription, error)
	// List returns the current result set of q once.
	List(ctx context.Context, q Query) ([]Document, error)
	// Get returns a single document.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Create stores record as a new document and returns its id.
	Create(ctx context.Context, collection string, record any) (string, error)
	// CreateOnce stores record under id unless that id already exists. It
	// reports whether the document was written.
	CreateOnce(ctx context.Context, collection, id string, record any) (bool, error)
	// Update merges patch into an existing document.
	Update(ctx context.Context, collection, id string, patch map[string]any) error
}

// Subscription is a live query. The owner must call Close.
type Subscription interface {
	Snapshots() <-chan Snapshot
	Close() error
}

// Snapshot is one delivery of a subscription: the complete result set, or
// an error with no documents.
type Snapshot struct {
	Docs []Document
	Err  error
}

// Condition is an equality filter on a top-level document field
type Condition struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Query selects documents from a collection
type Query struct {
	Collection string      `json:"collection"`
	Where      []Condition `json:"where,omitempty"`
	OrderBy    string      `json:"orderBy,omitempty"`
	Desc       bool        `json:"desc,omitempty"`
}

// Where builds a query with equality conditions given as field/value pairs.
func Where(collection string, pairs ...any) Query {
	q := Query{Collection: collection}
	for i := 0; i+1 < len(pairs); i += 2 {
		field, _ := pairs[i].(string)
		q.Where = append(q.Where, Condition{Field: field, Value: pairs[i+1]})
	}
	return q
}

// Ordered returns a copy of q sorted by field.
func (q Query) Ordered(field string, desc bool) Query {
	q.OrderBy = field
	q.Desc = desc
	return q
}

// Validate checks the query is well formed
func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidQuery)
	}
	for _, c := range q.Where {
		if c.Field == "" {
			return fmt.Errorf("%w: empty field", ErrInvalidQuery)
		}
	}
	return nil
}

// Filter returns the conditions as a JSON-normalized map, suitable for
// containment matching.
func (q Query) Filter() (map[string]any, error) {
	filter := make(map[string]any, len(q.Where))
	for _, c := range q.Where {
		v, err := normalize(c.Value)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", c.Field, err)
		}
		filter[c.Field] = v
	}
	return filter, nil
}

// Document is a stored record. Data holds JSON-normalized values.
type Document struct {
	ID         string         `json:"id"`
	Collection string         `json:"collection"`
	Data       map[string]any `json:"data"`
}

// Decode unmarshals the document into v, setting its "id" field.
func (d Document) Decode(v any) error {
	data := make(map[string]any, len(d.Data)+1)
	for k, val := range d.Data {
		data[k] = val
	}
	data["id"] = d.ID
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", d.ID, err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode document %s: %w", d.ID, err)
	}
	return nil
}

// String returns the value of a string field, or "".
func (d Document) String(field string) string {
	s, _ := d.Data[field].(string)
	return s
}

// Encode converts a record into JSON-normalized document data. Any "id"
// field is dropped since ids are assigned by the store.
func Encode(record any) (map[string]any, error) {
	b, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("record must encode as an object: %w", err)
	}
	delete(data, "id")
	return data, nil
}

// DecodeAll decodes every document into a slice of T.
func DecodeAll[T any](docs []Document) ([]T, error) {
	out := make([]T, 0, len(docs))
	for _, d := range docs {
		var v T
		if err := d.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Matches reports whether data satisfies every condition of filter.
func Matches(data, filter map[string]any) bool {
	for field, want := range filter {
		got, ok := data[field]
		if !ok || compareValues(got, want) != 0 {
			return false
		}
	}
	return true
}

// Sort orders docs by field. Documents missing the field sort first
// ascending. Ties keep their existing order.
func Sort(docs []Document, field string, desc bool) {
	if field == "" {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		c := compareValues(docs[i].Data[field], docs[j].Data[field])
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// compareValues compares JSON-normalized values. Strings that both parse as
// RFC 3339 timestamps compare chronologically.
func compareValues(a, b any) int {
	switch av := a.(type) {
	case nil:
		if b == nil {
			return 0
		}
		return -1
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			ta, errA := time.Parse(time.RFC3339Nano, av)
			tb, errB := time.Parse(time.RFC3339Nano, bv)
			if errA == nil && errB == nil {
				return ta.Compare(tb)
			}
			return strings.Compare(av, bv)
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case av == bv:
				return 0
			case !av:
				return -1
			}
			return 1
		}
	}
	if b == nil {
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizePatch converts patch values into their JSON-normalized form.
func NormalizePatch(patch map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		if k == "id" {
			continue
		}
		n, err := normalize(v)
		if err != nil {
			return nil, fmt.Errorf("patch field %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneData(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Unavailable wraps err as ErrUnavailable unless it already carries a
// store sentinel.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidQuery) || errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
