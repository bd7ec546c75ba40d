// Package memory is an in-process remote document store used by tests and
// by single-device setups without a backend.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/remote"
	"kwaribook/backend/internal/xid"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// Call records one request made against the store.
type Call struct {
	Op         Op
	Collection string
	ID         string
	Fields     map[string]any
}

type collection struct {
	order []string
	docs  map[string]map[string]any
}

type Store struct {
	mu          sync.Mutex
	collections map[string]*collection
	databases   map[string]bool
	attributes  map[string][]domain.Attribute
	calls       []Call
	offline     bool
	failures    []failure
}

type failure struct {
	op         Op
	collection string
	err        error
	remaining  int
}

func New() *Store {
	return &Store{
		collections: make(map[string]*collection),
		databases:   make(map[string]bool),
		attributes:  make(map[string][]domain.Attribute),
	}
}

func key(database, coll string) string { return database + "/" + coll }

// SetOffline makes every call fail with remote.ErrUnavailable.
func (s *Store) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailNext makes the next n calls of op on coll fail with err. An empty
// collection matches every collection.
func (s *Store) FailNext(op Op, coll string, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{op: op, collection: coll, err: err, remaining: n})
}

func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

func (s *Store) injected(op Op, coll string) error {
	if s.offline {
		return fmt.Errorf("%w: offline", remote.ErrUnavailable)
	}
	for i := range s.failures {
		f := &s.failures[i]
		if f.remaining > 0 && f.op == op && (f.collection == "" || f.collection == coll) {
			f.remaining--
			return f.err
		}
	}
	return nil
}

func (s *Store) table(database, coll string) *collection {
	k := key(database, coll)
	c, ok := s.collections[k]
	if !ok {
		c = &collection{docs: make(map[string]map[string]any)}
		s.collections[k] = c
	}
	return c
}

// Put seeds a document as if another device had written it.
func (s *Store) Put(database, coll, id string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(database, coll)
	if _, ok := t.docs[id]; !ok {
		t.order = append(t.order, id)
	}
	t.docs[id] = clone(fields)
}

// Get returns a stored document for assertions.
func (s *Store) Get(database, coll, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.table(database, coll).docs[id]
	return clone(doc), ok
}

func (s *Store) Count(database, coll string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table(database, coll).docs)
}

func (s *Store) CreateDocument(_ context.Context, database, coll, id string, fields map[string]any) (remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: OpCreate, Collection: coll, ID: id, Fields: clone(fields)})
	if err := s.injected(OpCreate, coll); err != nil {
		return remote.Document{}, err
	}
	if id == "" {
		id = xid.DocumentID()
	}
	t := s.table(database, coll)
	if _, ok := t.docs[id]; ok {
		return remote.Document{}, fmt.Errorf("%w: %s %s", remote.ErrConflict, coll, id)
	}
	t.order = append(t.order, id)
	t.docs[id] = clone(fields)
	return remote.Document{ID: id, Fields: clone(fields)}, nil
}

func (s *Store) UpdateDocument(_ context.Context, database, coll, id string, fields map[string]any) (remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: OpUpdate, Collection: coll, ID: id, Fields: clone(fields)})
	if err := s.injected(OpUpdate, coll); err != nil {
		return remote.Document{}, err
	}
	doc, ok := s.table(database, coll).docs[id]
	if !ok {
		return remote.Document{}, fmt.Errorf("%w: %s %s", remote.ErrNotFound, coll, id)
	}
	for k, v := range fields {
		doc[k] = roundTrip(v)
	}
	return remote.Document{ID: id, Fields: clone(doc)}, nil
}

func (s *Store) DeleteDocument(_ context.Context, database, coll, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: OpDelete, Collection: coll, ID: id})
	if err := s.injected(OpDelete, coll); err != nil {
		return err
	}
	t := s.table(database, coll)
	if _, ok := t.docs[id]; !ok {
		return fmt.Errorf("%w: %s %s", remote.ErrNotFound, coll, id)
	}
	delete(t.docs, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) ListDocuments(_ context.Context, database, coll string, opts remote.ListOptions) ([]remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: OpList, Collection: coll})
	if err := s.injected(OpList, coll); err != nil {
		return nil, err
	}
	t := s.table(database, coll)
	var out []remote.Document
	for _, id := range t.order {
		doc := t.docs[id]
		if !opts.Matches(doc) {
			continue
		}
		out = append(out, remote.Document{ID: id, Fields: clone(doc)})
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.offline {
		return fmt.Errorf("%w: offline", remote.ErrUnavailable)
	}
	return nil
}

func (s *Store) EnsureDatabase(_ context.Context, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[id] = true
	return nil
}

func (s *Store) EnsureCollection(_ context.Context, database, id, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.databases[database] {
		return fmt.Errorf("%w: database %s", remote.ErrNotFound, database)
	}
	s.table(database, id)
	return nil
}

func (s *Store) EnsureAttribute(_ context.Context, database, coll string, attr domain.Attribute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(database, coll)
	if _, ok := s.collections[k]; !ok {
		return fmt.Errorf("%w: collection %s", remote.ErrNotFound, coll)
	}
	for _, a := range s.attributes[k] {
		if a.Key == attr.Key {
			return nil
		}
	}
	s.attributes[k] = append(s.attributes[k], attr)
	return nil
}

func (s *Store) Attributes(database, coll string) []domain.Attribute {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Attribute(nil), s.attributes[key(database, coll)]...)
}

// clone deep-copies through JSON so stored values look the way they would
// after a trip over the wire.
func clone(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = roundTrip(v)
	}
	return out
}

func roundTrip(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
