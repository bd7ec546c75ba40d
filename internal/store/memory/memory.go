package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/store"
)

type table struct {
	seq  int64
	docs map[int64]store.Document
}

func (t *table) clone() *table {
	docs := make(map[int64]store.Document, len(t.docs))
	for id, doc := range t.docs {
		docs[id] = doc
	}
	return &table{seq: t.seq, docs: docs}
}

// Store keeps every collection in process memory. Writers are serialised by
// mu; a transaction stages copies of the tables it writes and swaps them in
// on commit.
type Store struct {
	mu     sync.RWMutex
	schema store.Schema
	tables map[domain.Collection]*table
	now    func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(schema store.Schema, opts ...Option) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		schema: schema,
		tables: make(map[domain.Collection]*table),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, c := range schema.Latest().CollectionNames() {
		s.tables[c] = &table{docs: make(map[int64]store.Document)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewDefault returns an empty store with the bookkeeping schema.
func NewDefault() *Store {
	s, err := New(store.DefaultSchema)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Store) Schema() store.Schema { return s.schema }

func (s *Store) Close() error { return nil }

func (s *Store) Update(ctx context.Context, collections []domain.Collection, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, c := range collections {
		if !s.schema.Has(c) {
			return fmt.Errorf("%w: unknown collection %s", store.ErrOutOfScope, c)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s, scope: collections, staged: make(map[domain.Collection]*table), at: s.now()}
	if err := fn(tx); err != nil {
		return err
	}
	for c, t := range tx.staged {
		s.tables[c] = t
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{store: s, staged: map[domain.Collection]*table{}})
}

type memTx struct {
	store  *Store
	scope  []domain.Collection
	staged map[domain.Collection]*table
	at     time.Time
}

func (tx *memTx) read(c domain.Collection) (*table, error) {
	if t, ok := tx.staged[c]; ok {
		return t, nil
	}
	t, ok := tx.store.tables[c]
	if !ok {
		return nil, fmt.Errorf("%w: unknown collection %s", store.ErrNotFound, c)
	}
	return t, nil
}

func (tx *memTx) write(c domain.Collection) (*table, error) {
	if !store.InScope(tx.scope, c) {
		return nil, fmt.Errorf("%w: %s", store.ErrOutOfScope, c)
	}
	if t, ok := tx.staged[c]; ok {
		return t, nil
	}
	t := tx.store.tables[c].clone()
	tx.staged[c] = t
	return t, nil
}

func (tx *memTx) Insert(c domain.Collection, v any) (store.Document, error) {
	t, err := tx.write(c)
	if err != nil {
		return store.Document{}, err
	}
	f, err := store.EncodeFields(v)
	if err != nil {
		return store.Document{}, err
	}
	if rid := f.RemoteID(); rid != "" {
		if _, err := findRemote(t, rid); err == nil {
			return store.Document{}, fmt.Errorf("%w: %s remote id %s already stored", store.ErrInvariantViolation, c, rid)
		}
	}
	t.seq++
	f.Stamp(t.seq, tx.at)
	doc, err := f.Document(t.seq, tx.at)
	if err != nil {
		return store.Document{}, err
	}
	t.docs[t.seq] = doc
	return doc, nil
}

func (tx *memTx) Get(c domain.Collection, id int64) (store.Document, error) {
	t, err := tx.read(c)
	if err != nil {
		return store.Document{}, err
	}
	doc, ok := t.docs[id]
	if !ok {
		return store.Document{}, fmt.Errorf("%w: %s %d", store.ErrNotFound, c, id)
	}
	return doc, nil
}

func (tx *memTx) Put(c domain.Collection, id int64, v any) (store.Document, error) {
	t, err := tx.write(c)
	if err != nil {
		return store.Document{}, err
	}
	if _, ok := t.docs[id]; !ok {
		return store.Document{}, fmt.Errorf("%w: %s %d", store.ErrNotFound, c, id)
	}
	f, err := store.EncodeFields(v)
	if err != nil {
		return store.Document{}, err
	}
	return tx.replace(c, t, id, f)
}

func (tx *memTx) Merge(c domain.Collection, id int64, fields map[string]any) (bool, error) {
	t, err := tx.write(c)
	if err != nil {
		return false, err
	}
	current, ok := t.docs[id]
	if !ok {
		return false, nil
	}
	f, err := current.Fields()
	if err != nil {
		return false, err
	}
	if err := f.Overlay(fields); err != nil {
		return false, err
	}
	if _, err := tx.replace(c, t, id, f); err != nil {
		return false, err
	}
	return true, nil
}

func (tx *memTx) replace(c domain.Collection, t *table, id int64, f store.Fields) (store.Document, error) {
	if rid := f.RemoteID(); rid != "" {
		if other, err := findRemote(t, rid); err == nil && other.ID != id {
			return store.Document{}, fmt.Errorf("%w: %s remote id %s already stored", store.ErrInvariantViolation, c, rid)
		}
	}
	f.Stamp(id, tx.at)
	doc, err := f.Document(id, tx.at)
	if err != nil {
		return store.Document{}, err
	}
	t.docs[id] = doc
	return doc, nil
}

func (tx *memTx) Delete(c domain.Collection, id int64) (bool, error) {
	t, err := tx.write(c)
	if err != nil {
		return false, err
	}
	if _, ok := t.docs[id]; !ok {
		return false, nil
	}
	delete(t.docs, id)
	return true, nil
}

func (tx *memTx) Find(c domain.Collection, q store.Query) ([]store.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	t, err := tx.read(c)
	if err != nil {
		return nil, err
	}
	type row struct {
		doc    store.Document
		fields store.Fields
	}
	rows := make([]row, 0, len(t.docs))
	for _, doc := range t.docs {
		f, err := doc.Fields()
		if err != nil {
			return nil, err
		}
		if q.Matches(f) {
			rows = append(rows, row{doc: doc, fields: f})
		}
	}
	slices.SortFunc(rows, func(a, b row) int {
		cmp := 0
		for _, field := range q.OrderBy {
			if cmp = store.CompareFields(a.fields[field], b.fields[field]); cmp != 0 {
				break
			}
		}
		if cmp == 0 {
			cmp = compareIDs(a.doc.ID, b.doc.ID)
		}
		if q.Desc {
			return -cmp
		}
		return cmp
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([]store.Document, len(rows))
	for i, r := range rows {
		out[i] = r.doc
	}
	return out, nil
}

func (tx *memTx) Count(c domain.Collection, q store.Query) (int, error) {
	q.Limit = 0
	docs, err := tx.Find(c, q)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

func (tx *memTx) FindByRemoteID(c domain.Collection, remoteID string) (store.Document, error) {
	t, err := tx.read(c)
	if err != nil {
		return store.Document{}, err
	}
	return findRemote(t, remoteID)
}

func findRemote(t *table, remoteID string) (store.Document, error) {
	if remoteID == "" {
		return store.Document{}, store.ErrNotFound
	}
	for _, doc := range t.docs {
		if doc.RemoteID == remoteID {
			return doc, nil
		}
	}
	return store.Document{}, fmt.Errorf("%w: remote id %s", store.ErrNotFound, remoteID)
}

func compareIDs(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
