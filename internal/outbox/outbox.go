// Package outbox stores pending remote replication work in the sync_queue
// collection, inside the same local transaction as the change it describes.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/store"
	"kwaribook/backend/internal/xid"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDead     Status = "dead"
)

// Entry is one queued mutation. Payload is a snapshot of the entity at
// enqueue time, local id included.
type Entry struct {
	domain.Meta
	Action        domain.Action     `json:"action"`
	Collection    domain.Collection `json:"collection"`
	EntityID      int64             `json:"entityId"`
	DocumentID    string            `json:"documentId,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	Status        Status            `json:"status"`
	Attempts      int               `json:"attempts"`
	LastError     string            `json:"lastError,omitempty"`
	EnqueuedAt    int64             `json:"enqueuedAt"`
	NextAttemptAt int64             `json:"nextAttemptAt"`
}

func (e Entry) Enqueued() time.Time { return time.Unix(0, e.EnqueuedAt).UTC() }

// Entity decodes the payload into the record type of the entry's collection.
func (e Entry) Entity() (domain.Entity, error) {
	entity, err := domain.NewEntity(e.Collection)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(e.Payload, entity); err != nil {
		return nil, fmt.Errorf("decode %s payload of entry %d: %w", e.Collection, e.ID, err)
	}
	return entity, nil
}

// Policy bounds retries. A zero MaxAttempts retries forever.
type Policy struct {
	MaxAttempts int
	BackoffMin  time.Duration
	BackoffMax  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 10, BackoffMin: 5 * time.Second, BackoffMax: 10 * time.Minute}
}

// Delay is the wait before the next try after the given number of failures.
func (p Policy) Delay(failures int) time.Duration {
	if failures <= 0 || p.BackoffMin <= 0 {
		return 0
	}
	d := p.BackoffMin
	for i := 1; i < failures; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

type Queue struct {
	now   func() time.Time
	newID func() string
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func WithIDs(newID func() string) Option {
	return func(q *Queue) { q.newID = newID }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		now:   func() time.Time { return time.Now().UTC() },
		newID: xid.DocumentID,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue records action on entity. The transaction must have the sync
// queue in scope. CREATE entries get their remote document id now so a
// retried create is recognisable on the remote side.
func (q *Queue) Enqueue(tx store.Tx, action domain.Action, c domain.Collection, entity domain.Entity) (*Entry, error) {
	if entity == nil || entity.Base().ID == 0 {
		return nil, fmt.Errorf("%w: enqueue %s %s without a stored entity", store.ErrInvalidRequest, action, c)
	}
	if _, ok := domain.LookupSpec(c); !ok {
		return nil, fmt.Errorf("%w: %s does not replicate", store.ErrInvalidRequest, c)
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s %d: %w", c, entity.Base().ID, err)
	}
	now := q.now().UnixNano()
	entry := &Entry{
		Action:        action,
		Collection:    c,
		EntityID:      entity.Base().ID,
		Payload:       payload,
		Status:        StatusPending,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	switch action {
	case domain.ActionCreate:
		entry.DocumentID = entity.Base().RemoteID
		if entry.DocumentID == "" {
			entry.DocumentID = q.newID()
		}
	case domain.ActionUpdate, domain.ActionDelete:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", store.ErrInvalidRequest, action)
	}
	if err := store.Insert(tx, domain.CollectionSyncQueue, entry); err != nil {
		return nil, fmt.Errorf("enqueue %s %s: %w", action, c, err)
	}
	return entry, nil
}

// Due lists pending entries whose next attempt is not in the future, oldest
// first.
func (q *Queue) Due(tx store.Tx, limit int) ([]Entry, error) {
	query := store.Where("status", StatusPending).
		Filter("nextAttemptAt", store.OpLte, q.now().UnixNano()).
		Order("enqueuedAt")
	if limit > 0 {
		query = query.Take(limit)
	}
	return store.Select[Entry](tx, domain.CollectionSyncQueue, query)
}

func (q *Queue) List(tx store.Tx, status Status) ([]Entry, error) {
	return store.Select[Entry](tx, domain.CollectionSyncQueue, store.Where("status", status).Order("enqueuedAt"))
}

func (q *Queue) All(tx store.Tx) ([]Entry, error) {
	return store.Select[Entry](tx, domain.CollectionSyncQueue, store.All().Order("enqueuedAt"))
}

func (q *Queue) Get(tx store.Tx, id int64) (*Entry, error) {
	return store.Load[Entry](tx, domain.CollectionSyncQueue, id)
}

// Claim moves a pending entry to in_flight. It reports false when the entry
// is gone or no longer pending.
func (q *Queue) Claim(tx store.Tx, id int64) (bool, error) {
	entry, err := q.Get(tx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.Status != StatusPending {
		return false, nil
	}
	return tx.Merge(domain.CollectionSyncQueue, id, map[string]any{"status": StatusInFlight})
}

// Complete removes an entry whose remote call succeeded.
func (q *Queue) Complete(tx store.Tx, id int64) error {
	_, err := tx.Delete(domain.CollectionSyncQueue, id)
	return err
}

// Release returns an in-flight entry to pending without counting an attempt.
func (q *Queue) Release(tx store.Tx, id int64) error {
	_, err := tx.Merge(domain.CollectionSyncQueue, id, map[string]any{"status": StatusPending})
	return err
}

// Fail records a failed attempt. The entry backs off, or is dead-lettered
// once the policy's attempts are used up. It returns the new status.
func (q *Queue) Fail(tx store.Tx, id int64, cause error, p Policy) (Status, error) {
	entry, err := q.Get(tx, id)
	if err != nil {
		return "", err
	}
	attempts := entry.Attempts + 1
	status := StatusPending
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		status = StatusDead
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err = tx.Merge(domain.CollectionSyncQueue, id, map[string]any{
		"status":        status,
		"attempts":      attempts,
		"lastError":     msg,
		"nextAttemptAt": q.now().Add(p.Delay(attempts)).UnixNano(),
	})
	return status, err
}

// ResetInFlight returns entries left in_flight by an interrupted push to
// pending. It is run before a push starts.
func (q *Queue) ResetInFlight(tx store.Tx) (int, error) {
	return q.move(tx, StatusInFlight, map[string]any{"status": StatusPending})
}

// Requeue gives dead entries a fresh set of attempts. With no ids every dead
// entry is revived.
func (q *Queue) Requeue(tx store.Tx, ids ...int64) (int, error) {
	fields := map[string]any{
		"status":        StatusPending,
		"attempts":      0,
		"nextAttemptAt": q.now().UnixNano(),
	}
	if len(ids) == 0 {
		return q.move(tx, StatusDead, fields)
	}
	n := 0
	for _, id := range ids {
		entry, err := q.Get(tx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if entry.Status != StatusDead {
			continue
		}
		if _, err := tx.Merge(domain.CollectionSyncQueue, id, fields); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Discard drops an entry regardless of its state.
func (q *Queue) Discard(tx store.Tx, id int64) (bool, error) {
	return tx.Delete(domain.CollectionSyncQueue, id)
}

func (q *Queue) move(tx store.Tx, from Status, fields map[string]any) (int, error) {
	docs, err := tx.Find(domain.CollectionSyncQueue, store.Where("status", from))
	if err != nil {
		return 0, err
	}
	for _, doc := range docs {
		if _, err := tx.Merge(domain.CollectionSyncQueue, doc.ID, fields); err != nil {
			return 0, err
		}
	}
	return len(docs), nil
}

// Counts backs the pending sync indicator.
type Counts struct {
	Pending  int `json:"pending"`
	InFlight int `json:"inFlight"`
	Dead     int `json:"dead"`
}

func (q *Queue) Counts(tx store.Tx) (Counts, error) {
	var c Counts
	for status, dst := range map[Status]*int{StatusPending: &c.Pending, StatusInFlight: &c.InFlight, StatusDead: &c.Dead} {
		n, err := tx.Count(domain.CollectionSyncQueue, store.Where("status", status))
		if err != nil {
			return Counts{}, err
		}
		*dst = n
	}
	return c, nil
}
