package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"kwaribook/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvariantViolation = errors.New("invariant violation")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrOutOfScope         = errors.New("collection outside transaction scope")
	ErrSchema             = errors.New("invalid schema")
)

// Document is a stored record. Body is the full JSON object, including the
// id, remoteId and updatedAt fields mirrored from the other columns.
type Document struct {
	ID        int64
	RemoteID  string
	UpdatedAt time.Time
	Body      json.RawMessage
}

// Tx is the view of the store inside a transaction. Reads may touch any
// collection; writes are limited to the collections named when the
// transaction was opened and fail with ErrOutOfScope otherwise.
type Tx interface {
	// Insert stores v under the next local id and returns the stored document.
	Insert(c domain.Collection, v any) (Document, error)
	Get(c domain.Collection, id int64) (Document, error)
	// Put replaces the whole body of an existing record.
	Put(c domain.Collection, id int64, v any) (Document, error)
	// Merge overlays fields onto an existing record. A missing id is not an
	// error: it reports false and writes nothing.
	Merge(c domain.Collection, id int64, fields map[string]any) (bool, error)
	Delete(c domain.Collection, id int64) (bool, error)
	Find(c domain.Collection, q Query) ([]Document, error)
	Count(c domain.Collection, q Query) (int, error)
	FindByRemoteID(c domain.Collection, remoteID string) (Document, error)
}

type Store interface {
	// Update runs fn with exclusive write access to collections. All writes
	// made by fn commit together, or none do when fn returns an error.
	Update(ctx context.Context, collections []domain.Collection, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Schema() Schema
	Close() error
}

// InScope reports whether c is one of the collections a transaction declared.
func InScope(scope []domain.Collection, c domain.Collection) bool {
	for _, s := range scope {
		if s == c {
			return true
		}
	}
	return false
}
