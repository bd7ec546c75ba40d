// Package remote is the contract with the cloud document store the local
// store replicates to.
package remote

import (
	"context"
	"errors"
	"fmt"

	"kwaribook/backend/internal/domain"
)

var (
	ErrNotFound    = errors.New("remote: not found")
	ErrConflict    = errors.New("remote: already exists")
	ErrUnavailable = errors.New("remote: unavailable")
)

// StatusError is a rejected request the client could not classify further.
type StatusError struct {
	Code    int
	Type    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("remote: status %d (%s): %s", e.Code, e.Type, e.Message)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Code, e.Message)
}

// Document is a remote record. Fields holds only user attributes; service
// metadata other than the id is dropped by the clients.
type Document struct {
	ID     string
	Fields map[string]any
}

// Filter matches documents whose attribute equals one of Values.
type Filter struct {
	Attribute string
	Values    []any
}

type ListOptions struct {
	Filters []Filter
	Limit   int
}

type DocumentStore interface {
	CreateDocument(ctx context.Context, database, collection, id string, fields map[string]any) (Document, error)
	UpdateDocument(ctx context.Context, database, collection, id string, fields map[string]any) (Document, error)
	DeleteDocument(ctx context.Context, database, collection, id string) error
	ListDocuments(ctx context.Context, database, collection string, opts ListOptions) ([]Document, error)
	Ping(ctx context.Context) error
}

// Provisioner creates remote structure. Every method succeeds when the
// target already exists.
type Provisioner interface {
	EnsureDatabase(ctx context.Context, id, name string) error
	EnsureCollection(ctx context.Context, database, id, name string) error
	EnsureAttribute(ctx context.Context, database, collection string, attr domain.Attribute) error
}

// Retryable reports whether a failed call may succeed when tried again
// unchanged.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	return false
}

// Matches reports whether fields satisfy every filter. Stores without a
// server side query language use it to apply ListOptions.
func (o ListOptions) Matches(fields map[string]any) bool {
	for _, f := range o.Filters {
		v, ok := fields[f.Attribute]
		if !ok {
			return false
		}
		hit := false
		for _, want := range f.Values {
			if fmt.Sprint(want) == fmt.Sprint(v) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}
