package store

import (
	"kwaribook/backend/internal/domain"
)

// Insert stores v and refreshes it with the assigned id and timestamp.
func Insert[T domain.Entity](tx Tx, c domain.Collection, v T) error {
	doc, err := tx.Insert(c, v)
	if err != nil {
		return err
	}
	return doc.Decode(v)
}

// Save replaces the stored record with v.
func Save[T domain.Entity](tx Tx, c domain.Collection, v T) error {
	doc, err := tx.Put(c, v.Base().ID, v)
	if err != nil {
		return err
	}
	return doc.Decode(v)
}

func Load[T any](tx Tx, c domain.Collection, id int64) (*T, error) {
	doc, err := tx.Get(c, id)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := doc.Decode(out); err != nil {
		return nil, err
	}
	return out, nil
}

func Select[T any](tx Tx, c domain.Collection, q Query) ([]T, error) {
	docs, err := tx.Find(c, q)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := doc.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// First returns the first match of q or ErrNotFound.
func First[T any](tx Tx, c domain.Collection, q Query) (*T, error) {
	items, err := Select[T](tx, c, q.Take(1))
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return &items[0], nil
}
