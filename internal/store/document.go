package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved body fields kept in step with the Document columns.
const (
	FieldID        = "id"
	FieldRemoteID  = "remoteId"
	FieldUpdatedAt = "updatedAt"
)

// Fields is a document body split into its top-level members.
type Fields map[string]json.RawMessage

func DecodeFields(body []byte) (Fields, error) {
	var f Fields
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: body is not a JSON object: %v", ErrInvalidRequest, err)
	}
	if f == nil {
		return nil, fmt.Errorf("%w: body is null", ErrInvalidRequest)
	}
	return f, nil
}

// EncodeFields marshals v, which must encode to a JSON object.
func EncodeFields(v any) (Fields, error) {
	if f, ok := v.(Fields); ok {
		return f.Clone(), nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return DecodeFields(raw)
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return DecodeFields(body)
}

func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Overlay sets every key of partial. The local id can never be overwritten.
func (f Fields) Overlay(partial map[string]any) error {
	for k, v := range partial {
		if k == FieldID {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidRequest, k, err)
		}
		f[k] = raw
	}
	return nil
}

// Stamp writes the column values back into the body.
func (f Fields) Stamp(id int64, at time.Time) {
	f[FieldID], _ = json.Marshal(id)
	f[FieldUpdatedAt], _ = json.Marshal(at.UTC())
	if rid := f.RemoteID(); rid == "" {
		delete(f, FieldRemoteID)
	}
}

func (f Fields) RemoteID() string {
	raw, ok := f[FieldRemoteID]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Document builds the stored form of f, which must already be stamped.
func (f Fields) Document(id int64, at time.Time) (Document, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: id, RemoteID: f.RemoteID(), UpdatedAt: at.UTC(), Body: body}, nil
}

func (d Document) Fields() (Fields, error) {
	return DecodeFields(d.Body)
}

func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Body, v); err != nil {
		return fmt.Errorf("decode document %d: %w", d.ID, err)
	}
	return nil
}
