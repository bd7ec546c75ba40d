package appwrite

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/remote"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{Endpoint: srv.URL + "/v1/", Project: "proj", APIKey: "secret"},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func TestCreateDocument(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/databases/db1/collections/sales/documents", r.URL.Path)
		assert.Equal(t, "proj", r.Header.Get("X-Appwrite-Project"))
		assert.Equal(t, "secret", r.Header.Get("X-Appwrite-Key"))

		var body struct {
			DocumentID string         `json:"documentId"`
			Data       map[string]any `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "doc-1", body.DocumentID)
		assert.Equal(t, float64(7), body.Data["localId"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"$id":"doc-1","$collectionId":"sales","$createdAt":"2024-01-01T00:00:00.000+00:00","localId":7,"status":"paid"}`))
	})

	doc, err := c.CreateDocument(context.Background(), "db1", "sales", "doc-1", map[string]any{"localId": 7, "status": "paid"})
	require.NoError(t, err)
	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, "paid", doc.Fields["status"])
	assert.Equal(t, json.Number("7"), doc.Fields["localId"])
	assert.NotContains(t, doc.Fields, "$collectionId")
	assert.NotContains(t, doc.Fields, "$createdAt")
}

func TestErrorMapping(t *testing.T) {
	status := http.StatusConflict
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"message":"nope","code":0,"type":"some_type"}`))
	})
	ctx := context.Background()

	_, err := c.CreateDocument(ctx, "db", "sales", "x", nil)
	assert.ErrorIs(t, err, remote.ErrConflict)

	status = http.StatusNotFound
	_, err = c.UpdateDocument(ctx, "db", "sales", "x", map[string]any{"a": 1})
	assert.ErrorIs(t, err, remote.ErrNotFound)

	status = http.StatusBadRequest
	err = c.DeleteDocument(ctx, "db", "sales", "x")
	var se *remote.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 400, se.Code)
	assert.Equal(t, "some_type", se.Type)
	assert.False(t, remote.Retryable(err))

	status = http.StatusServiceUnavailable
	err = c.Ping(ctx)
	assert.True(t, remote.Retryable(err))
}

func TestUnreachableServerIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	c, err := New(Config{Endpoint: url, Project: "p"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	_, err = c.ListDocuments(context.Background(), "db", "sales", remote.ListOptions{})
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}

func TestListDocumentsSendsQueries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		queries := r.URL.Query()["queries[]"]
		require.Len(t, queries, 2)
		assert.JSONEq(t, `{"method":"equal","attribute":"shopId","values":[3]}`, queries[0])
		assert.JSONEq(t, `{"method":"limit","values":[500]}`, queries[1])
		_, _ = w.Write([]byte(`{"total":2,"documents":[{"$id":"a","name":"x"},{"$id":"b","name":"y"}]}`))
	})
	docs, err := c.ListDocuments(context.Background(), "db", "inventory", remote.ListOptions{
		Filters: []remote.Filter{{Attribute: "shopId", Values: []any{3}}},
		Limit:   500,
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].ID)
	assert.Equal(t, "y", docs[1].Fields["name"])
}

func TestProvisioningTreatsConflictAsSuccess(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if r.URL.Path == "/v1/databases/db/collections/sales/attributes/string" {
			assert.Equal(t, float64(65535), body["size"])
		}
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"message":"already exists"}`))
	})
	ctx := context.Background()
	require.NoError(t, c.EnsureDatabase(ctx, "db", "Kwari"))
	require.NoError(t, c.EnsureCollection(ctx, "db", "sales", "sales"))
	require.NoError(t, c.EnsureAttribute(ctx, "db", "sales", domain.Attribute{Key: "items", Type: domain.AttrJSON, Size: 65535}))
	require.NoError(t, c.EnsureAttribute(ctx, "db", "sales", domain.Attribute{Key: "totalAmount", Type: domain.AttrFloat}))
	assert.Equal(t, []string{
		"/v1/databases",
		"/v1/databases/db/collections",
		"/v1/databases/db/collections/sales/attributes/string",
		"/v1/databases/db/collections/sales/attributes/float",
	}, paths)
}

// TestLiveServer runs against a real Appwrite project when one is configured.
func TestLiveServer(t *testing.T) {
	endpoint := os.Getenv("KWARI_TEST_APPWRITE_ENDPOINT")
	if endpoint == "" {
		t.Skip("KWARI_TEST_APPWRITE_ENDPOINT is not set")
	}
	c, err := New(Config{
		Endpoint: endpoint,
		Project:  os.Getenv("KWARI_TEST_APPWRITE_PROJECT"),
		APIKey:   os.Getenv("KWARI_TEST_APPWRITE_KEY"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()))
}
