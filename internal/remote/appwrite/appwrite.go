// Package appwrite talks to an Appwrite server over its REST API.
package appwrite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/exp/slog"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/remote"
)

type Config struct {
	Endpoint string
	Project  string
	APIKey   string
	Timeout  time.Duration
}

type Client struct {
	http     *http.Client
	log      *slog.Logger
	endpoint string
	project  string
	apiKey   string
}

func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Endpoint == "" || cfg.Project == "" {
		return nil, fmt.Errorf("appwrite: endpoint and project are required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		log:      log,
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
		project:  cfg.Project,
		apiKey:   cfg.APIKey,
	}, nil
}

func documentsPath(database, collection string) string {
	return "/databases/" + url.PathEscape(database) + "/collections/" + url.PathEscape(collection) + "/documents"
}

func (c *Client) CreateDocument(ctx context.Context, database, collection, id string, fields map[string]any) (remote.Document, error) {
	if id == "" {
		id = "unique()"
	}
	body := map[string]any{"documentId": id, "data": fields}
	var raw map[string]any
	if err := c.do(ctx, http.MethodPost, documentsPath(database, collection), nil, body, &raw); err != nil {
		return remote.Document{}, err
	}
	return toDocument(raw), nil
}

func (c *Client) UpdateDocument(ctx context.Context, database, collection, id string, fields map[string]any) (remote.Document, error) {
	var raw map[string]any
	path := documentsPath(database, collection) + "/" + url.PathEscape(id)
	if err := c.do(ctx, http.MethodPatch, path, nil, map[string]any{"data": fields}, &raw); err != nil {
		return remote.Document{}, err
	}
	return toDocument(raw), nil
}

func (c *Client) DeleteDocument(ctx context.Context, database, collection, id string) error {
	return c.do(ctx, http.MethodDelete, documentsPath(database, collection)+"/"+url.PathEscape(id), nil, nil, nil)
}

func (c *Client) ListDocuments(ctx context.Context, database, collection string, opts remote.ListOptions) ([]remote.Document, error) {
	query := url.Values{}
	for _, f := range opts.Filters {
		q, err := json.Marshal(map[string]any{"method": "equal", "attribute": f.Attribute, "values": f.Values})
		if err != nil {
			return nil, err
		}
		query.Add("queries[]", string(q))
	}
	if opts.Limit > 0 {
		q, _ := json.Marshal(map[string]any{"method": "limit", "values": []int{opts.Limit}})
		query.Add("queries[]", string(q))
	}
	var resp struct {
		Total     int              `json:"total"`
		Documents []map[string]any `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, documentsPath(database, collection), query, nil, &resp); err != nil {
		return nil, err
	}
	docs := make([]remote.Document, 0, len(resp.Documents))
	for _, raw := range resp.Documents {
		docs = append(docs, toDocument(raw))
	}
	return docs, nil
}

func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) EnsureDatabase(ctx context.Context, id, name string) error {
	return ignoreConflict(c.do(ctx, http.MethodPost, "/databases", nil,
		map[string]any{"databaseId": id, "name": name}, nil))
}

func (c *Client) EnsureCollection(ctx context.Context, database, id, name string) error {
	return ignoreConflict(c.do(ctx, http.MethodPost, "/databases/"+url.PathEscape(database)+"/collections", nil,
		map[string]any{"collectionId": id, "name": name, "documentSecurity": false}, nil))
}

func (c *Client) EnsureAttribute(ctx context.Context, database, collection string, attr domain.Attribute) error {
	kind := string(attr.Type)
	body := map[string]any{"key": attr.Key, "required": attr.Required}
	switch attr.Type {
	case domain.AttrString, domain.AttrJSON:
		kind = "string"
		body["size"] = attr.Size
	case domain.AttrInteger, domain.AttrFloat, domain.AttrBoolean, domain.AttrDatetime:
	default:
		return fmt.Errorf("appwrite: unsupported attribute type %q", attr.Type)
	}
	path := "/databases/" + url.PathEscape(database) + "/collections/" + url.PathEscape(collection) + "/attributes/" + kind
	return ignoreConflict(c.do(ctx, http.MethodPost, path, nil, body, nil))
}

func ignoreConflict(err error) error {
	if errors.Is(err, remote.ErrConflict) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("appwrite: encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}
	target := c.endpoint + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return fmt.Errorf("appwrite: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Appwrite-Project", c.project)
	if c.apiKey != "" {
		req.Header.Set("X-Appwrite-Key", c.apiKey)
	}

	c.log.Debug("appwrite request", slog.String("method", method), slog.String("path", path))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", remote.ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", remote.ErrUnavailable, err)
	}
	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, data)
	}
	if result == nil || len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("appwrite: decode response: %w", err)
	}
	return nil
}

func statusError(code int, body []byte) error {
	var payload struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
	_ = json.Unmarshal(body, &payload)
	switch code {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", remote.ErrNotFound, payload.Message)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", remote.ErrConflict, payload.Message)
	}
	return &remote.StatusError{Code: code, Type: payload.Type, Message: payload.Message}
}

// toDocument drops Appwrite's $-prefixed metadata, keeping $id as the id.
func toDocument(raw map[string]any) remote.Document {
	doc := remote.Document{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		if k == "$id" {
			doc.ID, _ = v.(string)
			continue
		}
		if strings.HasPrefix(k, "$") {
			continue
		}
		doc.Fields[k] = v
	}
	return doc
}
