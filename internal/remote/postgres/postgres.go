// Package postgres serves the remote document contract from a self-hosted
// PostgreSQL database, one JSONB row per document.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/remote"
	"kwaribook/backend/internal/xid"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Store struct {
	db *sql.DB
}

// New connects to databaseURL and brings the document tables up to date.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	if err := Migrate(databaseURL); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Migrate applies the embedded migrations over a dedicated connection.
func Migrate(databaseURL string) (err error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return err
	}
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration driver: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("migration setup: %w", err)
	}
	defer func() {
		serr, dberr := m.Close()
		if err == nil {
			err = errors.Join(serr, dberr)
		}
	}()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) CreateDocument(ctx context.Context, database, collection, id string, fields map[string]any) (remote.Document, error) {
	if id == "" {
		id = xid.DocumentID()
	}
	payload, err := encode(fields)
	if err != nil {
		return remote.Document{}, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO remote_documents (database_id, collection_id, id, data)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING data
	`, database, collection, id, payload).Scan(&data)
	if err != nil {
		return remote.Document{}, classify(err, collection, id)
	}
	return decode(id, data)
}

func (s *Store) UpdateDocument(ctx context.Context, database, collection, id string, fields map[string]any) (remote.Document, error) {
	payload, err := encode(fields)
	if err != nil {
		return remote.Document{}, err
	}
	var data []byte
	err = s.db.QueryRowContext(ctx, `
		UPDATE remote_documents
		SET data = data || $4::jsonb, updated_at = now()
		WHERE database_id = $1 AND collection_id = $2 AND id = $3
		RETURNING data
	`, database, collection, id, payload).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Document{}, fmt.Errorf("%w: %s %s", remote.ErrNotFound, collection, id)
	}
	if err != nil {
		return remote.Document{}, classify(err, collection, id)
	}
	return decode(id, data)
}

func (s *Store) DeleteDocument(ctx context.Context, database, collection, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM remote_documents WHERE database_id = $1 AND collection_id = $2 AND id = $3
	`, database, collection, id)
	if err != nil {
		return classify(err, collection, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", remote.ErrNotFound, collection, id)
	}
	return nil
}

func (s *Store) ListDocuments(ctx context.Context, database, collection string, opts remote.ListOptions) ([]remote.Document, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, data FROM remote_documents WHERE database_id = $1 AND collection_id = $2`)
	args := []any{database, collection}
	for _, f := range opts.Filters {
		values := make([]string, len(f.Values))
		for i, v := range f.Values {
			values[i] = fmt.Sprint(v)
		}
		args = append(args, f.Attribute, values)
		fmt.Fprintf(&sb, ` AND data->>($%d::text) = ANY($%d::text[])`, len(args)-1, len(args))
	}
	sb.WriteString(` ORDER BY seq`)
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&sb, ` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify(err, collection, "")
	}
	defer rows.Close()

	docs := make([]remote.Document, 0, 64)
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		doc, err := decode(id, data)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) EnsureDatabase(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_databases (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, name)
	return classify(err, "", id)
}

func (s *Store) EnsureCollection(ctx context.Context, database, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_collections (database_id, id, name) VALUES ($1, $2, $3)
		ON CONFLICT (database_id, id) DO NOTHING
	`, database, id, name)
	return classify(err, id, "")
}

func (s *Store) EnsureAttribute(ctx context.Context, database, collection string, attr domain.Attribute) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO remote_attributes (database_id, collection_id, key, type, size, required)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (database_id, collection_id, key) DO NOTHING
	`, database, collection, attr.Key, string(attr.Type), attr.Size, attr.Required)
	return classify(err, collection, attr.Key)
}

func encode(fields map[string]any) (string, error) {
	if fields == nil {
		return "{}", nil
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}
	return string(payload), nil
}

func decode(id string, data []byte) (remote.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	fields := map[string]any{}
	if err := dec.Decode(&fields); err != nil {
		return remote.Document{}, fmt.Errorf("decode document %s: %w", id, err)
	}
	return remote.Document{ID: id, Fields: fields}, nil
}

// classify maps driver errors onto the remote error set. Anything that is
// not a server-side rejection is treated as the backend being unreachable.
func classify(err error, collection, id string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s %s", remote.ErrConflict, collection, id)
		case "23503":
			return fmt.Errorf("%w: collection %s", remote.ErrNotFound, collection)
		}
		return &remote.StatusError{Code: 400, Type: pgErr.Code, Message: pgErr.Message}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", remote.ErrUnavailable, err)
}
