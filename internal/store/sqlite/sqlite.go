package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mattn/go-sqlite3"

	"kwaribook/backend/internal/domain"
	"kwaribook/backend/internal/store"
)

// Store keeps each collection in its own table: the JSON body in doc plus
// the id, remote id and update time as columns. Declared indexes become
// json_extract expression indexes.
type Store struct {
	db     *sql.DB
	schema store.Schema
	now    func() time.Time
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens the database at path and upgrades it to the latest
// schema version. Write transactions take the database lock up front
// (BEGIN IMMEDIATE) and the pool holds a single connection, so writers are
// serialised.
func Open(path string, schema store.Schema, opts ...Option) (*Store, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, schema: schema, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Schema() store.Schema { return s.schema }

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate applies every version above PRAGMA user_version in order.
func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if current > len(s.schema.Versions) {
		return fmt.Errorf("%w: database is at version %d, newest known is %d", store.ErrSchema, current, len(s.schema.Versions))
	}
	for _, v := range s.schema.Versions[current:] {
		if err := s.applyVersion(v); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v.Number, err)
		}
	}
	return nil
}

func (s *Store) applyVersion(v store.Version) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, c := range v.CollectionNames() {
		table := quote(string(c))
		stmts := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				remote_id TEXT,
				updated_at TEXT NOT NULL,
				doc TEXT NOT NULL CHECK (json_valid(doc))
			)`, table),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(remote_id) WHERE remote_id IS NOT NULL`,
				quote(string(c)+"_remote_id"), table),
		}
		for _, field := range v.Collections[c] {
			stmts = append(stmts, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(%s)`,
				quote(string(c)+"_"+field), table, extract(field)))
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return err
			}
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v.Number)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}

// Version reports the schema version recorded in the database file.
func (s *Store) Version(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

func (s *Store) Update(ctx context.Context, collections []domain.Collection, fn func(store.Tx) error) error {
	for _, c := range collections {
		if !s.schema.Has(c) {
			return fmt.Errorf("%w: unknown collection %s", store.ErrOutOfScope, c)
		}
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &liteTx{ctx: ctx, tx: sqlTx, schema: s.schema, scope: collections, at: s.now()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()
	return fn(&liteTx{ctx: ctx, tx: sqlTx, schema: s.schema})
}

type liteTx struct {
	ctx    context.Context
	tx     *sql.Tx
	schema store.Schema
	scope  []domain.Collection
	at     time.Time
}

func (tx *liteTx) readable(c domain.Collection) error {
	if !tx.schema.Has(c) {
		return fmt.Errorf("%w: unknown collection %s", store.ErrNotFound, c)
	}
	return nil
}

func (tx *liteTx) writable(c domain.Collection) error {
	if !store.InScope(tx.scope, c) {
		return fmt.Errorf("%w: %s", store.ErrOutOfScope, c)
	}
	return nil
}

func (tx *liteTx) Insert(c domain.Collection, v any) (store.Document, error) {
	if err := tx.writable(c); err != nil {
		return store.Document{}, err
	}
	f, err := store.EncodeFields(v)
	if err != nil {
		return store.Document{}, err
	}
	res, err := tx.tx.ExecContext(tx.ctx,
		fmt.Sprintf(`INSERT INTO %s (remote_id, updated_at, doc) VALUES (?, ?, '{}')`, quote(string(c))),
		nullable(f.RemoteID()), formatTime(tx.at))
	if err != nil {
		return store.Document{}, mapError(c, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Document{}, err
	}
	return tx.write(c, id, f)
}

func (tx *liteTx) write(c domain.Collection, id int64, f store.Fields) (store.Document, error) {
	f.Stamp(id, tx.at)
	doc, err := f.Document(id, tx.at)
	if err != nil {
		return store.Document{}, err
	}
	_, err = tx.tx.ExecContext(tx.ctx,
		fmt.Sprintf(`UPDATE %s SET remote_id = ?, updated_at = ?, doc = ? WHERE id = ?`, quote(string(c))),
		nullable(doc.RemoteID), formatTime(doc.UpdatedAt), string(doc.Body), id)
	if err != nil {
		return store.Document{}, mapError(c, err)
	}
	return doc, nil
}

func (tx *liteTx) Get(c domain.Collection, id int64) (store.Document, error) {
	if err := tx.readable(c); err != nil {
		return store.Document{}, err
	}
	row := tx.tx.QueryRowContext(tx.ctx,
		fmt.Sprintf(`SELECT id, remote_id, updated_at, doc FROM %s WHERE id = ?`, quote(string(c))), id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, fmt.Errorf("%w: %s %d", store.ErrNotFound, c, id)
	}
	return doc, err
}

func (tx *liteTx) Put(c domain.Collection, id int64, v any) (store.Document, error) {
	if err := tx.writable(c); err != nil {
		return store.Document{}, err
	}
	if _, err := tx.Get(c, id); err != nil {
		return store.Document{}, err
	}
	f, err := store.EncodeFields(v)
	if err != nil {
		return store.Document{}, err
	}
	return tx.write(c, id, f)
}

func (tx *liteTx) Merge(c domain.Collection, id int64, fields map[string]any) (bool, error) {
	if err := tx.writable(c); err != nil {
		return false, err
	}
	current, err := tx.Get(c, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	f, err := current.Fields()
	if err != nil {
		return false, err
	}
	if err := f.Overlay(fields); err != nil {
		return false, err
	}
	if _, err := tx.write(c, id, f); err != nil {
		return false, err
	}
	return true, nil
}

func (tx *liteTx) Delete(c domain.Collection, id int64) (bool, error) {
	if err := tx.writable(c); err != nil {
		return false, err
	}
	res, err := tx.tx.ExecContext(tx.ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quote(string(c))), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (tx *liteTx) Find(c domain.Collection, q store.Query) ([]store.Document, error) {
	if err := tx.readable(c); err != nil {
		return nil, err
	}
	where, args, err := buildWhere(q)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `SELECT id, remote_id, updated_at, doc FROM %s%s ORDER BY `, quote(string(c)), where)
	dir := ""
	if q.Desc {
		dir = " DESC"
	}
	for _, field := range q.OrderBy {
		sb.WriteString(extract(field) + dir + ", ")
	}
	sb.WriteString("id" + dir)
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}

	rows, err := tx.tx.QueryContext(tx.ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", c, err)
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (tx *liteTx) Count(c domain.Collection, q store.Query) (int, error) {
	if err := tx.readable(c); err != nil {
		return 0, err
	}
	where, args, err := buildWhere(q)
	if err != nil {
		return 0, err
	}
	var n int
	err = tx.tx.QueryRowContext(tx.ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, quote(string(c)), where), args...).Scan(&n)
	return n, err
}

func (tx *liteTx) FindByRemoteID(c domain.Collection, remoteID string) (store.Document, error) {
	if err := tx.readable(c); err != nil {
		return store.Document{}, err
	}
	if remoteID == "" {
		return store.Document{}, store.ErrNotFound
	}
	row := tx.tx.QueryRowContext(tx.ctx,
		fmt.Sprintf(`SELECT id, remote_id, updated_at, doc FROM %s WHERE remote_id = ?`, quote(string(c))), remoteID)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, fmt.Errorf("%w: remote id %s", store.ErrNotFound, remoteID)
	}
	return doc, err
}

func buildWhere(q store.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if len(q.Conds) == 0 {
		return "", nil, nil
	}
	clauses := make([]string, 0, len(q.Conds))
	args := make([]any, 0, len(q.Conds))
	for _, cond := range q.Conds {
		if cond.Op == store.OpPrefix {
			prefix := cond.Value.(string)
			clauses = append(clauses, fmt.Sprintf("substr(%s, 1, ?) = ?", extract(cond.Field)))
			args = append(args, utf8.RuneCountInString(prefix), prefix)
			continue
		}
		clauses = append(clauses, fmt.Sprintf("%s %s ?", extract(cond.Field), cond.Op))
		args = append(args, cond.Value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (store.Document, error) {
	var (
		doc       store.Document
		remoteID  sql.NullString
		updatedAt string
		body      string
	)
	if err := row.Scan(&doc.ID, &remoteID, &updatedAt, &body); err != nil {
		return store.Document{}, err
	}
	at, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return store.Document{}, fmt.Errorf("parse updated_at of %d: %w", doc.ID, err)
	}
	doc.RemoteID = remoteID.String
	doc.UpdatedAt = at
	doc.Body = []byte(body)
	return doc, nil
}

func mapError(c domain.Collection, err error) error {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) && liteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s remote id already stored", store.ErrInvariantViolation, c)
	}
	return err
}

// Identifiers are validated by the schema before they get here.
func quote(ident string) string {
	return `"` + ident + `"`
}

func extract(field string) string {
	return fmt.Sprintf("json_extract(doc, '$.%s')", field)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
