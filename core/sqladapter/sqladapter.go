// Package sqladapter implements a store.Adapter backed by PostgreSQL,
// reusing the csql connection wrapper the way core/backend's collection
// tables do: one physical table for the row store, one additional table per
// registered view, dynamic SQL built with fmt.Sprintf over configuration-time
// identifiers and $N placeholders for request data. Filter keys, which come
// from the caller and name columns, are escaped with pq.QuoteIdentifier.
package sqladapter

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/relabs-tech/cloudkit/core/csql"
	"github.com/relabs-tech/cloudkit/core/logger"
	"github.com/relabs-tech/cloudkit/core/store"
)

const rowTable = "cloudkit_store"

// Adapter is a PostgreSQL-backed store.Adapter. One Adapter serves one
// schema; multiple Adapters may share the same *csql.DB against different
// schemas.
type Adapter struct {
	db       *csql.DB
	viewKeys map[string][]string
}

// New opens the row-store table in db's schema, creating it if necessary,
// and returns an Adapter ready to serve reads, writes and InitializeView.
func New(db *csql.DB) (*Adapter, error) {
	a := &Adapter{db: db, viewKeys: map[string][]string{}}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."%s"(
		id bigserial PRIMARY KEY,
		uri text NOT NULL UNIQUE,
		etag text NOT NULL,
		collection_reference text NOT NULL,
		resource_reference text NOT NULL,
		last_modified text NOT NULL,
		remote_user text NOT NULL DEFAULT '',
		content jsonb NOT NULL,
		deleted boolean NOT NULL DEFAULT false
	);
	CREATE INDEX IF NOT EXISTS %s_collection_idx ON %s."%s" (collection_reference, resource_reference, deleted);
	CREATE INDEX IF NOT EXISTS %s_resource_idx ON %s."%s" (resource_reference, deleted);`,
		db.Schema, rowTable,
		rowTable, db.Schema, rowTable,
		rowTable, db.Schema, rowTable,
	)
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("sqladapter: create row table: %w", err)
	}
	return a, nil
}

func viewTable(name string) string {
	return "cloudkit_view_" + name
}

// InitializeView creates the named view's table, one text column per key
// plus uri and collection_reference, if it does not already exist.
func (a *Adapter) InitializeView(ctx context.Context, name string, keys []string) error {
	a.viewKeys[name] = keys
	var cols strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&cols, `, "%s" text`, k)
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s."%s"(
		uri text PRIMARY KEY,
		collection_reference text NOT NULL%s
	);`, a.db.Schema, viewTable(name), cols.String())
	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("sqladapter: create view table %q: %w", name, err)
	}
	return nil
}

// Reset truncates the row-store table and every initialized view table.
func (a *Adapter) Reset(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE %s."%s"`, a.db.Schema, rowTable)); err != nil {
		return err
	}
	for name := range a.viewKeys {
		if _, err := a.db.ExecContext(ctx, fmt.Sprintf(`TRUNCATE %s."%s"`, a.db.Schema, viewTable(name))); err != nil {
			return err
		}
	}
	return nil
}

const rowColumns = "id, uri, etag, collection_reference, resource_reference, last_modified, remote_user, content, deleted"

func scanEntry(row interface{ Scan(...interface{}) error }) (store.Entry, error) {
	var e store.Entry
	var content []byte
	err := row.Scan(&e.ID, &e.URI, &e.ETag, &e.CollectionReference, &e.ResourceReference, &e.LastModified, &e.RemoteUser, &content, &e.Deleted)
	e.Content = string(content)
	return e, err
}

// filterClause builds "col1 = $N AND col2 = $N+1 ..." over filters, sorted
// by key for a deterministic query string, starting parameter numbering at
// startIdx.
func filterClause(filters map[string]string, startIdx int) (string, []interface{}) {
	if len(filters) == 0 {
		return "", nil
	}
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	args := make([]interface{}, 0, len(keys))
	for i, k := range keys {
		fmt.Fprintf(&b, ` AND %s = $%d`, pq.QuoteIdentifier(k), startIdx+i)
		args = append(args, filters[k])
	}
	return b.String(), args
}

// Resource fetches the current row at uri (uri == resource_reference).
func (a *Adapter) Resource(ctx context.Context, uri string, opts store.Options) (store.Entry, error) {
	clause, args := filterClause(opts.FilterSet(), 2)
	args = append([]interface{}{uri}, args...)
	query := fmt.Sprintf(`SELECT %s FROM %s."%s" WHERE uri = $1 AND uri = resource_reference%s`,
		rowColumns, a.db.Schema, rowTable, clause)
	row := a.db.QueryRowContext(ctx, query, args...)
	e, err := scanEntry(row)
	if err == csql.ErrNoRows {
		return store.Entry{}, store.ErrNotFound
	}
	return e, err
}

// ResourceVersion fetches the row whose uri is exactly uri.
func (a *Adapter) ResourceVersion(ctx context.Context, uri string, opts store.Options) (store.Entry, error) {
	clause, args := filterClause(opts.FilterSet(), 2)
	args = append([]interface{}{uri}, args...)
	query := fmt.Sprintf(`SELECT %s FROM %s."%s" WHERE uri = $1%s`, rowColumns, a.db.Schema, rowTable, clause)
	row := a.db.QueryRowContext(ctx, query, args...)
	e, err := scanEntry(row)
	if err == csql.ErrNoRows {
		return store.Entry{}, store.ErrNotFound
	}
	return e, err
}

func (a *Adapter) queryEntries(ctx context.Context, query string, args []interface{}) ([]store.Entry, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ResourceCollection lists the current, non-deleted rows of a collection.
func (a *Adapter) ResourceCollection(ctx context.Context, collectionURI string, opts store.Options) (store.ListResult, error) {
	clause, args := filterClause(opts.FilterSet(), 2)
	args = append([]interface{}{collectionURI}, args...)
	query := fmt.Sprintf(`SELECT %s FROM %s."%s" WHERE collection_reference = $1 AND deleted = false AND uri = resource_reference%s ORDER BY id DESC`,
		rowColumns, a.db.Schema, rowTable, clause)
	entries, err := a.queryEntries(ctx, query, args)
	if err != nil {
		return store.ListResult{}, err
	}
	return store.ListResult{Entries: entries, Total: len(entries)}, nil
}

// VersionCollection lists every non-deleted row belonging to resourceURI,
// newest first, or ErrNotFound if resourceURI never existed.
func (a *Adapter) VersionCollection(ctx context.Context, resourceURI string, opts store.Options) (store.ListResult, error) {
	var any bool
	err := a.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s."%s" WHERE resource_reference = $1)`, a.db.Schema, rowTable),
		resourceURI,
	).Scan(&any)
	if err != nil {
		return store.ListResult{}, err
	}
	if !any {
		return store.ListResult{}, store.ErrNotFound
	}

	clause, args := filterClause(opts.FilterSet(), 2)
	args = append([]interface{}{resourceURI}, args...)
	query := fmt.Sprintf(`SELECT %s FROM %s."%s" WHERE resource_reference = $1 AND deleted = false%s ORDER BY id DESC`,
		rowColumns, a.db.Schema, rowTable, clause)
	entries, err := a.queryEntries(ctx, query, args)
	if err != nil {
		return store.ListResult{}, err
	}
	return store.ListResult{Entries: entries, Total: len(entries)}, nil
}

// View looks up the named view's table, filtered by the extracted key
// columns in opts.Filters. Results are ordered by uri; the view table keeps
// no insertion order, so they are not newest-first.
func (a *Adapter) View(ctx context.Context, name string, opts store.Options) (store.ListResult, error) {
	clause, args := filterClause(opts.Filters, 1)
	query := fmt.Sprintf(`SELECT uri, collection_reference FROM %s."%s" WHERE true%s ORDER BY uri`,
		a.db.Schema, viewTable(name), clause)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return store.ListResult{}, err
	}
	defer rows.Close()
	var entries []store.Entry
	for rows.Next() {
		var e store.Entry
		if err := rows.Scan(&e.URI, &e.CollectionReference); err != nil {
			return store.ListResult{}, err
		}
		entries = append(entries, e)
	}
	return store.ListResult{Entries: entries, Total: len(entries)}, rows.Err()
}

// tx is the store.Tx implementation bound to one *sql.Tx.
type tx struct {
	a     *Adapter
	sqltx *sql.Tx
}

func (t *tx) InsertEntry(ctx context.Context, e store.Entry) error {
	query := fmt.Sprintf(`INSERT INTO %s."%s" (uri, etag, collection_reference, resource_reference, last_modified, remote_user, content, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)`, t.a.db.Schema, rowTable)
	_, err := t.sqltx.ExecContext(ctx, query, e.URI, e.ETag, e.CollectionReference, e.ResourceReference, e.LastModified, e.RemoteUser, e.Content, e.Deleted)
	if isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (t *tx) RewriteURI(ctx context.Context, oldURI, newURI string) error {
	query := fmt.Sprintf(`UPDATE %s."%s" SET uri = $1 WHERE uri = $2`, t.a.db.Schema, rowTable)
	res, err := t.sqltx.ExecContext(ctx, query, newURI, oldURI)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) UpsertView(ctx context.Context, view, uri, collectionReference string, keys map[string]string) error {
	if _, err := t.sqltx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s."%s" WHERE uri = $1`, t.a.db.Schema, viewTable(view)), uri); err != nil {
		return err
	}
	cols := []string{"uri", "collection_reference"}
	args := []interface{}{uri, collectionReference}
	for _, k := range t.a.viewKeys[view] {
		cols = append(cols, `"`+k+`"`)
		args = append(args, keys[k])
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`INSERT INTO %s."%s" (%s) VALUES (%s)`,
		t.a.db.Schema, viewTable(view), strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := t.sqltx.ExecContext(ctx, query, args...)
	return err
}

func (t *tx) DeleteView(ctx context.Context, view, uri string) error {
	_, err := t.sqltx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s."%s" WHERE uri = $1`, t.a.db.Schema, viewTable(view)), uri)
	return err
}

// Transaction runs fn inside a single database/sql transaction. A unique-uri
// violation on InsertEntry (or on commit, for drivers that defer constraint
// checks) is translated to store.ErrConflict; any other error rolls the
// transaction back unchanged.
func (a *Adapter) Transaction(ctx context.Context, fn func(store.Tx) error) error {
	sqltx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &tx{a: a, sqltx: sqltx}
	if err := fn(t); err != nil {
		if rbErr := sqltx.Rollback(); rbErr != nil {
			logger.FromContext(ctx).WithError(rbErr).Errorln("sqladapter: rollback failed")
		}
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	if err := sqltx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
