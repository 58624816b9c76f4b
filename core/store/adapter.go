package store

import "context"

// Options carries the recognized request-scoped parameters for an Adapter
// call: the typed, known keys (remote_user, limit, offset, json, etag) plus
// an auxiliary equality-filter map for everything else (view keys, and any
// caller-supplied column filter). Per §9's design note, filter keys are the
// caller's responsibility to keep narrow; Adapter implementations should
// validate Filters against a whitelist of real columns before building SQL.
type Options struct {
	RemoteUser    string
	HasRemoteUser bool

	HasLimit bool
	Limit    int
	Offset   int

	HasJSON bool
	JSON    string

	HasETag bool
	ETag    string

	// Filters holds every other option key verbatim, applied by the Adapter
	// as equality filters against matching row or view columns.
	Filters map[string]string
}

// FilterSet returns the set of equality constraints a read call should
// apply: RemoteUser (if set) plus Filters. Adapters use this to build their
// WHERE clauses.
func (o Options) FilterSet() map[string]string {
	out := make(map[string]string, len(o.Filters)+1)
	for k, v := range o.Filters {
		out[k] = v
	}
	if o.HasRemoteUser {
		out["remote_user"] = o.RemoteUser
	}
	return out
}

// ListResult is the result of a paginated collection or view read: the full
// set of entries matching the query (already filtered, not yet sliced to
// offset/limit) together with the pre-slice total count.
type ListResult struct {
	Entries []Entry
	Total   int
}

// Tx is the transactional handle over the row store and view tables, passed
// to the function given to Adapter.Transaction. Every method must be atomic
// with its siblings: either the whole sequence of calls commits, or none of
// its effects are observable.
type Tx interface {
	// InsertEntry appends a new row.
	InsertEntry(ctx context.Context, e Entry) error
	// RewriteURI changes an existing row's URI in place (used to relocate
	// the prior current row to its historical-version URI on update/delete).
	RewriteURI(ctx context.Context, oldURI, newURI string) error
	// UpsertView deletes any existing row for uri in the named view's table
	// and inserts a fresh one with the given extracted key/value pairs.
	UpsertView(ctx context.Context, view, uri, collectionReference string, keys map[string]string) error
	// DeleteView removes uri's row, if any, from the named view's table.
	DeleteView(ctx context.Context, view, uri string) error
}

// Adapter is the narrow, pluggable storage contract the Store Engine drives.
// Read methods operate outside any transaction and may observe either a
// pre-write or post-write snapshot, but never a state the write-side
// transaction could not itself have produced. Apart from InitializeView
// creating empty view storage, Reset and Transaction are the only ways an
// Adapter's state changes.
type Adapter interface {
	// ResourceCollection lists current (non-deleted, resource_reference ==
	// collectionURI/<uuid>... i.e. every logical resource) rows of the
	// collection at collectionURI, newest first, honoring opts.Filters. The
	// result is not sliced: opts.Offset and opts.Limit are applied by the
	// Store.
	ResourceCollection(ctx context.Context, collectionURI string, opts Options) (ListResult, error)
	// VersionCollection lists every non-deleted row (current and historical)
	// whose ResourceReference equals resourceURI, newest first. Returns
	// ErrNotFound if no row at all has that ResourceReference.
	VersionCollection(ctx context.Context, resourceURI string, opts Options) (ListResult, error)
	// Resource fetches the current row at uri (uri == ResourceReference).
	// Returns ErrNotFound if no such row exists.
	Resource(ctx context.Context, uri string, opts Options) (Entry, error)
	// ResourceVersion fetches the single row whose URI is exactly uri.
	// Returns ErrNotFound if no such row exists.
	ResourceVersion(ctx context.Context, uri string, opts Options) (Entry, error)
	// View looks up the named view's table, filtered by opts.Filters, and
	// returns matching URIs along with the pre-slice total. The order is
	// adapter-specific: memadapter returns the most recently mapped first,
	// sqladapter orders by uri.
	View(ctx context.Context, name string, opts Options) (ListResult, error)

	// InitializeView creates the named view's table (uri, collection_reference,
	// one column per key) if it does not already exist. Called once per view
	// at Store construction time.
	InitializeView(ctx context.Context, name string, keys []string) error

	// Reset truncates the row store and every view table.
	Reset(ctx context.Context) error

	// Transaction executes fn atomically: every InsertEntry/RewriteURI/
	// UpsertView/DeleteView call fn makes through the given Tx either all
	// commit together or none do. If fn returns an error, or the adapter
	// cannot commit (e.g. a concurrent writer won a unique-URI race), the
	// whole transaction rolls back and Transaction returns a non-nil error;
	// a unique-URI race specifically should be reported as ErrConflict.
	Transaction(ctx context.Context, fn func(tx Tx) error) error
}
