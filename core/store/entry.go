package store

// Entry is one row of the single logical CLOUDKIT_STORE table: a current
// resource, a historical version, or a tombstone. The field comments below
// and IsCurrent describe how Entry.URI, Entry.ResourceReference and
// Entry.Deleted relate across a resource's lifetime.
type Entry struct {
	// ID is a monotonic integer assigned by the store; ties "most recent
	// first" ordering to insertion order.
	ID int64
	// URI is globally unique. For the current version of a resource it is
	// "/{collection}/{uuid}"; for a historical version it is
	// "/{collection}/{uuid}/versions/{etag}".
	URI string
	// ETag is a fresh opaque value assigned on every mutation.
	ETag string
	// CollectionReference is "/{collection}"; immutable after insertion.
	CollectionReference string
	// ResourceReference is the URI of the logical (current-version)
	// resource this row belongs to; immutable after insertion.
	ResourceReference string
	// LastModified is an HTTP-date string set at write time.
	LastModified string
	// RemoteUser is the owning principal, or "" if unscoped.
	RemoteUser string
	// Content is the client-provided JSON document, opaque to the store
	// except where a View extracts fields from it.
	Content string
	// Deleted is true only for the terminal tombstone row of a resource.
	Deleted bool
}

// IsCurrent reports whether e is the current row of its logical resource
// (which, per the lifecycle rules, is true for both live resources and
// tombstones, and false for historical version rows).
func (e Entry) IsCurrent() bool {
	return e.URI == e.ResourceReference
}
