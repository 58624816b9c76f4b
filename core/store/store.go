// Package store implements the versioned, URI-addressed JSON document store:
// URI classification, optimistic-concurrency resource/version lifecycles,
// and the optional view (secondary-index) coupling, driven against a
// pluggable Adapter.
package store

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/cloudkit/core/logger"
)

// Notifier receives one call per committed mutation, after the write
// transaction has already committed. A nil Notifier is a valid, silent
// no-op; see core/notify for a Kafka-backed implementation.
type Notifier interface {
	Notify(ctx context.Context, resource, operation, uri string, payload []byte)
}

// Validator validates a JSON document string against a named schema. It is
// satisfied by *core/schema.Validator without that package needing to be
// imported here.
type Validator interface {
	HasSchema(schemaID string) bool
	ValidateString(jsonStr, schemaID string) error
}

// Builder collects the dependencies New needs to build a Store.
type Builder struct {
	// Config is mandatory: the registered collections and views.
	Config Config
	// Adapter is mandatory: the pluggable storage backend.
	Adapter Adapter
	// Notifier, if set, is invoked after every committed mutation.
	Notifier Notifier
	// Validator, if set, enables per-collection schema validation for
	// collections that name a SchemaID.
	Validator Validator
}

// Store is the Store Engine: it classifies URIs, enforces ETag
// preconditions, produces versions, and drives views, on top of an Adapter.
// A Store holds no per-request mutable state; it is safe for concurrent use.
type Store struct {
	adapter            Adapter
	collections        map[string]bool
	views              map[string]bool
	collectionNames    []string
	vm                 *viewManager
	schemaByCollection map[string]string
	validator          Validator
	notifier           Notifier
}

// New builds a Store from b. It validates the configuration and initializes
// each view's storage via b.Adapter.InitializeView. It panics if Adapter is
// missing or if Config fails validation, mirroring the teacher's fail-fast
// posture for configuration errors raised during setup rather than during
// request handling.
func New(ctx context.Context, b Builder) (*Store, error) {
	if b.Adapter == nil {
		panic("store: Adapter is required")
	}
	if err := b.Config.validate(); err != nil {
		panic(fmt.Sprintf("store: invalid configuration: %v", err))
	}

	collections := map[string]bool{}
	var names []string
	schemaByCollection := map[string]string{}
	for _, c := range b.Config.Collections {
		collections[c.Name] = true
		names = append(names, c.Name)
		if c.SchemaID != "" {
			schemaByCollection[c.Name] = c.SchemaID
		}
	}
	views := map[string]bool{}
	for _, v := range b.Config.Views {
		views[v.Name] = true
	}

	s := &Store{
		adapter:            b.Adapter,
		collections:        collections,
		views:              views,
		collectionNames:    names,
		vm:                 newViewManager(b.Config.Views),
		schemaByCollection: schemaByCollection,
		validator:          b.Validator,
		notifier:           b.Notifier,
	}

	rlog := logger.FromContext(ctx)
	for _, v := range b.Config.Views {
		rlog.Debugln("store: initialize view", v.Name, "observing", v.Observes)
		if err := b.Adapter.InitializeView(ctx, v.Name, v.Keys); err != nil {
			return nil, fmt.Errorf("store: initialize view %q: %w", v.Name, err)
		}
	}
	return s, nil
}

// Version returns the store's wire-protocol version. It is always 1.
func (s *Store) Version() int {
	return 1
}

// ListCollections returns the configured collection names in registration
// order (without the leading "/"), the same set enumerated by the meta
// endpoint.
func (s *Store) ListCollections() []string {
	out := make([]string, len(s.collectionNames))
	copy(out, s.collectionNames)
	return out
}

// Reset truncates the row store and every view table.
func (s *Store) Reset(ctx context.Context) error {
	return s.adapter.Reset(ctx)
}

// Options returns 200 with an Allow header listing the methods permitted for
// uri's URI kind.
func (s *Store) Options(uri string) Response {
	k := s.classify(uri)
	return NewResponse(http.StatusOK).WithHeader("Allow", allowHeader(k))
}

func (s *Store) classify(uri string) Kind {
	return Classify(uri, s.collections, s.views)
}

// isKnownEntityType reports whether uri's leading segment names a
// registered collection, a registered view, or the meta endpoint.
func (s *Store) isKnownEntityType(uri string) bool {
	seg := segments(uri)
	if len(seg) == 0 {
		return false
	}
	first := seg[0]
	return first == metaURI || s.collections[first] || s.views[first]
}

// Get dispatches a read by URI kind.
func (s *Store) Get(ctx context.Context, uri string, opts Options) Response {
	if !s.isKnownEntityType(uri) {
		return errorResponse(http.StatusBadRequest, "invalid entity type")
	}
	k := s.classify(uri)
	switch k {
	case KindMeta:
		return s.getMeta()
	case KindResource, KindResourceVersion:
		return s.getSingle(ctx, uri, k, opts)
	case KindResourceCollection:
		return s.getCollection(ctx, CollectionURIFragment(uri), opts, false)
	case KindResolvedResourceCollection:
		return s.getCollection(ctx, CollectionURIFragment(uri), opts, true)
	case KindVersionCollection:
		return s.getVersionCollection(ctx, CurrentResourceURI(uri), opts, false)
	case KindResolvedVersionCollection:
		return s.getVersionCollection(ctx, CurrentResourceURI(uri), opts, true)
	case KindView:
		return s.getView(ctx, uri, opts)
	default:
		return errorResponse(http.StatusNotFound, "not found")
	}
}

// Head answers a HEAD request: for single resources/versions it fetches
// only the metadata columns; for everything else it delegates to Get and
// projects the result to a headers-only Response.
func (s *Store) Head(ctx context.Context, uri string, opts Options) Response {
	if !s.isKnownEntityType(uri) {
		return errorResponse(http.StatusBadRequest, "invalid entity type").Head()
	}
	k := s.classify(uri)
	switch k {
	case KindResource, KindResourceVersion:
		e, err := s.fetchSingle(ctx, uri, k, opts)
		switch {
		case IsNotFound(err):
			return errorResponse(http.StatusNotFound, "no such resource").Head()
		case err != nil:
			return errorResponse(http.StatusInternalServerError, "internal error").Head()
		case e.Deleted:
			return s.tombstoneResponse(ctx, e).Head()
		default:
			return NewResponse(http.StatusOK).WithETag(e.ETag).WithLastModified(e.LastModified).Head()
		}
	default:
		return s.Get(ctx, uri, opts).Head()
	}
}

func (s *Store) fetchSingle(ctx context.Context, uri string, k Kind, opts Options) (Entry, error) {
	if k == KindResource {
		return s.adapter.Resource(ctx, uri, opts)
	}
	return s.adapter.ResourceVersion(ctx, uri, opts)
}

func (s *Store) getSingle(ctx context.Context, uri string, k Kind, opts Options) Response {
	e, err := s.fetchSingle(ctx, uri, k, opts)
	switch {
	case IsNotFound(err):
		return errorResponse(http.StatusNotFound, "no such resource")
	case err != nil:
		return errorResponse(http.StatusInternalServerError, "internal error")
	case e.Deleted:
		return s.tombstoneResponse(ctx, e)
	}
	r := NewResponse(http.StatusOK).WithETag(e.ETag).WithLastModified(e.LastModified)
	r = r.WithHeader("Content-Type", "application/json; charset=utf-8")
	r.Content = e.Content
	return r
}

// tombstoneResponse builds the 410 Gone response for a tombstoned resource:
// a JSON pointer to the latest surviving historical version, per §4.4.
func (s *Store) tombstoneResponse(ctx context.Context, tombstone Entry) Response {
	lr, err := s.adapter.VersionCollection(ctx, tombstone.ResourceReference, Options{})
	if err != nil && !IsNotFound(err) {
		return errorResponse(http.StatusInternalServerError, "internal error")
	}
	body := map[string]interface{}{}
	r := NewResponse(http.StatusGone)
	if len(lr.Entries) > 0 {
		latest := lr.Entries[0]
		body["uri"] = latest.URI
		body["etag"] = latest.ETag
		body["last_modified"] = latest.LastModified
		r = r.WithETag(latest.ETag).WithLastModified(latest.LastModified)
	}
	data, _ := json.Marshal(body)
	r = r.WithHeader("Content-Type", "application/json; charset=utf-8")
	r.Content = string(data)
	return r
}

func (s *Store) getCollection(ctx context.Context, collectionURI string, opts Options, resolved bool) Response {
	lr, err := s.adapter.ResourceCollection(ctx, collectionURI, opts)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "internal error")
	}
	return bundle(lr, opts, resolved)
}

func (s *Store) getVersionCollection(ctx context.Context, resourceURI string, opts Options, resolved bool) Response {
	lr, err := s.adapter.VersionCollection(ctx, resourceURI, opts)
	switch {
	case IsNotFound(err):
		return errorResponse(http.StatusNotFound, "no such resource")
	case err != nil:
		return errorResponse(http.StatusInternalServerError, "internal error")
	}
	return bundle(lr, opts, resolved)
}

func (s *Store) getView(ctx context.Context, uri string, opts Options) Response {
	name := segments(uri)[0]
	lr, err := s.adapter.View(ctx, name, opts)
	if err != nil {
		return errorResponse(http.StatusInternalServerError, "internal error")
	}
	return bundle(lr, opts, false)
}

func (s *Store) getMeta() Response {
	uris := make([]string, 0, len(s.collectionNames))
	for _, n := range s.collectionNames {
		uris = append(uris, "/"+n)
	}
	body, _ := json.Marshal(map[string]interface{}{"uris": uris})
	r := NewResponse(http.StatusOK).WithHeader("Content-Type", "application/json; charset=utf-8")
	r.Content = string(body)
	return r
}

// bundle implements §4.7: compute total, slice by offset/limit, and emit
// either a URI list or a resolved document list.
func bundle(lr ListResult, opts Options, resolved bool) Response {
	entries := lr.Entries
	total := lr.Total

	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > len(entries) {
		offset = len(entries)
	}
	end := len(entries)
	if opts.HasLimit {
		if offset+opts.Limit < end {
			end = offset + opts.Limit
		}
	}
	if end < offset {
		end = offset
	}
	sliced := entries[offset:end]

	var body map[string]interface{}
	if resolved {
		docs := make([]map[string]interface{}, 0, len(sliced))
		for _, e := range sliced {
			var doc interface{}
			_ = json.Unmarshal([]byte(e.Content), &doc)
			docs = append(docs, map[string]interface{}{
				"uri": e.URI, "etag": e.ETag, "last_modified": e.LastModified, "document": doc,
			})
		}
		body = map[string]interface{}{"total": total, "offset": offset, "documents": docs}
	} else {
		uris := make([]string, 0, len(sliced))
		for _, e := range sliced {
			uris = append(uris, e.URI)
		}
		body = map[string]interface{}{"total": total, "offset": offset, "uris": uris}
	}

	data, _ := json.Marshal(body)
	r := NewResponse(http.StatusOK).WithHeader("Content-Type", "application/json; charset=utf-8")
	r = r.WithETag(etagFromBytes(data))
	if len(sliced) > 0 {
		r = r.WithLastModified(sliced[0].LastModified)
	}
	r.Content = string(data)
	return r
}

// Put handles resource creation (if absent) or update (if live), and
// reports 410 if the resource is tombstoned.
func (s *Store) Put(ctx context.Context, uri string, opts Options) Response {
	if resp, ok := s.checkWriteShape(uri, http.MethodPut); !ok {
		return resp
	}
	if !opts.HasJSON {
		return errorResponse(http.StatusBadRequest, "data required")
	}

	cur, err := s.adapter.Resource(ctx, uri, Options{})
	switch {
	case IsNotFound(err):
		return s.createResource(ctx, uri, opts)
	case err != nil:
		return errorResponse(http.StatusInternalServerError, "internal error")
	}
	if opts.HasRemoteUser && cur.RemoteUser != opts.RemoteUser {
		return errorResponse(http.StatusNotFound, "no such resource")
	}
	if cur.Deleted {
		return errorResponse(http.StatusGone, "gone")
	}
	return s.updateResource(ctx, uri, opts, cur)
}

// Post creates a new resource under collection uri with a fresh UUID.
func (s *Store) Post(ctx context.Context, uri string, opts Options) Response {
	k := s.classify(uri)
	if k == KindResourceCollection {
		// proceed
	} else if !s.isKnownEntityType(uri) {
		return errorResponse(http.StatusBadRequest, "invalid entity type")
	} else {
		return errorResponse(http.StatusMethodNotAllowed, "method not allowed").WithHeader("Allow", allowHeader(k))
	}
	if !opts.HasJSON {
		return errorResponse(http.StatusBadRequest, "data required")
	}
	newURI := uri + "/" + uuid.New().String()
	return s.createResource(ctx, newURI, opts)
}

// Delete transitions a live resource to a tombstone.
func (s *Store) Delete(ctx context.Context, uri string, opts Options) Response {
	if resp, ok := s.checkWriteShape(uri, http.MethodDelete); !ok {
		return resp
	}
	if !opts.HasETag {
		return errorResponse(http.StatusBadRequest, "etag required")
	}

	cur, err := s.adapter.Resource(ctx, uri, Options{})
	switch {
	case IsNotFound(err):
		return errorResponse(http.StatusNotFound, "no such resource")
	case err != nil:
		return errorResponse(http.StatusInternalServerError, "internal error")
	}
	if opts.HasRemoteUser && cur.RemoteUser != opts.RemoteUser {
		return errorResponse(http.StatusNotFound, "no such resource")
	}
	if cur.Deleted {
		return errorResponse(http.StatusGone, "gone")
	}
	if cur.ETag != opts.ETag {
		return errorResponse(http.StatusPreconditionFailed, "precondition failed")
	}

	collection := segments(uri)[0]
	versionURI := uri + "/" + versionsSegment + "/" + cur.ETag
	tombstone := Entry{
		URI:                  uri,
		ETag:                 newETag(),
		CollectionReference:  cur.CollectionReference,
		ResourceReference:    uri,
		LastModified:         httpDate(time.Now()),
		RemoteUser:           cur.RemoteUser,
		Content:              cur.Content,
		Deleted:              true,
	}
	txErr := s.adapter.Transaction(ctx, func(tx Tx) error {
		if err := tx.RewriteURI(ctx, uri, versionURI); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, tombstone); err != nil {
			return err
		}
		return s.vm.unmapAll(ctx, tx, collection, uri)
	})
	switch {
	case IsConflict(txErr):
		return errorResponse(http.StatusPreconditionFailed, "precondition failed")
	case txErr != nil:
		logger.FromContext(ctx).WithError(txErr).Errorln("store: delete transaction failed for", uri)
		return errorResponse(http.StatusInternalServerError, "internal error")
	}

	s.notify(ctx, collection, "delete", uri, []byte(cur.Content))

	body, _ := json.Marshal(map[string]string{"uri": versionURI, "etag": cur.ETag, "last_modified": cur.LastModified})
	r := NewResponse(http.StatusOK).WithETag(cur.ETag).WithLastModified(cur.LastModified)
	r = r.WithHeader("Content-Type", "application/json; charset=utf-8")
	r.Content = string(body)
	return r
}

// checkWriteShape reports whether uri classifies to the shape the given
// write method targets (KindResource for PUT/DELETE). It returns the
// Response to send and false when the caller should stop.
func (s *Store) checkWriteShape(uri, method string) (Response, bool) {
	k := s.classify(uri)
	if k == KindResource {
		return Response{}, true
	}
	if !s.isKnownEntityType(uri) {
		return errorResponse(http.StatusBadRequest, "invalid entity type"), false
	}
	return errorResponse(http.StatusMethodNotAllowed, "method not allowed").WithHeader("Allow", allowHeader(k)), false
}

// createResource validates and inserts a brand-new current row at uri.
func (s *Store) createResource(ctx context.Context, uri string, opts Options) Response {
	if err := validateJSONSyntax(opts.JSON); err != nil {
		return errorResponse(http.StatusUnprocessableEntity, "malformed json: "+err.Error())
	}
	collection := segments(uri)[0]
	if resp, ok := s.validateAgainstSchema(collection, opts.JSON); !ok {
		return resp
	}

	etag := newETag()
	lastModified := httpDate(time.Now())
	entry := Entry{
		URI:                  uri,
		ETag:                 etag,
		CollectionReference:  CollectionURIFragment(uri),
		ResourceReference:    uri,
		LastModified:         lastModified,
		RemoteUser:           opts.RemoteUser,
		Content:              opts.JSON,
		Deleted:              false,
	}

	txErr := s.adapter.Transaction(ctx, func(tx Tx) error {
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return s.vm.mapAll(ctx, tx, collection, entry.CollectionReference, uri, opts.JSON)
	})
	switch {
	case IsConflict(txErr):
		return errorResponse(http.StatusPreconditionFailed, "precondition failed")
	case txErr != nil:
		logger.FromContext(ctx).WithError(txErr).Errorln("store: create transaction failed for", uri)
		return errorResponse(http.StatusInternalServerError, "internal error")
	}

	s.notify(ctx, collection, "create", uri, []byte(entry.Content))

	body, _ := json.Marshal(map[string]string{"uri": uri, "etag": etag, "last_modified": lastModified})
	r := NewResponse(http.StatusCreated).WithETag(etag).WithLastModified(lastModified)
	r = r.WithHeader("Content-Type", "application/json; charset=utf-8")
	r.Content = string(body)
	return r
}

// updateResource validates and atomically supersedes cur with a fresh
// current row, preserving cur as a historical version.
func (s *Store) updateResource(ctx context.Context, uri string, opts Options, cur Entry) Response {
	if err := validateJSONSyntax(opts.JSON); err != nil {
		return errorResponse(http.StatusUnprocessableEntity, "malformed json: "+err.Error())
	}
	collection := segments(uri)[0]
	if resp, ok := s.validateAgainstSchema(collection, opts.JSON); !ok {
		return resp
	}
	if !opts.HasETag {
		return errorResponse(http.StatusBadRequest, "etag required")
	}
	if opts.ETag != cur.ETag {
		return errorResponse(http.StatusPreconditionFailed, "precondition failed")
	}

	versionURI := uri + "/" + versionsSegment + "/" + cur.ETag
	newETagVal := newETag()
	lastModified := httpDate(time.Now())
	newEntry := Entry{
		URI:                  uri,
		ETag:                 newETagVal,
		CollectionReference:  cur.CollectionReference,
		ResourceReference:    uri,
		LastModified:         lastModified,
		RemoteUser:           cur.RemoteUser,
		Content:              opts.JSON,
		Deleted:              false,
	}

	txErr := s.adapter.Transaction(ctx, func(tx Tx) error {
		if err := tx.RewriteURI(ctx, uri, versionURI); err != nil {
			return err
		}
		if err := tx.InsertEntry(ctx, newEntry); err != nil {
			return err
		}
		return s.vm.mapAll(ctx, tx, collection, newEntry.CollectionReference, uri, opts.JSON)
	})
	switch {
	case IsConflict(txErr):
		return errorResponse(http.StatusPreconditionFailed, "precondition failed")
	case txErr != nil:
		logger.FromContext(ctx).WithError(txErr).Errorln("store: update transaction failed for", uri)
		return errorResponse(http.StatusInternalServerError, "internal error")
	}

	s.notify(ctx, collection, "update", uri, []byte(newEntry.Content))

	body, _ := json.Marshal(map[string]string{"uri": uri, "etag": newETagVal, "last_modified": lastModified})
	r := NewResponse(http.StatusOK).WithETag(newETagVal).WithLastModified(lastModified)
	r = r.WithHeader("Content-Type", "application/json; charset=utf-8")
	r.Content = string(body)
	return r
}

func (s *Store) validateAgainstSchema(collection, rawJSON string) (Response, bool) {
	schemaID, ok := s.schemaByCollection[collection]
	if !ok || s.validator == nil {
		return Response{}, true
	}
	if !s.validator.HasSchema(schemaID) {
		return Response{}, true
	}
	if err := s.validator.ValidateString(rawJSON, schemaID); err != nil {
		return errorResponse(http.StatusUnprocessableEntity, fmt.Sprintf("document does not match schema %s: %v", schemaID, err)), false
	}
	return Response{}, true
}

func (s *Store) notify(ctx context.Context, resource, operation, uri string, payload []byte) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, resource, operation, uri, payload)
}

// ResolveURIs maps each of uris through Get and collects the responses, in
// order.
func (s *Store) ResolveURIs(ctx context.Context, uris []string, opts Options) []Response {
	out := make([]Response, len(uris))
	for i, u := range uris {
		out[i] = s.Get(ctx, u, opts)
	}
	return out
}

func validateJSONSyntax(raw string) error {
	var v interface{}
	return json.Unmarshal([]byte(raw), &v)
}

func newETag() string {
	return uuid.New().String()
}

func httpDate(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

func etagFromBytes(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}
