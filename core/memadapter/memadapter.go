// Package memadapter implements an in-memory store.Adapter, for unit tests
// that exercise the Store Engine without a database.
package memadapter

import (
	"context"
	"sort"
	"sync"

	"github.com/relabs-tech/cloudkit/core/store"
)

type viewRow struct {
	uri                 string
	collectionReference string
	keys                map[string]string
}

// Adapter is a sync.RWMutex-guarded, append-only slice of store.Entry plus
// one slice of viewRow per registered view. It is meant for tests: it keeps
// every historical version in memory forever and never reclaims the
// monotonic id sequence, which is fine for a short-lived test process but
// not for a long-running one.
type Adapter struct {
	mu       sync.RWMutex
	rows     []store.Entry
	nextID   int64
	viewKeys map[string][]string
	views    map[string][]viewRow
}

// New returns an empty Adapter.
func New() *Adapter {
	return &Adapter{
		viewKeys: map[string][]string{},
		views:    map[string][]viewRow{},
	}
}

// InitializeView registers name's key list. Safe to call more than once.
func (a *Adapter) InitializeView(ctx context.Context, name string, keys []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.viewKeys[name] = keys
	if a.views[name] == nil {
		a.views[name] = []viewRow{}
	}
	return nil
}

// Reset truncates every row and view.
func (a *Adapter) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = nil
	a.nextID = 0
	for name := range a.views {
		a.views[name] = nil
	}
	return nil
}

func matches(e store.Entry, filters map[string]string) bool {
	for k, v := range filters {
		if k == "remote_user" {
			if e.RemoteUser != v {
				return false
			}
			continue
		}
		// Unrecognized filter keys never match a plain row: only views carry
		// arbitrary extracted columns.
		return false
	}
	return true
}

func newestFirst(rows []store.Entry) {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
}

func (a *Adapter) slice(pred func(store.Entry) bool, filters map[string]string) []store.Entry {
	out := []store.Entry{}
	for _, e := range a.rows {
		if !pred(e) {
			continue
		}
		if !matches(e, filters) {
			continue
		}
		out = append(out, e)
	}
	newestFirst(out)
	return out
}

// ResourceCollection implements store.Adapter.
func (a *Adapter) ResourceCollection(ctx context.Context, collectionURI string, opts store.Options) (store.ListResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	entries := a.slice(func(e store.Entry) bool {
		return e.CollectionReference == collectionURI && !e.Deleted && e.IsCurrent()
	}, filtersFor(opts))
	return store.ListResult{Entries: entries, Total: len(entries)}, nil
}

// VersionCollection implements store.Adapter.
func (a *Adapter) VersionCollection(ctx context.Context, resourceURI string, opts store.Options) (store.ListResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	any := false
	for _, e := range a.rows {
		if e.ResourceReference == resourceURI {
			any = true
			break
		}
	}
	if !any {
		return store.ListResult{}, store.ErrNotFound
	}
	entries := a.slice(func(e store.Entry) bool {
		return e.ResourceReference == resourceURI && !e.Deleted
	}, filtersFor(opts))
	return store.ListResult{Entries: entries, Total: len(entries)}, nil
}

// Resource implements store.Adapter.
func (a *Adapter) Resource(ctx context.Context, uri string, opts store.Options) (store.Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	filters := filtersFor(opts)
	for _, e := range a.rows {
		if e.URI == uri && e.IsCurrent() && matches(e, filters) {
			return e, nil
		}
	}
	return store.Entry{}, store.ErrNotFound
}

// ResourceVersion implements store.Adapter.
func (a *Adapter) ResourceVersion(ctx context.Context, uri string, opts store.Options) (store.Entry, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	filters := filtersFor(opts)
	for _, e := range a.rows {
		if e.URI == uri && matches(e, filters) {
			return e, nil
		}
	}
	return store.Entry{}, store.ErrNotFound
}

// View implements store.Adapter.
func (a *Adapter) View(ctx context.Context, name string, opts store.Options) (store.ListResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	filters := opts.Filters
	rows := a.views[name]
	out := []store.Entry{}
	for i := len(rows) - 1; i >= 0; i-- {
		vr := rows[i]
		if !viewMatches(vr, filters) {
			continue
		}
		out = append(out, store.Entry{URI: vr.uri, CollectionReference: vr.collectionReference})
	}
	return store.ListResult{Entries: out, Total: len(out)}, nil
}

func viewMatches(vr viewRow, filters map[string]string) bool {
	for k, v := range filters {
		if vr.keys[k] != v {
			return false
		}
	}
	return true
}

func filtersFor(opts store.Options) map[string]string {
	out := map[string]string{}
	if opts.HasRemoteUser {
		out["remote_user"] = opts.RemoteUser
	}
	for k, v := range opts.Filters {
		out[k] = v
	}
	return out
}

// tx is the store.Tx handed to the function given to Transaction; it mutates
// a's rows/views directly since Transaction already holds a.mu for writing.
type tx struct {
	a *Adapter
}

func (t *tx) InsertEntry(ctx context.Context, e store.Entry) error {
	for _, existing := range t.a.rows {
		if existing.URI == e.URI {
			return store.ErrConflict
		}
	}
	t.a.nextID++
	e.ID = t.a.nextID
	t.a.rows = append(t.a.rows, e)
	return nil
}

func (t *tx) RewriteURI(ctx context.Context, oldURI, newURI string) error {
	for i := range t.a.rows {
		if t.a.rows[i].URI == oldURI {
			t.a.rows[i].URI = newURI
			return nil
		}
	}
	return store.ErrNotFound
}

func (t *tx) UpsertView(ctx context.Context, view, uri, collectionReference string, keys map[string]string) error {
	rows := t.a.views[view]
	for i, vr := range rows {
		if vr.uri == uri {
			rows = append(rows[:i], rows[i+1:]...)
			break
		}
	}
	rows = append(rows, viewRow{uri: uri, collectionReference: collectionReference, keys: keys})
	t.a.views[view] = rows
	return nil
}

func (t *tx) DeleteView(ctx context.Context, view, uri string) error {
	rows := t.a.views[view]
	for i, vr := range rows {
		if vr.uri == uri {
			t.a.views[view] = append(rows[:i], rows[i+1:]...)
			return nil
		}
	}
	return nil
}

// Transaction implements store.Adapter. The whole call runs under a's write
// lock, so fn's view of the store is always consistent and its effects are
// all-or-nothing from every other goroutine's perspective.
func (a *Adapter) Transaction(ctx context.Context, fn func(store.Tx) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	savedRows := make([]store.Entry, len(a.rows))
	copy(savedRows, a.rows)
	savedNextID := a.nextID
	savedViews := map[string][]viewRow{}
	for k, v := range a.views {
		cp := make([]viewRow, len(v))
		copy(cp, v)
		savedViews[k] = cp
	}

	if err := fn(&tx{a: a}); err != nil {
		a.rows = savedRows
		a.nextID = savedNextID
		a.views = savedViews
		return err
	}
	return nil
}
