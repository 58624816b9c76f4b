package memadapter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/cloudkit/core/memadapter"
	"github.com/relabs-tech/cloudkit/core/store"
)

func TestInsertAndFetch(t *testing.T) {
	ctx := context.Background()
	a := memadapter.New()

	entry := store.Entry{URI: "/foos/1", ETag: "e1", CollectionReference: "/foos", ResourceReference: "/foos/1", Content: `{"a":1}`}
	err := a.Transaction(ctx, func(tx store.Tx) error {
		return tx.InsertEntry(ctx, entry)
	})
	require.NoError(t, err)

	got, err := a.Resource(ctx, "/foos/1", store.Options{})
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, got.Content)
}

func TestInsertConflictOnDuplicateURI(t *testing.T) {
	ctx := context.Background()
	a := memadapter.New()
	entry := store.Entry{URI: "/foos/1", ETag: "e1", CollectionReference: "/foos", ResourceReference: "/foos/1", Content: `{}`}
	require.NoError(t, a.Transaction(ctx, func(tx store.Tx) error { return tx.InsertEntry(ctx, entry) }))

	err := a.Transaction(ctx, func(tx store.Tx) error { return tx.InsertEntry(ctx, entry) })
	require.ErrorIs(t, err, store.ErrConflict)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	a := memadapter.New()
	boom := context.Canceled

	err := a.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.InsertEntry(ctx, store.Entry{URI: "/foos/1", ResourceReference: "/foos/1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = a.Resource(ctx, "/foos/1", store.Options{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestResourceCollectionFiltersByRemoteUser(t *testing.T) {
	ctx := context.Background()
	a := memadapter.New()
	require.NoError(t, a.Transaction(ctx, func(tx store.Tx) error {
		return tx.InsertEntry(ctx, store.Entry{URI: "/foos/1", CollectionReference: "/foos", ResourceReference: "/foos/1", RemoteUser: "alice"})
	}))

	lr, err := a.ResourceCollection(ctx, "/foos", store.Options{RemoteUser: "bob", HasRemoteUser: true})
	require.NoError(t, err)
	require.Empty(t, lr.Entries)

	lr, err = a.ResourceCollection(ctx, "/foos", store.Options{RemoteUser: "alice", HasRemoteUser: true})
	require.NoError(t, err)
	require.Len(t, lr.Entries, 1)
}

func TestVersionCollectionNotFoundWhenNoRowEverExisted(t *testing.T) {
	ctx := context.Background()
	a := memadapter.New()
	_, err := a.VersionCollection(ctx, "/foos/nonexistent", store.Options{})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	a := memadapter.New()
	require.NoError(t, a.Transaction(ctx, func(tx store.Tx) error {
		return tx.InsertEntry(ctx, store.Entry{URI: "/foos/1", ResourceReference: "/foos/1", CollectionReference: "/foos"})
	}))
	require.NoError(t, a.Reset(ctx))
	_, err := a.Resource(ctx, "/foos/1", store.Options{})
	require.ErrorIs(t, err, store.ErrNotFound)
}
