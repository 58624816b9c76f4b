//go:build integration

package sqladapter_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/relabs-tech/cloudkit/core/csql"
	"github.com/relabs-tech/cloudkit/core/sqladapter"
	"github.com/relabs-tech/cloudkit/core/store"
)

func startPostgres(ctx context.Context, t *testing.T) *csql.DB {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "cloudkit",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s port=%s user=postgres dbname=cloudkit sslmode=disable", host, port.Port())
	return csql.OpenWithSchema(dsn, "test", "cloudkit_test")
}

func TestAdapterAgainstRealPostgres(t *testing.T) {
	ctx := context.Background()
	db := startPostgres(ctx, t)

	a, err := sqladapter.New(db)
	require.NoError(t, err)
	require.NoError(t, a.InitializeView(ctx, "foos-by-color", []string{"color"}))
	require.NoError(t, a.Reset(ctx))

	entry := store.Entry{
		URI:                 "/foos/1",
		ETag:                "e1",
		CollectionReference: "/foos",
		ResourceReference:   "/foos/1",
		LastModified:        "Mon, 02 Jan 2006 15:04:05 GMT",
		Content:             `{"color":"red"}`,
	}
	require.NoError(t, a.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		return tx.UpsertView(ctx, "foos-by-color", entry.URI, entry.CollectionReference, map[string]string{"color": "red"})
	}))

	got, err := a.Resource(ctx, "/foos/1", store.Options{})
	require.NoError(t, err)
	require.Equal(t, `{"color":"red"}`, got.Content)

	lr, err := a.ResourceCollection(ctx, "/foos", store.Options{})
	require.NoError(t, err)
	require.Len(t, lr.Entries, 1)

	viewed, err := a.View(ctx, "foos-by-color", store.Options{Filters: map[string]string{"color": "red"}})
	require.NoError(t, err)
	require.Len(t, viewed.Entries, 1)
	require.Equal(t, "/foos/1", viewed.Entries[0].URI)

	// A second insert at the same uri must conflict.
	err = a.Transaction(ctx, func(tx store.Tx) error {
		return tx.InsertEntry(ctx, entry)
	})
	require.ErrorIs(t, err, store.ErrConflict)

	// Rewrite to a version URI, then insert a fresh current row.
	require.NoError(t, a.Transaction(ctx, func(tx store.Tx) error {
		if err := tx.RewriteURI(ctx, "/foos/1", "/foos/1/versions/e1"); err != nil {
			return err
		}
		next := entry
		next.URI = "/foos/1"
		next.ETag = "e2"
		next.Content = `{"color":"blue"}`
		if err := tx.InsertEntry(ctx, next); err != nil {
			return err
		}
		return tx.UpsertView(ctx, "foos-by-color", next.URI, next.CollectionReference, map[string]string{"color": "blue"})
	}))

	versions, err := a.VersionCollection(ctx, "/foos/1", store.Options{})
	require.NoError(t, err)
	require.Len(t, versions.Entries, 2)

	viewed, err = a.View(ctx, "foos-by-color", store.Options{Filters: map[string]string{"color": "red"}})
	require.NoError(t, err)
	require.Empty(t, viewed.Entries)

	require.NoError(t, a.Reset(ctx))
	_, err = a.Resource(ctx, "/foos/1", store.Options{})
	require.ErrorIs(t, err, store.ErrNotFound)
}
