// Package objectstore_test tests the NATS-backed blob store adapter.
package objectstore_test

import (
	"context"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-service/internal/core"
	"github.com/book-expert/audiobook-service/internal/objectstore"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

func newTestStore(t *testing.T, bucketName string) *objectstore.Store {
	t.Helper()

	natsServer, natsConnection := StartTestServer(t)
	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, bucketName)
	require.NoError(t, err)

	return store
}

func TestStore_PutGetHead(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "put-get-bucket")
	ctx := context.Background()

	key := "books/ns/owner/book/chapters/0001_Intro.m4a"
	data := []byte("audio bytes")

	err := store.Put(ctx, key, data, "audio/mp4")
	require.NoError(t, err)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	info, err := store.Head(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, info.Key)
	assert.Equal(t, int64(len(data)), info.Size)
}

func TestStore_PutOverwrites(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "overwrite-bucket")
	ctx := context.Background()

	key := "books/ns/owner/book/chapters/0001_Intro.m4a"

	require.NoError(t, store.Put(ctx, key, []byte("first"), "audio/mp4"))
	require.NoError(t, store.Put(ctx, key, []byte("second"), "audio/mp4"))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)
}

func TestStore_PutIfAbsent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "if-absent-bucket")
	ctx := context.Background()

	key := "documents/sha256-abc.pdf"

	err := store.PutIfAbsent(ctx, key, []byte("doc"), "application/pdf")
	require.NoError(t, err)

	err = store.PutIfAbsent(ctx, key, []byte("other"), "application/pdf")
	require.ErrorIs(t, err, core.ErrPreconditionFailed)

	// The losing write must not have replaced the object.
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("doc"), got)
}

func TestStore_GetMissingIsNotFound(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "missing-bucket")
	ctx := context.Background()

	_, err := store.Get(ctx, "no/such/key")
	require.ErrorIs(t, err, core.ErrNotFound)

	_, err = store.Head(ctx, "no/such/key")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestStore_DeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "delete-bucket")
	ctx := context.Background()

	key := "books/ns/owner/book/chapters/0001_Intro.m4a"
	require.NoError(t, store.Put(ctx, key, []byte("x"), ""))

	require.NoError(t, store.Delete(ctx, key))
	require.NoError(t, store.Delete(ctx, key))

	_, err := store.Get(ctx, key)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestStore_ListAndDeletePrefix(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "prefix-bucket")
	ctx := context.Background()

	keys := []string{
		"books/ns/owner/book-a/chapters/0001_One.m4a",
		"books/ns/owner/book-a/chapters/0002_Two.m4a",
		"books/ns/owner/book-a/combined/full.m4a",
		"books/ns/owner/book-b/chapters/0001_Other.m4a",
	}
	for _, key := range keys {
		require.NoError(t, store.Put(ctx, key, []byte("x"), ""))
	}

	infos, err := store.List(ctx, "books/ns/owner/book-a/chapters/")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	deleted, err := store.DeletePrefix(ctx, "books/ns/owner/book-a/")
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	// The other book is untouched.
	_, err = store.Get(ctx, "books/ns/owner/book-b/chapters/0001_Other.m4a")
	require.NoError(t, err)
}

func TestStore_ListEmptyBucket(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, "empty-bucket")

	infos, err := store.List(context.Background(), "books/")
	require.NoError(t, err)
	assert.Empty(t, infos)
}
