//go:build integration

package natsclient

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_Integration(t *testing.T) {
	tc := NewTestClient(t)
	ctx := context.Background()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "test-kv", History: 5})
	require.NoError(t, err)
	again, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "test-kv"})
	require.NoError(t, err)
	assert.Equal(t, bucket.Bucket(), again.Bucket())

	kv := tc.Client.NewKVStore(bucket)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kv.Create(ctx, "a", []byte("1"))
	require.NoError(t, err)
	_, err = kv.Create(ctx, "a", []byte("2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	t.Run("watch", func(t *testing.T) {
		w, err := kv.Watch(ctx, "w.>")
		require.NoError(t, err)
		defer w.Stop()
		// initial values end with a nil entry
		require.Nil(t, <-w.Updates())

		_, err = kv.Create(ctx, "w.x", []byte("v"))
		require.NoError(t, err)
		entry := <-w.Updates()
		require.NotNil(t, entry)
		assert.Equal(t, "w.x", entry.Key())
	})

	require.NoError(t, kv.Delete(ctx, "a"))
	_, err = kv.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}
