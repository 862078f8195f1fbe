package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	pub := New()
	id1, err := pub.Publish(ctx, "records", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(ctx, "audit", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "records", msgs[0].Topic)
	require.Equal(t, []any{"payload"}, pub.Topic("audit"))

	msgs[0].Topic = "modified"
	require.Equal(t, "records", pub.Messages()[0].Topic)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	boom := errors.New("boom")

	pub := New()
	pub.FailWith(boom)
	_, err := pub.Publish(ctx, "records", 1)
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(ctx, "records", 1)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = pub.Publish(cancelled, "records", 2)
	require.ErrorIs(t, err, context.Canceled)
}
