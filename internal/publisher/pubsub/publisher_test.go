package pubsub

import (
	"context"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newFakeClient(t *testing.T) (*pstest.Server, *pubsub.Client) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)

	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	return srv, client
}

func TestPublishSendsJSONWithAttributes(t *testing.T) {
	t.Parallel()

	srv, client := newFakeClient(t)
	ctx := context.Background()
	_, err := client.CreateTopic(ctx, "crawl-finished")
	require.NoError(t, err)

	pub, err := New(client, "crawl-finished", map[string]string{"source": "statecrawler"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	id, err := pub.Publish(ctx, "ignored", map[string]any{"run_id": "r1", "processed": 2})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"run_id":"r1","processed":2}`, string(msgs[0].Data))
	assert.Equal(t, "statecrawler", msgs[0].Attributes["source"])
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "topic", nil)
	require.Error(t, err)

	_, client := newFakeClient(t)
	t.Cleanup(func() { _ = client.Close() })
	_, err = New(client, "", nil)
	require.Error(t, err)
}
