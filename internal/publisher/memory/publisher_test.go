package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsEncodedMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "crawl-finished", map[string]int{"processed": 3})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "crawl-finished", "done")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"processed":3}`, string(msgs[0].Data))
	assert.JSONEq(t, `"done"`, string(msgs[1].Data))

	msgs[0].Topic = "modified"
	assert.Equal(t, "crawl-finished", pub.Messages()[0].Topic)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "t", make(chan int))
	require.Error(t, err)
	assert.Empty(t, pub.Messages())
}
