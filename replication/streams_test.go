package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Regardless of how rows are chunked into batch/flush boundaries, the rows
// delivered to subscribers concatenate to the rows sent, in server order.
func TestBatchBoundariesPreserveRowOrder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		positions []string // one per row; "batch" keeps the group open
		flushes   int
	}{
		{"no batching", []string{"1", "2", "3", "4"}, 4},
		{"single batch", []string{"batch", "batch", "batch", "4"}, 1},
		{"mixed", []string{"batch", "2", "batch", "4"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := NewClient("localhost", 1, "test")
			var delivered []json.RawMessage
			flushes := 0
			client.Subscribe(StreamEvents, PositionLatest, func(ctx context.Context, update StreamUpdate) {
				delivered = append(delivered, update.Rows...)
				flushes++
			})

			for i, position := range tt.positions {
				line := fmt.Sprintf(`RDATA events %s {"row":%d}`, position, i)
				require.NoError(t, client.handleLine(context.Background(), line))
			}

			assert.Equal(t, tt.flushes, flushes)
			require.Len(t, delivered, len(tt.positions))
			for i, raw := range delivered {
				var row map[string]int
				require.NoError(t, json.Unmarshal(raw, &row))
				assert.Equal(t, i, row["row"])
			}
		})
	}
}

// Streams are demultiplexed: an open batch on one stream does not leak into
// a flush on another.
func TestBatchReassemblyPerStream(t *testing.T) {
	t.Parallel()

	client := NewClient("localhost", 1, "test")
	updates := map[string][]StreamUpdate{}
	for _, stream := range []string{StreamEvents, StreamPresence} {
		stream := stream
		client.Subscribe(stream, PositionLatest, func(ctx context.Context, update StreamUpdate) {
			updates[stream] = append(updates[stream], update)
		})
	}

	ctx := context.Background()
	require.NoError(t, client.handleLine(ctx, `RDATA events batch {"a":1}`))
	require.NoError(t, client.handleLine(ctx, `RDATA presence 5 {"user_id":"@u:x"}`))
	require.NoError(t, client.handleLine(ctx, `RDATA events 7 {"a":2}`))

	require.Len(t, updates[StreamPresence], 1)
	assert.Len(t, updates[StreamPresence][0].Rows, 1)

	require.Len(t, updates[StreamEvents], 1)
	assert.Equal(t, "7", updates[StreamEvents][0].Position)
	assert.Len(t, updates[StreamEvents][0].Rows, 2)
}

func TestSubscribeTypedSkipsUndecodableRows(t *testing.T) {
	t.Parallel()

	client := NewClient("localhost", 1, "test")
	var rows []ToDeviceRow
	SubscribeTyped(client, StreamToDevice, PositionLatest, func(ctx context.Context, position string, decoded []ToDeviceRow) {
		rows = append(rows, decoded...)
	})

	ctx := context.Background()
	require.NoError(t, client.handleLine(ctx, `RDATA to_device batch {"entity":"remote1"}`))
	require.NoError(t, client.handleLine(ctx, `RDATA to_device batch not json at all`))
	require.NoError(t, client.handleLine(ctx, `RDATA to_device 12 {"entity":"remote2"}`))

	require.Len(t, rows, 2)
	assert.Equal(t, "remote1", rows[0].Entity)
	assert.Equal(t, "remote2", rows[1].Entity)
}

func TestUnsubscribedStreamIsIgnored(t *testing.T) {
	t.Parallel()

	client := NewClient("localhost", 1, "test")
	require.NoError(t, client.handleLine(context.Background(), `RDATA typing 3 {"x":1}`))
}
