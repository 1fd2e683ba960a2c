// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package replication

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/element-hq/federation-sender/types"
)

// Logical stream names mirrored from the upstream home-server.
const (
	StreamEvents      = "events"
	StreamPresence    = "presence"
	StreamToDevice    = "to_device"
	StreamDeviceLists = "device_lists"
)

// PositionLatest subscribes from the newest position rather than a stored
// cursor.
const PositionLatest = "-1"

// BatchToken is the reserved RDATA position marking the continuation of an
// open row group for a stream.
const BatchToken = "batch"

// StreamUpdate is one reassembled batch of homogeneous rows for a logical
// stream. Rows is nil for a bare POSITION advance.
type StreamUpdate struct {
	Stream   string
	Position string
	Rows     []json.RawMessage
}

// UpdateHandler receives reassembled stream updates in server order.
type UpdateHandler func(ctx context.Context, update StreamUpdate)

// SubscribeTyped registers a subscription whose rows decode into T. The
// decoder is fixed at subscription time, so each stream dispatches to exactly
// one row type with no runtime type probing. Rows that fail to decode are
// logged and skipped rather than poisoning the batch.
func SubscribeTyped[T any](c *Client, stream, position string, handler func(ctx context.Context, position string, rows []T)) {
	c.Subscribe(stream, position, func(ctx context.Context, update StreamUpdate) {
		rows := make([]T, 0, len(update.Rows))
		for _, raw := range update.Rows {
			var row T
			if err := json.Unmarshal(raw, &row); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"stream":   update.Stream,
					"position": update.Position,
				}).Error("Dropping undecodable replication row")
				continue
			}
			rows = append(rows, row)
		}
		handler(ctx, update.Position, rows)
	})
}

// ToDeviceRow is one row of the to_device stream: a destination that has new
// pending device messages.
type ToDeviceRow struct {
	Entity string `json:"entity"`
}

// DeviceListsRow is one row of the device_lists stream: a user whose device
// list changed, optionally scoped to a single destination.
type DeviceListsRow struct {
	UserID      string `json:"user_id"`
	Destination string `json:"destination,omitempty"`
}

// PresenceRow aliases the shared presence state shape; the presence stream
// delivers these verbatim.
type PresenceRow = types.PresenceState
