// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/federation-sender/internal/util"
	"github.com/element-hq/federation-sender/queue"
	"github.com/element-hq/federation-sender/replication"
	"github.com/element-hq/federation-sender/storage"
)

// OutputDeviceConsumer wakes destination queues when the to_device or
// device_lists streams report new pending rows. The rows themselves are
// read back from the outbox and poke tables by the destination queue, so a
// missed wake only delays delivery until the next one.
type OutputDeviceConsumer struct {
	db     storage.Database
	queues *queue.OutgoingQueues
	origin spec.ServerName
}

func NewOutputDeviceConsumer(
	db storage.Database,
	queues *queue.OutgoingQueues,
	origin spec.ServerName,
) *OutputDeviceConsumer {
	return &OutputDeviceConsumer{
		db:     db,
		queues: queues,
		origin: origin,
	}
}

func (c *OutputDeviceConsumer) Start(client *replication.Client) {
	replication.SubscribeTyped(client, replication.StreamToDevice, replication.PositionLatest, c.onToDevice)
	replication.SubscribeTyped(client, replication.StreamDeviceLists, replication.PositionLatest, c.onDeviceLists)
}

func (c *OutputDeviceConsumer) onToDevice(ctx context.Context, position string, rows []replication.ToDeviceRow) {
	for _, row := range rows {
		destination := spec.ServerName(row.Entity)
		if destination == "" || util.NormalizeServerName(destination) == util.NormalizeServerName(c.origin) {
			continue
		}
		c.queues.SendDeviceMessages(destination)
	}
}

func (c *OutputDeviceConsumer) onDeviceLists(ctx context.Context, position string, rows []replication.DeviceListsRow) {
	for _, row := range rows {
		if row.Destination != "" {
			c.queues.SendDeviceMessages(spec.ServerName(row.Destination))
			continue
		}
		// No explicit destination: every server sharing a room with the
		// user has a poke row waiting, so wake them all.
		remotes, err := c.db.GetInterestedRemotes(ctx, []string{row.UserID})
		if err != nil {
			log.WithError(err).WithField("user_id", row.UserID).Error("Failed to resolve interested remotes for device list update")
			sentry.CaptureException(err)
			continue
		}
		for _, host := range remotes[row.UserID] {
			if util.NormalizeServerName(host) == util.NormalizeServerName(c.origin) {
				continue
			}
			c.queues.SendDeviceMessages(host)
		}
	}
}
