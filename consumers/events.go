// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"strconv"
	"sync"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/federation-sender/internal/caching"
	"github.com/element-hq/federation-sender/internal/util"
	"github.com/element-hq/federation-sender/queue"
	"github.com/element-hq/federation-sender/replication"
	"github.com/element-hq/federation-sender/storage"
	"github.com/element-hq/federation-sender/types"
)

// OutputEventConsumer watches the events stream and fans new local events
// out to every server with a joined member in the room. The durable cursor
// in storage is the source of truth: stream positions only poke the pump,
// the range (cursor, top] is always re-read from the database.
type OutputEventConsumer struct {
	db     storage.Database
	queues *queue.OutgoingQueues
	origin spec.ServerName
	caches caching.JoinedHostsCache

	// One poke is processed at a time so events are handled in stream order.
	mutex sync.Mutex
}

func NewOutputEventConsumer(
	db storage.Database,
	queues *queue.OutgoingQueues,
	origin spec.ServerName,
	caches caching.JoinedHostsCache,
) *OutputEventConsumer {
	return &OutputEventConsumer{
		db:     db,
		queues: queues,
		origin: origin,
		caches: caches,
	}
}

// Start subscribes to the events stream. The position token is only a poke:
// subscribing from latest is correct because the database cursor drives
// catch-up.
func (c *OutputEventConsumer) Start(client *replication.Client) {
	client.Subscribe(replication.StreamEvents, replication.PositionLatest, c.onUpdate)
}

func (c *OutputEventConsumer) onUpdate(ctx context.Context, update replication.StreamUpdate) {
	top, err := strconv.ParseInt(update.Position, 10, 64)
	if err != nil {
		log.WithError(err).WithField("position", update.Position).Error("Unparseable events stream position")
		return
	}
	c.ProcessUpToPosition(ctx, top)
}

// ProcessUpToPosition pages through events in (cursor, top], at most one
// transaction's worth of PDUs at a time. A page of exactly the limit means
// we are still behind: the cursor commits at the last row of the page and
// the loop goes again until a short page lands us at top.
func (c *OutputEventConsumer) ProcessUpToPosition(ctx context.Context, top int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for {
		last, err := c.db.GetFederationStreamPosition(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to read federation stream position")
			sentry.CaptureException(err)
			return
		}
		if top <= last {
			return
		}

		events, err := c.db.GetNewEventsForFederation(ctx, last, top, types.MaxPDUsPerTransaction)
		if err != nil {
			// Cursor untouched: the next poke retries the same range.
			log.WithError(err).WithFields(log.Fields{
				"from": last,
				"to":   top,
			}).Error("Failed to read new events for federation")
			sentry.CaptureException(err)
			return
		}

		batchTop := top
		if len(events) == types.MaxPDUsPerTransaction {
			batchTop = events[len(events)-1].StreamOrdering
		}

		for i := range events {
			c.processEvent(ctx, &events[i])
		}

		if err = c.db.UpdateFederationStreamPosition(ctx, batchTop); err != nil {
			log.WithError(err).WithField("position", batchTop).Error("Failed to advance federation stream position")
			sentry.CaptureException(err)
			return
		}
		if batchTop >= top {
			return
		}
	}
}

func (c *OutputEventConsumer) processEvent(ctx context.Context, event *types.ServerEvent) {
	// Membership changes alter who we route to, so the room's cached host
	// list dies before anything downstream reads it.
	if event.Type == spec.MRoomMember {
		c.caches.InvalidateJoinedHosts(event.RoomID)
	}

	// Only originate events authored by our own users.
	if !util.IsLocalUser(event.Sender, c.origin) {
		return
	}

	hosts, err := c.joinedHosts(ctx, event.RoomID)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"event_id": event.EventID,
			"room_id":  event.RoomID,
		}).Error("Failed to resolve joined hosts")
		sentry.CaptureException(err)
		return
	}

	destinations := hosts[:0:0]
	for _, host := range hosts {
		if util.NormalizeServerName(host) == util.NormalizeServerName(c.origin) {
			continue
		}
		destinations = append(destinations, host)
	}
	if len(destinations) == 0 {
		return
	}

	pdu, err := types.NewPduEventFromJSON(event.JSON, event.Format)
	if err != nil {
		log.WithError(err).WithField("event_id", event.EventID).Error("Skipping undecodable event")
		sentry.CaptureException(err)
		return
	}
	if pdu.Format == types.EventFormatV1 && pdu.EventID == "" {
		pdu.EventID = event.EventID
	}

	if err = c.queues.SendEvent(pdu, destinations); err != nil {
		log.WithError(err).WithField("event_id", event.EventID).Error("Failed to queue event for federation")
	}
}

func (c *OutputEventConsumer) joinedHosts(ctx context.Context, roomID string) ([]spec.ServerName, error) {
	if hosts, ok := c.caches.GetJoinedHosts(roomID); ok {
		return hosts, nil
	}
	hosts, err := c.db.GetJoinedHosts(ctx, roomID)
	if err != nil {
		return nil, err
	}
	c.caches.StoreJoinedHosts(roomID, hosts)
	return hosts, nil
}
