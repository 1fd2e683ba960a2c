// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/element-hq/federation-sender/internal/util"
	"github.com/element-hq/federation-sender/queue"
	"github.com/element-hq/federation-sender/replication"
	"github.com/element-hq/federation-sender/storage"
	"github.com/element-hq/federation-sender/types"
)

const presenceOffline = "offline"
const presenceOnline = "online"

// OutputPresenceConsumer routes presence changes for local users to every
// remote server sharing a room with them.
type OutputPresenceConsumer struct {
	db     storage.Database
	queues *queue.OutgoingQueues
	origin spec.ServerName

	// userPresence coalesces a batch by user id; later states override
	// earlier ones. Single writer, cleared at the start of each flush.
	mutex        sync.Mutex
	userPresence map[string]types.PresenceState
}

func NewOutputPresenceConsumer(
	db storage.Database,
	queues *queue.OutgoingQueues,
	origin spec.ServerName,
) *OutputPresenceConsumer {
	return &OutputPresenceConsumer{
		db:           db,
		queues:       queues,
		origin:       origin,
		userPresence: map[string]types.PresenceState{},
	}
}

func (c *OutputPresenceConsumer) Start(client *replication.Client) {
	replication.SubscribeTyped(client, replication.StreamPresence, replication.PositionLatest, c.onPresence)
}

func (c *OutputPresenceConsumer) onPresence(ctx context.Context, position string, rows []replication.PresenceRow) {
	c.SendPresence(ctx, rows)
}

// SendPresence formats and enqueues one m.presence EDU per (host, user) for
// the local users in the batch.
func (c *OutputPresenceConsumer) SendPresence(ctx context.Context, states []types.PresenceState) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for userID := range c.userPresence {
		delete(c.userPresence, userID)
	}
	for _, state := range states {
		if !util.IsLocalUser(state.UserID, c.origin) {
			continue
		}
		c.userPresence[state.UserID] = state
	}
	if len(c.userPresence) == 0 {
		return
	}

	userIDs := make([]string, 0, len(c.userPresence))
	for userID := range c.userPresence {
		userIDs = append(userIDs, userID)
	}

	remotes, err := c.db.GetInterestedRemotes(ctx, userIDs)
	if err != nil {
		log.WithError(err).Error("Failed to resolve interested remotes for presence")
		sentry.CaptureException(err)
		return
	}

	kicked := map[spec.ServerName]struct{}{}
	for userID, state := range c.userPresence {
		content, err := json.Marshal(formatPresence(state, time.Now()))
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Failed to format presence EDU")
			continue
		}
		for _, host := range remotes[userID] {
			if util.NormalizeServerName(host) == util.NormalizeServerName(c.origin) {
				continue
			}
			edu := &types.Edu{
				Type:        queue.MPresence,
				Origin:      c.origin,
				Destination: host,
				Content:     spec.RawJSON(content),
				InternalKey: queue.MPresence + ":" + userID,
			}
			if err := c.queues.SendEDU(edu); err != nil {
				log.WithError(err).WithFields(log.Fields{
					"user_id":     userID,
					"destination": host,
				}).Error("Failed to queue presence EDU")
				continue
			}
			kicked[host] = struct{}{}
		}
	}
	log.WithFields(log.Fields{
		"users": len(c.userPresence),
		"hosts": len(kicked),
	}).Debug("Queued presence for federation")
}

// formatPresence builds the m.presence EDU content for one user.
// last_active_ago appears iff last_active_ts is set, status_msg iff present
// and not offline, currently_active iff online.
func formatPresence(state types.PresenceState, now time.Time) map[string]interface{} {
	push := map[string]interface{}{
		"user_id":  state.UserID,
		"presence": state.State,
	}
	if state.LastActiveTS != 0 {
		push["last_active_ago"] = now.UnixMilli() - state.LastActiveTS
	}
	if state.StatusMsg != "" && state.State != presenceOffline {
		push["status_msg"] = state.StatusMsg
	}
	if state.State == presenceOnline {
		push["currently_active"] = state.CurrentlyActive
	}
	return map[string]interface{}{
		"push": []interface{}{push},
	}
}
