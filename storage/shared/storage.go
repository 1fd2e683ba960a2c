// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"errors"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/federation-sender/internal/sqlutil"
	"github.com/element-hq/federation-sender/storage/tables"
	"github.com/element-hq/federation-sender/types"
)

const eventsStreamType = "events"

// Database orchestrates the engine-specific tables behind the storage
// contract the sender consumes.
type Database struct {
	DB              *sql.DB
	Writer          sqlutil.Writer
	StreamPosition  tables.FederationStreamPosition
	Events          tables.Events
	Memberships     tables.Memberships
	DeviceOutbox    tables.DeviceOutbox
	DeviceListPokes tables.DeviceListPokes
	RetryState      tables.RetryState
}

func (d *Database) GetFederationStreamPosition(ctx context.Context) (int64, error) {
	pos, err := d.StreamPosition.SelectStreamPosition(ctx, nil, eventsStreamType)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return pos, err
}

func (d *Database) UpdateFederationStreamPosition(ctx context.Context, pos int64) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.StreamPosition.UpsertStreamPosition(ctx, txn, eventsStreamType, pos)
	})
}

func (d *Database) GetNewEventsForFederation(ctx context.Context, from, upTo int64, limit int) ([]types.ServerEvent, error) {
	return d.Events.SelectNewEvents(ctx, nil, from, upTo, limit)
}

// GetJoinedHosts returns the distinct servers with a joined member in the
// room, the local server included if it has any.
func (d *Database) GetJoinedHosts(ctx context.Context, roomID string) ([]spec.ServerName, error) {
	users, err := d.Memberships.SelectJoinedUsers(ctx, nil, roomID)
	if err != nil {
		return nil, err
	}
	seen := make(map[spec.ServerName]struct{}, len(users))
	var hosts []spec.ServerName
	for _, userID := range users {
		host := types.ServerPart(userID)
		if host == "" {
			continue
		}
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

// GetInterestedRemotes maps each given user to the distinct servers sharing
// at least one joined room with them, in one grouped query.
func (d *Database) GetInterestedRemotes(ctx context.Context, userIDs []string) (map[string][]spec.ServerName, error) {
	if len(userIDs) == 0 {
		return map[string][]spec.ServerName{}, nil
	}
	sharing, err := d.Memberships.SelectUsersSharingRooms(ctx, nil, userIDs)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]spec.ServerName, len(sharing))
	for userID, others := range sharing {
		seen := make(map[spec.ServerName]struct{}, len(others))
		for _, otherID := range others {
			host := types.ServerPart(otherID)
			if host == "" {
				continue
			}
			if _, ok := seen[host]; ok {
				continue
			}
			seen[host] = struct{}{}
			result[userID] = append(result[userID], host)
		}
	}
	return result, nil
}

// GetPendingDeviceMessages returns outbox rows and unsent pokes for the
// destination, both after their respective stream ids, bounded by limit rows
// in total.
func (d *Database) GetPendingDeviceMessages(
	ctx context.Context, destination spec.ServerName, afterOutbox, afterPokes int64, limit int,
) ([]types.DeviceMessage, []types.DeviceListPoke, error) {
	messages, err := d.DeviceOutbox.SelectDeviceMessages(ctx, nil, destination, afterOutbox, limit)
	if err != nil {
		return nil, nil, err
	}
	remaining := limit - len(messages)
	if remaining <= 0 {
		return messages, nil, nil
	}
	pokes, err := d.DeviceListPokes.SelectUnsentPokes(ctx, nil, destination, afterPokes, remaining)
	if err != nil {
		return nil, nil, err
	}
	return messages, pokes, nil
}

func (d *Database) DeleteDeviceMessages(ctx context.Context, destination spec.ServerName, streamIDs []int64) error {
	if len(streamIDs) == 0 {
		return nil
	}
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.DeviceOutbox.DeleteDeviceMessages(ctx, txn, destination, streamIDs)
	})
}

func (d *Database) MarkDeviceListPokesSent(ctx context.Context, destination spec.ServerName, pokes []types.DeviceListPoke) error {
	if len(pokes) == 0 {
		return nil
	}
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		for _, poke := range pokes {
			poke.Destination = destination
			if err := d.DeviceListPokes.MarkPokeSent(ctx, txn, poke); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Database) SelectRetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error) {
	return d.RetryState.SelectRetryState(ctx, nil, serverName)
}

func (d *Database) UpsertRetryState(ctx context.Context, serverName spec.ServerName, state types.RetryState) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.RetryState.UpsertRetryState(ctx, txn, serverName, state)
	})
}

func (d *Database) DeleteRetryState(ctx context.Context, serverName spec.ServerName) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.RetryState.DeleteRetryState(ctx, txn, serverName)
	})
}
