// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/federation-sender/types"
)

// FederationStreamPosition is the durable cursor table, one row per stream
// type. Only "events" is used today.
type FederationStreamPosition interface {
	SelectStreamPosition(ctx context.Context, txn *sql.Tx, streamType string) (int64, error)
	UpsertStreamPosition(ctx context.Context, txn *sql.Tx, streamType string, pos int64) error
}

// Events is a read-only view over the home-server's events and event_json
// tables.
type Events interface {
	SelectNewEvents(ctx context.Context, txn *sql.Tx, from, upTo int64, limit int) ([]types.ServerEvent, error)
}

// Memberships is a read-only view over the home-server's room_memberships
// table.
type Memberships interface {
	SelectJoinedUsers(ctx context.Context, txn *sql.Tx, roomID string) ([]string, error)
	// SelectUsersSharingRooms maps each given user to the distinct other
	// users sharing at least one joined room with them.
	SelectUsersSharingRooms(ctx context.Context, txn *sql.Tx, userIDs []string) (map[string][]string, error)
}

// DeviceOutbox is the pending device message queue shared with the
// home-server.
type DeviceOutbox interface {
	SelectDeviceMessages(ctx context.Context, txn *sql.Tx, destination spec.ServerName, afterStreamID int64, limit int) ([]types.DeviceMessage, error)
	DeleteDeviceMessages(ctx context.Context, txn *sql.Tx, destination spec.ServerName, streamIDs []int64) error
}

// DeviceListPokes is the pending device list update queue shared with the
// home-server; this worker only ever flips sent to true.
type DeviceListPokes interface {
	SelectUnsentPokes(ctx context.Context, txn *sql.Tx, destination spec.ServerName, afterStreamID int64, limit int) ([]types.DeviceListPoke, error)
	MarkPokeSent(ctx context.Context, txn *sql.Tx, poke types.DeviceListPoke) error
}

// RetryState persists per-destination backoff across restarts.
type RetryState interface {
	SelectRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) (types.RetryState, bool, error)
	UpsertRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, state types.RetryState) error
	DeleteRetryState(ctx context.Context, txn *sql.Tx, serverName spec.ServerName) error
}
