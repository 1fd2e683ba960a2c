// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/federation-sender/internal/sqlutil"
	"github.com/element-hq/federation-sender/storage/postgres"
	"github.com/element-hq/federation-sender/storage/sqlite3"
	"github.com/element-hq/federation-sender/types"
)

// Database is everything the sender needs from the relational store. The
// events, membership, outbox and poke tables are shared with the upstream
// home-server; the stream position and retry state tables are owned by this
// worker.
type Database interface {
	// GetFederationStreamPosition reads the durable cursor for the events
	// stream.
	GetFederationStreamPosition(ctx context.Context) (int64, error)
	// UpdateFederationStreamPosition advances the durable cursor. It never
	// moves backwards.
	UpdateFederationStreamPosition(ctx context.Context, pos int64) error

	// GetNewEventsForFederation returns events in the half-open range
	// (from, upTo] ordered by stream id, at most limit rows.
	GetNewEventsForFederation(ctx context.Context, from, upTo int64, limit int) ([]types.ServerEvent, error)

	// GetJoinedHosts returns the distinct servers with at least one joined
	// member in the room, including the local server if it has any.
	GetJoinedHosts(ctx context.Context, roomID string) ([]spec.ServerName, error)
	// GetInterestedRemotes returns, for each given local user, the distinct
	// servers sharing at least one joined room with that user. One grouped
	// query, not a per-user fan-out.
	GetInterestedRemotes(ctx context.Context, userIDs []string) (map[string][]spec.ServerName, error)

	// GetPendingDeviceMessages returns pending device outbox rows and unsent
	// device list pokes for a destination, both strictly after the given
	// stream ids, in stream id order, bounded by limit rows in total.
	GetPendingDeviceMessages(ctx context.Context, destination spec.ServerName, afterOutbox, afterPokes int64, limit int) ([]types.DeviceMessage, []types.DeviceListPoke, error)
	// DeleteDeviceMessages removes delivered outbox rows.
	DeleteDeviceMessages(ctx context.Context, destination spec.ServerName, streamIDs []int64) error
	// MarkDeviceListPokesSent flips sent=true on delivered pokes.
	MarkDeviceListPokesSent(ctx context.Context, destination spec.ServerName, pokes []types.DeviceListPoke) error

	// Retry state, consumed by the statistics registry.
	SelectRetryState(ctx context.Context, serverName spec.ServerName) (types.RetryState, bool, error)
	UpsertRetryState(ctx context.Context, serverName spec.ServerName, state types.RetryState) error
	DeleteRetryState(ctx context.Context, serverName spec.ServerName) error
}

// NewDatabase opens the right engine for the connection string: anything
// beginning with file: is SQLite, postgres:// or postgresql:// is PostgreSQL.
func NewDatabase(ctx context.Context, options *sqlutil.DatabaseOptions) (Database, error) {
	switch {
	case options.ConnectionString.IsSQLite():
		return sqlite3.NewDatabase(ctx, options)
	case options.ConnectionString.IsPostgres():
		return postgres.NewDatabase(ctx, options)
	default:
		return nil, fmt.Errorf("unexpected database type in connection string")
	}
}
