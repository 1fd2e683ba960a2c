// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/element-hq/federation-sender/internal/sqlutil"
	"github.com/element-hq/federation-sender/storage/shared"
)

// NewDatabase opens a SQLite database and prepares all tables. Writes are
// serialized through an exclusive writer; the driver does not tolerate
// concurrent writers.
func NewDatabase(ctx context.Context, options *sqlutil.DatabaseOptions) (*shared.Database, error) {
	db, err := sqlutil.Open(options)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	streamPosition, err := NewSQLiteStreamPositionTable(db)
	if err != nil {
		return nil, err
	}
	events, err := NewSQLiteEventsTable(db)
	if err != nil {
		return nil, err
	}
	memberships, err := NewSQLiteMembershipsTable(db)
	if err != nil {
		return nil, err
	}
	deviceOutbox, err := NewSQLiteDeviceOutboxTable(db)
	if err != nil {
		return nil, err
	}
	deviceListPokes, err := NewSQLiteDeviceListPokesTable(db)
	if err != nil {
		return nil, err
	}
	retryState, err := NewSQLiteRetryStateTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:              db,
		Writer:          sqlutil.NewExclusiveWriter(),
		StreamPosition:  streamPosition,
		Events:          events,
		Memberships:     memberships,
		DeviceOutbox:    deviceOutbox,
		DeviceListPokes: deviceListPokes,
		RetryState:      retryState,
	}, nil
}
