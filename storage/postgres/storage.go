// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/element-hq/federation-sender/internal/sqlutil"
	"github.com/element-hq/federation-sender/storage/shared"
)

// NewDatabase opens a PostgreSQL database and prepares all tables.
func NewDatabase(ctx context.Context, options *sqlutil.DatabaseOptions) (*shared.Database, error) {
	db, err := sqlutil.Open(options)
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}
	streamPosition, err := NewPostgresStreamPositionTable(db)
	if err != nil {
		return nil, err
	}
	events, err := NewPostgresEventsTable(db)
	if err != nil {
		return nil, err
	}
	memberships, err := NewPostgresMembershipsTable(db)
	if err != nil {
		return nil, err
	}
	deviceOutbox, err := NewPostgresDeviceOutboxTable(db)
	if err != nil {
		return nil, err
	}
	deviceListPokes, err := NewPostgresDeviceListPokesTable(db)
	if err != nil {
		return nil, err
	}
	retryState, err := NewPostgresRetryStateTable(db)
	if err != nil {
		return nil, err
	}
	return &shared.Database{
		DB:              db,
		Writer:          sqlutil.NewDummyWriter(),
		StreamPosition:  streamPosition,
		Events:          events,
		Memberships:     memberships,
		DeviceOutbox:    deviceOutbox,
		DeviceListPokes: deviceListPokes,
		RetryState:      retryState,
	}, nil
}
