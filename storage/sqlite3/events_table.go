// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/federation-sender/internal/sqlutil"
	"github.com/element-hq/federation-sender/types"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
    stream_ordering BIGINT NOT NULL PRIMARY KEY,
    event_id TEXT NOT NULL UNIQUE,
    room_id TEXT NOT NULL,
    sender TEXT NOT NULL,
    type TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS event_json (
    event_id TEXT NOT NULL PRIMARY KEY,
    format_version BIGINT NOT NULL DEFAULT 2,
    json TEXT NOT NULL
);
`

const selectNewEventsSQL = "" +
	"SELECT e.stream_ordering, e.event_id, e.room_id, e.sender, e.type, ej.format_version, ej.json" +
	" FROM events AS e JOIN event_json AS ej ON ej.event_id = e.event_id" +
	" WHERE e.stream_ordering > $1 AND e.stream_ordering <= $2" +
	" ORDER BY e.stream_ordering ASC LIMIT $3"

type eventsStatements struct {
	db                  *sql.DB
	selectNewEventsStmt *sql.Stmt
}

func NewSQLiteEventsTable(db *sql.DB) (s *eventsStatements, err error) {
	s = &eventsStatements{
		db: db,
	}
	_, err = db.Exec(eventsSchema)
	if err != nil {
		return
	}

	return s, sqlutil.StatementList{
		{&s.selectNewEventsStmt, selectNewEventsSQL},
	}.Prepare(db)
}

func (s *eventsStatements) SelectNewEvents(
	ctx context.Context, txn *sql.Tx, from, upTo int64, limit int,
) ([]types.ServerEvent, error) {
	stmt := sqlutil.TxStmt(txn, s.selectNewEventsStmt)
	rows, err := stmt.QueryContext(ctx, from, upTo, limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "selectNewEvents: rows.close() failed")

	var events []types.ServerEvent
	for rows.Next() {
		var event types.ServerEvent
		var formatVersion int64
		var eventJSON string
		if err = rows.Scan(
			&event.StreamOrdering, &event.EventID, &event.RoomID,
			&event.Sender, &event.Type, &formatVersion, &eventJSON,
		); err != nil {
			return nil, err
		}
		event.Format = types.EventFormatV2
		if formatVersion == 1 {
			event.Format = types.EventFormatV1
		}
		event.JSON = []byte(eventJSON)
		events = append(events, event)
	}
	return events, rows.Err()
}
