// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/federation-sender/internal/sqlutil"
	"github.com/element-hq/federation-sender/types"
)

const deviceListPokesSchema = `
CREATE TABLE IF NOT EXISTS device_lists_outbound_pokes (
    destination TEXT NOT NULL,
    stream_id BIGINT NOT NULL,
    user_id TEXT NOT NULL,
    sent BOOLEAN NOT NULL DEFAULT FALSE,
    CONSTRAINT device_lists_outbound_pokes_unique UNIQUE (destination, stream_id, user_id)
);
CREATE INDEX IF NOT EXISTS device_lists_outbound_pokes_dest_idx
    ON device_lists_outbound_pokes (destination, stream_id);
`

const selectUnsentPokesSQL = "" +
	"SELECT stream_id, user_id FROM device_lists_outbound_pokes" +
	" WHERE destination = $1 AND stream_id > $2 AND NOT sent" +
	" ORDER BY stream_id ASC LIMIT $3"

const markPokeSentSQL = "" +
	"UPDATE device_lists_outbound_pokes SET sent = TRUE" +
	" WHERE destination = $1 AND stream_id = $2 AND user_id = $3"

type deviceListPokesStatements struct {
	db                    *sql.DB
	selectUnsentPokesStmt *sql.Stmt
	markPokeSentStmt      *sql.Stmt
}

func NewPostgresDeviceListPokesTable(db *sql.DB) (s *deviceListPokesStatements, err error) {
	s = &deviceListPokesStatements{
		db: db,
	}
	_, err = db.Exec(deviceListPokesSchema)
	if err != nil {
		return
	}

	return s, sqlutil.StatementList{
		{&s.selectUnsentPokesStmt, selectUnsentPokesSQL},
		{&s.markPokeSentStmt, markPokeSentSQL},
	}.Prepare(db)
}

func (s *deviceListPokesStatements) SelectUnsentPokes(
	ctx context.Context, txn *sql.Tx, destination spec.ServerName, afterStreamID int64, limit int,
) ([]types.DeviceListPoke, error) {
	stmt := sqlutil.TxStmt(txn, s.selectUnsentPokesStmt)
	rows, err := stmt.QueryContext(ctx, destination, afterStreamID, limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "selectUnsentPokes: rows.close() failed")

	var pokes []types.DeviceListPoke
	for rows.Next() {
		poke := types.DeviceListPoke{Destination: destination}
		if err = rows.Scan(&poke.StreamID, &poke.UserID); err != nil {
			return nil, err
		}
		pokes = append(pokes, poke)
	}
	return pokes, rows.Err()
}

func (s *deviceListPokesStatements) MarkPokeSent(
	ctx context.Context, txn *sql.Tx, poke types.DeviceListPoke,
) error {
	stmt := sqlutil.TxStmt(txn, s.markPokeSentStmt)
	_, err := stmt.ExecContext(ctx, poke.Destination, poke.StreamID, poke.UserID)
	return err
}
