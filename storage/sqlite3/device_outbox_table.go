// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/federation-sender/internal/sqlutil"
	"github.com/element-hq/federation-sender/types"
)

const deviceOutboxSchema = `
CREATE TABLE IF NOT EXISTS device_federation_outbox (
    destination TEXT NOT NULL,
    stream_id BIGINT NOT NULL,
    messages_json TEXT NOT NULL,
    UNIQUE (destination, stream_id)
);
CREATE INDEX IF NOT EXISTS device_federation_outbox_dest_idx
    ON device_federation_outbox (destination, stream_id);
`

const selectDeviceMessagesSQL = "" +
	"SELECT stream_id, messages_json FROM device_federation_outbox" +
	" WHERE destination = $1 AND stream_id > $2" +
	" ORDER BY stream_id ASC LIMIT $3"

const deleteDeviceMessagesSQL = "" +
	"DELETE FROM device_federation_outbox" +
	" WHERE destination = $1 AND stream_id IN %s"

type deviceOutboxStatements struct {
	db                       *sql.DB
	selectDeviceMessagesStmt *sql.Stmt
}

func NewSQLiteDeviceOutboxTable(db *sql.DB) (s *deviceOutboxStatements, err error) {
	s = &deviceOutboxStatements{
		db: db,
	}
	_, err = db.Exec(deviceOutboxSchema)
	if err != nil {
		return
	}

	return s, sqlutil.StatementList{
		{&s.selectDeviceMessagesStmt, selectDeviceMessagesSQL},
	}.Prepare(db)
}

func (s *deviceOutboxStatements) SelectDeviceMessages(
	ctx context.Context, txn *sql.Tx, destination spec.ServerName, afterStreamID int64, limit int,
) ([]types.DeviceMessage, error) {
	stmt := sqlutil.TxStmt(txn, s.selectDeviceMessagesStmt)
	rows, err := stmt.QueryContext(ctx, destination, afterStreamID, limit)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "selectDeviceMessages: rows.close() failed")

	var messages []types.DeviceMessage
	for rows.Next() {
		msg := types.DeviceMessage{Destination: destination}
		var messagesJSON string
		if err = rows.Scan(&msg.StreamID, &messagesJSON); err != nil {
			return nil, err
		}
		msg.MessagesJSON = []byte(messagesJSON)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *deviceOutboxStatements) DeleteDeviceMessages(
	ctx context.Context, txn *sql.Tx, destination spec.ServerName, streamIDs []int64,
) error {
	query := fmt.Sprintf(deleteDeviceMessagesSQL, sqlutil.QueryVariadicOffset(len(streamIDs), 1))
	params := make([]interface{}, 0, len(streamIDs)+1)
	params = append(params, destination)
	for _, id := range streamIDs {
		params = append(params, id)
	}
	var err error
	if txn != nil {
		_, err = txn.ExecContext(ctx, query, params...)
	} else {
		_, err = s.db.ExecContext(ctx, query, params...)
	}
	return err
}
