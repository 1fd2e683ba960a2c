// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/element-hq/federation-sender/internal/sqlutil"
)

const membershipsSchema = `
CREATE TABLE IF NOT EXISTS room_memberships (
    room_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    membership TEXT NOT NULL,
    UNIQUE (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS room_memberships_room_idx ON room_memberships (room_id);
CREATE INDEX IF NOT EXISTS room_memberships_user_idx ON room_memberships (user_id);
`

const selectJoinedUsersSQL = "" +
	"SELECT user_id FROM room_memberships" +
	" WHERE room_id = $1 AND membership = 'join'"

// The IN clause is expanded at query time; SQLite has no array parameters.
const selectUsersSharingRoomsSQL = "" +
	"SELECT DISTINCT m1.user_id, m2.user_id FROM room_memberships AS m1" +
	" JOIN room_memberships AS m2 ON m2.room_id = m1.room_id" +
	" WHERE m1.user_id IN %s AND m1.membership = 'join'" +
	" AND m2.membership = 'join' AND m2.user_id != m1.user_id"

type membershipsStatements struct {
	db                    *sql.DB
	selectJoinedUsersStmt *sql.Stmt
}

func NewSQLiteMembershipsTable(db *sql.DB) (s *membershipsStatements, err error) {
	s = &membershipsStatements{
		db: db,
	}
	_, err = db.Exec(membershipsSchema)
	if err != nil {
		return
	}

	return s, sqlutil.StatementList{
		{&s.selectJoinedUsersStmt, selectJoinedUsersSQL},
	}.Prepare(db)
}

func (s *membershipsStatements) SelectJoinedUsers(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]string, error) {
	stmt := sqlutil.TxStmt(txn, s.selectJoinedUsersStmt)
	rows, err := stmt.QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "selectJoinedUsers: rows.close() failed")

	var users []string
	for rows.Next() {
		var userID string
		if err = rows.Scan(&userID); err != nil {
			return nil, err
		}
		users = append(users, userID)
	}
	return users, rows.Err()
}

func (s *membershipsStatements) SelectUsersSharingRooms(
	ctx context.Context, txn *sql.Tx, userIDs []string,
) (map[string][]string, error) {
	query := fmt.Sprintf(selectUsersSharingRoomsSQL, sqlutil.QueryVariadic(len(userIDs)))
	params := make([]interface{}, 0, len(userIDs))
	for _, userID := range userIDs {
		params = append(params, userID)
	}

	var rows *sql.Rows
	var err error
	if txn != nil {
		rows, err = txn.QueryContext(ctx, query, params...)
	} else {
		rows, err = s.db.QueryContext(ctx, query, params...)
	}
	if err != nil {
		return nil, err
	}
	defer sqlutil.CloseAndLogIfError(rows, "selectUsersSharingRooms: rows.close() failed")

	result := make(map[string][]string, len(userIDs))
	for rows.Next() {
		var userID, otherID string
		if err = rows.Scan(&userID, &otherID); err != nil {
			return nil, err
		}
		result[userID] = append(result[userID], otherID)
	}
	return result, rows.Err()
}
