// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/federation-sender/internal/sqlutil"
)

const streamPositionSchema = `
CREATE TABLE IF NOT EXISTS federation_stream_position (
    type TEXT NOT NULL PRIMARY KEY,
    stream_id BIGINT NOT NULL
);
INSERT OR IGNORE INTO federation_stream_position (type, stream_id) VALUES ('events', -1);
`

const selectStreamPositionSQL = "" +
	"SELECT stream_id FROM federation_stream_position WHERE type = $1"

const upsertStreamPositionSQL = "" +
	"INSERT INTO federation_stream_position (type, stream_id) VALUES ($1, $2)" +
	" ON CONFLICT (type) DO UPDATE SET stream_id = $2" +
	" WHERE federation_stream_position.stream_id < $2"

type streamPositionStatements struct {
	db                       *sql.DB
	selectStreamPositionStmt *sql.Stmt
	upsertStreamPositionStmt *sql.Stmt
}

func NewSQLiteStreamPositionTable(db *sql.DB) (s *streamPositionStatements, err error) {
	s = &streamPositionStatements{
		db: db,
	}
	_, err = db.Exec(streamPositionSchema)
	if err != nil {
		return
	}

	return s, sqlutil.StatementList{
		{&s.selectStreamPositionStmt, selectStreamPositionSQL},
		{&s.upsertStreamPositionStmt, upsertStreamPositionSQL},
	}.Prepare(db)
}

func (s *streamPositionStatements) SelectStreamPosition(
	ctx context.Context, txn *sql.Tx, streamType string,
) (pos int64, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectStreamPositionStmt)
	err = stmt.QueryRowContext(ctx, streamType).Scan(&pos)
	return
}

func (s *streamPositionStatements) UpsertStreamPosition(
	ctx context.Context, txn *sql.Tx, streamType string, pos int64,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertStreamPositionStmt)
	_, err := stmt.ExecContext(ctx, streamType, pos)
	return err
}
