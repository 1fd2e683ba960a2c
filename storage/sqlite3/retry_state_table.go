// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/federation-sender/internal/sqlutil"
	"github.com/element-hq/federation-sender/types"
)

const retryStateSchema = `
CREATE TABLE IF NOT EXISTS federationsender_retry_state (
    server_name TEXT NOT NULL PRIMARY KEY,
    failure_count INTEGER NOT NULL DEFAULT 0,
    retry_until BIGINT NOT NULL DEFAULT 0,
    last_classification TEXT NOT NULL DEFAULT ''
);
`

const upsertRetryStateSQL = "" +
	"INSERT INTO federationsender_retry_state (server_name, failure_count, retry_until, last_classification)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (server_name) DO UPDATE SET failure_count = $2, retry_until = $3, last_classification = $4"

const selectRetryStateSQL = "" +
	"SELECT failure_count, retry_until, last_classification FROM federationsender_retry_state" +
	" WHERE server_name = $1"

const deleteRetryStateSQL = "" +
	"DELETE FROM federationsender_retry_state WHERE server_name = $1"

type retryStateStatements struct {
	db                   *sql.DB
	upsertRetryStateStmt *sql.Stmt
	selectRetryStateStmt *sql.Stmt
	deleteRetryStateStmt *sql.Stmt
}

func NewSQLiteRetryStateTable(db *sql.DB) (s *retryStateStatements, err error) {
	s = &retryStateStatements{
		db: db,
	}
	_, err = db.Exec(retryStateSchema)
	if err != nil {
		return
	}

	return s, sqlutil.StatementList{
		{&s.upsertRetryStateStmt, upsertRetryStateSQL},
		{&s.selectRetryStateStmt, selectRetryStateSQL},
		{&s.deleteRetryStateStmt, deleteRetryStateSQL},
	}.Prepare(db)
}

func (s *retryStateStatements) UpsertRetryState(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName, state types.RetryState,
) error {
	stmt := sqlutil.TxStmt(txn, s.upsertRetryStateStmt)
	_, err := stmt.ExecContext(ctx, serverName, state.FailureCount, state.RetryUntil, state.Classification)
	return err
}

func (s *retryStateStatements) SelectRetryState(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) (state types.RetryState, exists bool, err error) {
	stmt := sqlutil.TxStmt(txn, s.selectRetryStateStmt)
	err = stmt.QueryRowContext(ctx, serverName).Scan(&state.FailureCount, &state.RetryUntil, &state.Classification)
	if err == sql.ErrNoRows {
		return types.RetryState{}, false, nil
	}
	if err != nil {
		return types.RetryState{}, false, err
	}
	return state, true, nil
}

func (s *retryStateStatements) DeleteRetryState(
	ctx context.Context, txn *sql.Tx, serverName spec.ServerName,
) error {
	stmt := sqlutil.TxStmt(txn, s.deleteRetryStateStmt)
	_, err := stmt.ExecContext(ctx, serverName)
	return err
}
