// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// StatementList prepares a batch of statements in one go, assigning each to
// its target pointer.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return fmt.Errorf("preparing %q: %w", statement.SQL, err)
		}
	}
	return nil
}

// TxStmt wraps a prepared statement in a transaction if one is supplied.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// transaction is implemented by *sql.Tx and exists so tests can fake one.
type transaction interface {
	Commit() error
	Rollback() error
}

// EndTransaction commits or rolls back depending on whether *succeeded was
// set. Intended for use with defer.
func EndTransaction(txn transaction, succeeded *bool) error {
	if *succeeded {
		return txn.Commit()
	}
	return txn.Rollback()
}

// WithTransaction runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func WithTransaction(db *sql.DB, fn func(txn *sql.Tx) error) (err error) {
	txn, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	succeeded := false
	defer func() {
		if endErr := EndTransaction(txn, &succeeded); endErr != nil && err == nil {
			err = endErr
		}
	}()
	if err = fn(txn); err != nil {
		return
	}
	succeeded = true
	return
}

// QueryVariadic returns a "($1, $2, ...)" style placeholder group for SQLite
// queries built with IN clauses, where the driver has no array support.
func QueryVariadic(count int) string {
	return QueryVariadicOffset(count, 0)
}

// QueryVariadicOffset is QueryVariadic starting numbering after the given
// number of earlier parameters.
func QueryVariadicOffset(count, offset int) string {
	str := "("
	for i := 0; i < count; i++ {
		if i > 0 {
			str += ", "
		}
		str += fmt.Sprintf("$%d", i+offset+1)
	}
	return str + ")"
}

// CloseAndLogIfError closes the closer and logs failures rather than
// propagating them; used on deferred rows.Close.
func CloseAndLogIfError(closer interface{ Close() error }, message string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		log.WithError(err).Error(message)
	}
}

// IsUniqueConstraintViolationErr spots duplicate-key failures from either
// engine without importing driver error types everywhere.
func IsUniqueConstraintViolationErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
