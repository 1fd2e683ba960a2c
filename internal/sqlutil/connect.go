// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ConnectionString is a database connection string: file:... for SQLite,
// postgres:// or postgresql:// for PostgreSQL.
type ConnectionString string

func (s ConnectionString) IsSQLite() bool {
	return strings.HasPrefix(string(s), "file:")
}

func (s ConnectionString) IsPostgres() bool {
	return strings.HasPrefix(string(s), "postgres://") ||
		strings.HasPrefix(string(s), "postgresql://")
}

// DatabaseOptions configures one database connection pool.
type DatabaseOptions struct {
	ConnectionString   ConnectionString `yaml:"connection_string"`
	MaxOpenConnections int              `yaml:"max_open_conns"`
	MaxIdleConnections int              `yaml:"max_idle_conns"`
	ConnMaxLifetime    time.Duration    `yaml:"conn_max_lifetime"`
}

func (o *DatabaseOptions) Defaults(conns int) {
	if o.MaxOpenConnections == 0 {
		o.MaxOpenConnections = conns
	}
	if o.MaxIdleConnections == 0 {
		o.MaxIdleConnections = 2
	}
	if o.ConnMaxLifetime == 0 {
		o.ConnMaxLifetime = -1
	}
}

// Open connects the right driver for the connection string and applies the
// pool limits. SQLite is clamped to a single connection: the driver does not
// tolerate concurrent writers.
func Open(options *DatabaseOptions) (*sql.DB, error) {
	var driverName, dsn string
	switch {
	case options.ConnectionString.IsSQLite():
		driverName = "sqlite3"
		dsn = strings.TrimPrefix(string(options.ConnectionString), "file:")
	case options.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(options.ConnectionString)
	default:
		return nil, fmt.Errorf("unexpected database type in connection string %q", options.ConnectionString)
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(options.MaxOpenConnections)
		db.SetMaxIdleConns(options.MaxIdleConnections)
		db.SetConnMaxLifetime(options.ConnMaxLifetime)
	}
	return db, nil
}
