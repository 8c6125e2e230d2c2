// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/sqlutil"
	"github.com/matrixhs/homeserver/userapi/api"
	"github.com/matrixhs/homeserver/userapi/storage/tables"
)

const devicesSchema = `
CREATE TABLE IF NOT EXISTS userapi_devices (
	device_id TEXT NOT NULL,
	localpart TEXT NOT NULL,
	server_name TEXT NOT NULL,
	display_name TEXT,
	created_ts BIGINT NOT NULL,
	last_seen_ts BIGINT NOT NULL,
	PRIMARY KEY (localpart, server_name, device_id)
);
`

const insertDeviceSQL = "" +
	"INSERT INTO userapi_devices (device_id, localpart, server_name, display_name, created_ts, last_seen_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $5)"

const selectDeviceByIDSQL = "" +
	"SELECT device_id, display_name, created_ts, last_seen_ts FROM userapi_devices" +
	" WHERE localpart = $1 AND server_name = $2 AND device_id = $3"

const selectDevicesByLocalpartSQL = "" +
	"SELECT device_id, display_name, created_ts, last_seen_ts FROM userapi_devices" +
	" WHERE localpart = $1 AND server_name = $2 ORDER BY created_ts ASC"

const deleteAllDevicesSQL = "" +
	"DELETE FROM userapi_devices WHERE localpart = $1 AND server_name = $2" +
	" RETURNING device_id, display_name, created_ts, last_seen_ts"

const updateDeviceNameSQL = "" +
	"UPDATE userapi_devices SET display_name = $1 WHERE localpart = $2 AND server_name = $3 AND device_id = $4"

const updateDeviceLastSeenSQL = "" +
	"UPDATE userapi_devices SET last_seen_ts = $1 WHERE localpart = $2 AND server_name = $3 AND device_id = $4"

type devicesStatements struct {
	db                           *sql.DB
	insertDeviceStmt             *sql.Stmt
	selectDeviceByIDStmt         *sql.Stmt
	selectDevicesByLocalpartStmt *sql.Stmt
	deleteAllDevicesStmt         *sql.Stmt
	updateDeviceNameStmt         *sql.Stmt
	updateDeviceLastSeenStmt     *sql.Stmt
}

func CreateDevicesTable(db *sql.DB) error {
	_, err := db.Exec(devicesSchema)
	return err
}

func PrepareDevicesTable(db *sql.DB) (tables.Devices, error) {
	s := &devicesStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertDeviceStmt, insertDeviceSQL},
		{&s.selectDeviceByIDStmt, selectDeviceByIDSQL},
		{&s.selectDevicesByLocalpartStmt, selectDevicesByLocalpartSQL},
		{&s.deleteAllDevicesStmt, deleteAllDevicesSQL},
		{&s.updateDeviceNameStmt, updateDeviceNameSQL},
		{&s.updateDeviceLastSeenStmt, updateDeviceLastSeenSQL},
	}.Prepare(db)
}

func (s *devicesStatements) InsertDevice(
	ctx context.Context, txn *sql.Tx, id, localpart string, serverName spec.ServerName,
	displayName string, createdTS spec.Timestamp,
) (*api.Device, error) {
	stmt := sqlutil.TxStmt(txn, s.insertDeviceStmt)
	if _, err := stmt.ExecContext(ctx, id, localpart, serverName, displayName, createdTS); err != nil {
		return nil, err
	}
	return &api.Device{
		ID:          id,
		UserID:      userIDFor(localpart, serverName),
		DisplayName: displayName,
		CreatedTS:   createdTS,
		LastSeenTS:  createdTS,
	}, nil
}

func (s *devicesStatements) SelectDeviceByID(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string,
) (*api.Device, error) {
	var dev api.Device
	var displayName sql.NullString
	stmt := sqlutil.TxStmt(txn, s.selectDeviceByIDStmt)
	err := stmt.QueryRowContext(ctx, localpart, serverName, deviceID).Scan(
		&dev.ID, &displayName, &dev.CreatedTS, &dev.LastSeenTS,
	)
	if err != nil {
		return nil, err
	}
	dev.UserID = userIDFor(localpart, serverName)
	dev.DisplayName = displayName.String
	return &dev, nil
}

func (s *devicesStatements) SelectDevicesByLocalpart(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName,
) ([]api.Device, error) {
	stmt := sqlutil.TxStmt(txn, s.selectDevicesByLocalpartStmt)
	rows, err := stmt.QueryContext(ctx, localpart, serverName)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectDevicesByLocalpart: rows.close() failed")
	return scanDevices(rows, localpart, serverName)
}

func (s *devicesStatements) DeleteDevices(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceIDs []string,
) error {
	if len(deviceIDs) == 0 {
		return nil
	}
	// Variadic IN clauses can't be prepared ahead of time.
	query := "DELETE FROM userapi_devices WHERE localpart = $1 AND server_name = $2 AND device_id IN ($3" +
		strings.Repeat(", ?", len(deviceIDs)-1) + ")"
	args := make([]interface{}, 0, len(deviceIDs)+2)
	args = append(args, localpart, serverName)
	for _, id := range deviceIDs {
		args = append(args, id)
	}
	var err error
	if txn != nil {
		_, err = txn.ExecContext(ctx, query, args...)
	} else {
		_, err = s.db.ExecContext(ctx, query, args...)
	}
	return err
}

func (s *devicesStatements) DeleteAllDevices(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName,
) ([]api.Device, error) {
	stmt := sqlutil.TxStmt(txn, s.deleteAllDevicesStmt)
	rows, err := stmt.QueryContext(ctx, localpart, serverName)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "DeleteAllDevices: rows.close() failed")
	return scanDevices(rows, localpart, serverName)
}

func (s *devicesStatements) UpdateDeviceName(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID, displayName string,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateDeviceNameStmt)
	_, err := stmt.ExecContext(ctx, displayName, localpart, serverName, deviceID)
	return err
}

func (s *devicesStatements) UpdateDeviceLastSeen(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string, ts spec.Timestamp,
) error {
	stmt := sqlutil.TxStmt(txn, s.updateDeviceLastSeenStmt)
	_, err := stmt.ExecContext(ctx, ts, localpart, serverName, deviceID)
	return err
}

func scanDevices(rows *sql.Rows, localpart string, serverName spec.ServerName) ([]api.Device, error) {
	var devices []api.Device
	for rows.Next() {
		var dev api.Device
		var displayName sql.NullString
		if err := rows.Scan(&dev.ID, &displayName, &dev.CreatedTS, &dev.LastSeenTS); err != nil {
			return nil, err
		}
		dev.UserID = userIDFor(localpart, serverName)
		dev.DisplayName = displayName.String
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}
