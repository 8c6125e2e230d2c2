// Copyright 2024 New Vector Ltd.
// Copyright 2019, 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrixhs/homeserver/federationapi/storage/tables"
	"github.com/matrixhs/homeserver/internal"
	"github.com/matrixhs/homeserver/internal/sqlutil"
)

const queuePDUsSchema = `
CREATE TABLE IF NOT EXISTS federationsender_queue_pdus (
	-- Insertion order gives FIFO per destination.
	pdu_nid INTEGER PRIMARY KEY AUTOINCREMENT,
	server_name TEXT NOT NULL,
	-- The full event JSON. Text so that we preserve UTF-8.
	json_body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS federationsender_queue_pdus_server_name_idx
    ON federationsender_queue_pdus (server_name);
`

const insertQueuePDUSQL = "" +
	"INSERT INTO federationsender_queue_pdus (server_name, json_body)" +
	" VALUES ($1, $2)"

const selectQueuePDUsSQL = "" +
	"SELECT pdu_nid, json_body FROM federationsender_queue_pdus" +
	" WHERE server_name = $1" +
	" ORDER BY pdu_nid ASC" +
	" LIMIT $2"

const selectQueuePDUCountSQL = "" +
	"SELECT COUNT(*) FROM federationsender_queue_pdus WHERE server_name = $1"

const selectQueueServerNamesSQL = "" +
	"SELECT DISTINCT server_name FROM federationsender_queue_pdus"

type queueStatements struct {
	db                         *sql.DB
	insertQueuePDUStmt         *sql.Stmt
	selectQueuePDUsStmt        *sql.Stmt
	selectQueuePDUCountStmt    *sql.Stmt
	selectQueueServerNamesStmt *sql.Stmt
	// deleteQueuePDUsStmt is prepared at runtime due to the variadic IN
}

func CreateQueueTable(db *sql.DB) error {
	_, err := db.Exec(queuePDUsSchema)
	return err
}

func PrepareQueueTable(db *sql.DB) (tables.Queue, error) {
	s := &queueStatements{db: db}
	return s, sqlutil.StatementList{
		{&s.insertQueuePDUStmt, insertQueuePDUSQL},
		{&s.selectQueuePDUsStmt, selectQueuePDUsSQL},
		{&s.selectQueuePDUCountStmt, selectQueuePDUCountSQL},
		{&s.selectQueueServerNamesStmt, selectQueueServerNamesSQL},
	}.Prepare(db)
}

func (s *queueStatements) InsertQueuePDU(
	ctx context.Context, txn *sql.Tx, destination spec.ServerName, eventJSON []byte,
) error {
	stmt := sqlutil.TxStmt(txn, s.insertQueuePDUStmt)
	_, err := stmt.ExecContext(ctx, destination, string(eventJSON))
	return err
}

func (s *queueStatements) SelectQueuePDUs(
	ctx context.Context, txn *sql.Tx, destination spec.ServerName, limit int,
) ([]tables.QueuedPDU, error) {
	stmt := sqlutil.TxStmt(txn, s.selectQueuePDUsStmt)
	rows, err := stmt.QueryContext(ctx, destination, limit)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectQueuePDUs: rows.close() failed")

	var out []tables.QueuedPDU
	for rows.Next() {
		var pdu tables.QueuedPDU
		var jsonBody string
		if err := rows.Scan(&pdu.NID, &jsonBody); err != nil {
			return nil, err
		}
		pdu.Destination = destination
		pdu.EventJSON = []byte(jsonBody)
		out = append(out, pdu)
	}
	return out, rows.Err()
}

func (s *queueStatements) DeleteQueuePDUs(
	ctx context.Context, txn *sql.Tx, destination spec.ServerName, nids []int64,
) error {
	if len(nids) == 0 {
		return nil
	}
	query := "DELETE FROM federationsender_queue_pdus WHERE server_name = $1 AND pdu_nid IN ($2" +
		strings.Repeat(", ?", len(nids)-1) + ")"
	args := make([]interface{}, 0, len(nids)+1)
	args = append(args, destination)
	for _, nid := range nids {
		args = append(args, nid)
	}
	var err error
	if txn != nil {
		_, err = txn.ExecContext(ctx, query, args...)
	} else {
		_, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("DeleteQueuePDUs: %w", err)
	}
	return nil
}

func (s *queueStatements) SelectQueuePDUCount(
	ctx context.Context, txn *sql.Tx, destination spec.ServerName,
) (int64, error) {
	var count int64
	stmt := sqlutil.TxStmt(txn, s.selectQueuePDUCountStmt)
	err := stmt.QueryRowContext(ctx, destination).Scan(&count)
	return count, err
}

func (s *queueStatements) SelectQueueServerNames(
	ctx context.Context, txn *sql.Tx,
) ([]spec.ServerName, error) {
	stmt := sqlutil.TxStmt(txn, s.selectQueueServerNamesStmt)
	rows, err := stmt.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectQueueServerNames: rows.close() failed")

	var names []spec.ServerName
	for rows.Next() {
		var name spec.ServerName
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
