package sqlutil

import (
	"database/sql"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
)

func TestExclusiveWriterCommitsOnSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO foo").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	w := NewExclusiveWriter()
	err = w.Do(db, nil, func(txn *sql.Tx) error {
		_, execErr := txn.Exec("INSERT INTO foo VALUES (?)", 1)
		return execErr
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExclusiveWriterRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	wantErr := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO foo").WillReturnError(wantErr)
	mock.ExpectRollback()

	w := NewExclusiveWriter()
	err = w.Do(db, nil, func(txn *sql.Tx) error {
		_, execErr := txn.Exec("INSERT INTO foo VALUES (?)", 1)
		return execErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExclusiveWriterNestedDoReusesOpenTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO foo").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	w := NewExclusiveWriter()
	err = WithTransaction(db, func(txn *sql.Tx) error {
		return w.Do(db, txn, func(inner *sql.Tx) error {
			_, execErr := inner.Exec("INSERT INTO foo VALUES (?)", 1)
			return execErr
		})
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
