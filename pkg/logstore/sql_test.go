package logstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-durable/pkg/oplog"
)

func TestSQLLayer_AppendBatchPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	layer := NewSQLLayer(db, DialectPostgres)
	w := oplog.WorkerID{ComponentID: "cart", WorkerName: "user-1"}
	records := sampleRecords(t, 0, 2)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO oplog_workers \(worker, boundary\) VALUES \(\$1, 0\)`).
		WithArgs("cart/user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	for _, r := range records {
		mock.ExpectExec(`INSERT INTO oplog_entries \(worker, idx, ts, entry\) VALUES \(\$1, \$2, \$3, \$4\)`).
			WithArgs("cart/user-1", int64(r.Index), r.Timestamp.UnixNano(), r.Data).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, layer.AppendBatch(context.Background(), w, records))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLayer_AppendBatchRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	layer := NewSQLLayer(db, DialectSQLite)
	w := oplog.WorkerID{ComponentID: "cart", WorkerName: "user-1"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO oplog_workers").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO oplog_entries").WillReturnError(errors.New("UNIQUE constraint failed"))
	mock.ExpectRollback()

	err = layer.AppendBatch(context.Background(), w, sampleRecords(t, 0, 1))
	require.Error(t, err)
	require.False(t, oplog.IsTransient(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLayer_BoundaryDefaultsToInitial(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	layer := NewSQLLayer(db, DialectPostgres)
	mock.ExpectQuery(`SELECT boundary FROM oplog_workers WHERE worker = \$1`).
		WithArgs("cart/none").
		WillReturnRows(sqlmock.NewRows([]string{"boundary"}))

	b, err := layer.Boundary(context.Background(), oplog.WorkerID{ComponentID: "cart", WorkerName: "none"})
	require.NoError(t, err)
	require.Equal(t, oplog.InitialIndex, b)
}

func TestSQLLayer_ReadScansRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	layer := NewSQLLayer(db, DialectPostgres)
	recs := sampleRecords(t, 3, 2)
	rows := sqlmock.NewRows([]string{"idx", "ts", "entry"})
	for _, r := range recs {
		rows.AddRow(int64(r.Index), r.Timestamp.UnixNano(), r.Data)
	}
	mock.ExpectQuery(`SELECT idx, ts, entry FROM oplog_entries WHERE worker = \$1 AND idx >= \$2 ORDER BY idx LIMIT \$3`).
		WithArgs("cart/user-1", int64(3), 2).
		WillReturnRows(rows)

	got, err := layer.Read(context.Background(), oplog.WorkerID{ComponentID: "cart", WorkerName: "user-1"}, 3, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, oplog.Index(4), got[1].Index)
	require.True(t, got[1].Timestamp.Equal(recs[1].Timestamp))
}

func TestSQLLayer_ClassifiesTransientErrors(t *testing.T) {
	layer := NewSQLLayer(nil, DialectPostgres)

	require.True(t, oplog.IsTransient(layer.classify("append", driver.ErrBadConn)))
	require.True(t, oplog.IsTransient(layer.classify("append", &pq.Error{Code: "40001"})))
	require.True(t, oplog.IsTransient(layer.classify("append", &pq.Error{Code: "08006"})))
	require.False(t, oplog.IsTransient(layer.classify("append", &pq.Error{Code: "23505"})))
	require.Nil(t, layer.classify("append", nil))
}

func TestSQLLayer_Rebind(t *testing.T) {
	pg := NewSQLLayer(nil, DialectPostgres)
	require.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := NewSQLLayer(nil, DialectSQLite)
	require.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}
