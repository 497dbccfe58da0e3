package db

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/pkg/strategy"
)

func newMockBidStore(t *testing.T) (*MySQLBidStore, sqlmock.Sqlmock, func()) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &MySQLBidStore{db: gormDB}, mock, func() { sqlDB.Close() }
}

func TestMySQLBidStore_RecordBid_Success(t *testing.T) {
	store, mock, closeFn := newMockBidStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `bid_records`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var commitment [32]byte
	commitment[0] = 0xab
	receipt := strategy.BidReceipt{Success: true, ExtrinsicHash: "0xdeadbeef", BlockHash: "0xblock"}

	err := store.RecordBid(context.Background(), commitment, filler.NewChainTag(1), receipt, nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLBidStore_RecordBid_StoresErrorText(t *testing.T) {
	store, mock, closeFn := newMockBidStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `bid_records`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	var commitment [32]byte
	receipt := strategy.BidReceipt{Success: false}

	err := store.RecordBid(context.Background(), commitment, filler.NewChainTag(2), receipt, errors.New("bundler rejected userop"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMySQLBidStore_CountBids(t *testing.T) {
	store, mock, closeFn := newMockBidStore(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"count"}).AddRow(3)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM `bid_records`").WillReturnRows(rows)

	count, err := store.CountBids()
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
