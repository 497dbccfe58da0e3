// Package db persists bid attempts to MySQL via GORM, grounded on the
// teacher's MySQLRecorder (spec.md 3, "Bid record").
package db

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/duskrelay/intentfiller"
	"github.com/duskrelay/intentfiller/pkg/strategy"
)

// BidRecord is the database model for one bid attempt, successful or not.
type BidRecord struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	Commitment       string `gorm:"index;not null;type:varchar(66)"`
	DestinationChain string `gorm:"not null;type:varchar(32)"`
	ExtrinsicHash    string `gorm:"type:varchar(128)"`
	BlockHash        string `gorm:"type:varchar(128)"`
	Success          bool   `gorm:"not null"`
	Error            string `gorm:"type:text"`
	CreatedAt        int64  `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (BidRecord) TableName() string {
	return "bid_records"
}

// MySQLBidStore implements strategy.BidStore using GORM and MySQL.
type MySQLBidStore struct {
	db *gorm.DB
}

// NewMySQLBidStore opens dsn and migrates the bid_records table.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLBidStore(dsn string) (*MySQLBidStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect to mysql: %w", err)
	}
	if err := db.AutoMigrate(&BidRecord{}); err != nil {
		return nil, fmt.Errorf("db: migrate schema: %w", err)
	}
	return &MySQLBidStore{db: db}, nil
}

// NewMySQLBidStoreWithDB wraps an already-opened GORM DB, migrating the
// bid_records table if needed, for callers that open the DB themselves.
func NewMySQLBidStoreWithDB(db *gorm.DB) (*MySQLBidStore, error) {
	if err := db.AutoMigrate(&BidRecord{}); err != nil {
		return nil, fmt.Errorf("db: migrate schema: %w", err)
	}
	return &MySQLBidStore{db: db}, nil
}

// RecordBid implements strategy.BidStore: it persists one row per attempt,
// storing bidErr's text (if any) in the Error column. A failed write is
// returned as an error; the strategies that call it discard that error.
func (s *MySQLBidStore) RecordBid(ctx context.Context, commitment [32]byte, destination filler.ChainTag, receipt strategy.BidReceipt, bidErr error) error {
	errText := ""
	if bidErr != nil {
		errText = bidErr.Error()
	}
	record := BidRecord{
		Commitment:       common.Hash(commitment).Hex(),
		DestinationChain: destination.String(),
		ExtrinsicHash:    receipt.ExtrinsicHash,
		BlockHash:        receipt.BlockHash,
		Success:          receipt.Success,
		Error:            errText,
	}
	if result := s.db.WithContext(ctx).Create(&record); result.Error != nil {
		return fmt.Errorf("db: record bid: %w", result.Error)
	}
	return nil
}

// GetDB returns the underlying GORM DB instance for advanced queries.
func (s *MySQLBidStore) GetDB() *gorm.DB {
	return s.db
}

// Close closes the database connection.
func (s *MySQLBidStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("db: get underlying connection: %w", err)
	}
	return sqlDB.Close()
}

// BidsByCommitment retrieves every recorded attempt for a commitment,
// oldest first, useful when a bid was retried.
func (s *MySQLBidStore) BidsByCommitment(commitment [32]byte) ([]BidRecord, error) {
	var records []BidRecord
	result := s.db.Where("commitment = ?", common.Hash(commitment).Hex()).
		Order("created_at ASC").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("db: query bids by commitment: %w", result.Error)
	}
	return records, nil
}

// CountBids returns the total number of recorded bid attempts.
func (s *MySQLBidStore) CountBids() (int64, error) {
	var count int64
	result := s.db.Model(&BidRecord{}).Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("db: count bids: %w", result.Error)
	}
	return count, nil
}
