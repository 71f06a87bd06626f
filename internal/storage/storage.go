// Package storage provides the authoritative persistence for order
// projections, trades and exchange registrations.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("record not found")

// Storage defines the persistence operations the pipeline depends on.
// Implementations must be safe for concurrent use.
type Storage interface {
	// UpsertOrder inserts the order or merges it into the stored projection
	// and returns the stored row.
	UpsertOrder(ctx context.Context, order *models.Order) (*models.Order, error)

	GetOrder(ctx context.Context, contract string, orderID uint64) (*models.Order, error)

	// CounterOrders returns active, crossing orders on the opposite side,
	// best price first, then earliest creation.
	CounterOrders(ctx context.Context, order *models.Order, limit int) ([]*models.Order, error)

	DeactivateOrder(ctx context.Context, contract string, orderID uint64) error

	// RecordTrades inserts trades and applies their fills in one
	// transaction. Trades already recorded are skipped along with their
	// fills. It returns how many trades were new.
	RecordTrades(ctx context.Context, trades []*models.Trade) (int, error)

	// LatestTrades returns the contract's most recent trades, newest first.
	LatestTrades(ctx context.Context, contract string, limit int) ([]*models.Trade, error)

	// CountTrades counts recorded trades. An empty contract counts all of them.
	CountTrades(ctx context.Context, contract string) (int64, error)

	// ListActiveExchanges returns active registrations joined with their
	// trading pair.
	ListActiveExchanges(ctx context.Context) ([]*models.Exchange, error)

	OperatorKey(ctx context.Context, contract string) (*models.OperatorKey, error)
	SecurityPolicy(ctx context.Context) (*models.SecurityPolicy, error)

	Ping(ctx context.Context) error
	Close() error
}

// gormStorage implements Storage on top of gorm.
type gormStorage struct {
	db *gorm.DB
}

// NewPostgresStorage opens a Postgres connection and verifies it with a ping.
// Returns an error if the connection cannot be established within 5 seconds.
func NewPostgresStorage(dsn string, log logrus.FieldLogger) (Storage, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	s := &gormStorage{db: db}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Info("Connected to Postgres")
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) Storage {
	return &gormStorage{db: db}
}

// AutoMigrate creates or updates the tables this module reads and writes.
// Production schemas are owned elsewhere; this serves local setups and tests.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.TradingPair{},
		&models.Exchange{},
		&models.OperatorKey{},
		&models.SecurityPolicy{},
		&models.Order{},
		&models.Trade{},
	)
}

func (s *gormStorage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *gormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
