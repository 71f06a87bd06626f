package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/navid-fn/dexmatch/internal/models"
	"gorm.io/gorm"
)

// UpsertOrder merges an incoming snapshot into the stored projection.
// A stored projection never grows back: the merged remaining is the smaller
// of the two and an order stays inactive once deactivated. The matching
// engine is the only writer for a contract, so no row lock is taken.
// The snapshot block only moves forward.
func (s *gormStorage) UpsertOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}

	var stored models.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("contract = ? AND order_id = ?", order.Contract, order.OrderID).First(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			stored = *order
			stored.ID = 0
			if !stored.Remaining.IsPositive() {
				stored.Active = false
			}
			return tx.Create(&stored).Error
		}
		if err != nil {
			return err
		}

		if order.Remaining.LessThan(stored.Remaining) {
			stored.Remaining = order.Remaining
		}
		stored.Active = stored.Active && order.Active && stored.Remaining.IsPositive()
		stored.SnapshotBlock = max(stored.SnapshotBlock, order.SnapshotBlock)
		if stored.CreatedBlock == 0 {
			stored.CreatedBlock = order.CreatedBlock
			stored.CreatedTx = order.CreatedTx
			stored.CreatedLogIndex = order.CreatedLogIndex
		}

		return tx.Model(&stored).Select("remaining", "active", "snapshot_block", "created_block", "created_tx", "created_log_index", "updated_at").
			Updates(&stored).Error
	})
	if err != nil {
		return nil, fmt.Errorf("upsert order %s: %w", order.Key(), err)
	}
	return &stored, nil
}

func (s *gormStorage) GetOrder(ctx context.Context, contract string, orderID uint64) (*models.Order, error) {
	var order models.Order
	err := s.db.WithContext(ctx).
		Where("contract = ? AND order_id = ?", contract, orderID).
		First(&order).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (s *gormStorage) CounterOrders(ctx context.Context, order *models.Order, limit int) ([]*models.Order, error) {
	q := s.db.WithContext(ctx).
		Where("contract = ? AND side = ? AND active = ? AND remaining > 0 AND order_id <> ?",
			order.Contract, order.Side.Opposite(), true, order.OrderID)

	if order.IsBuy() {
		q = q.Where("price <= ?", order.Price).Order("price ASC")
	} else {
		q = q.Where("price >= ?", order.Price).Order("price DESC")
	}

	var counters []*models.Order
	err := q.Order("created_block ASC").Order("created_log_index ASC").Order("order_id ASC").
		Limit(limit).
		Find(&counters).Error
	if err != nil {
		return nil, fmt.Errorf("counter orders for %s: %w", order.Key(), err)
	}
	return counters, nil
}

func (s *gormStorage) DeactivateOrder(ctx context.Context, contract string, orderID uint64) error {
	return s.db.WithContext(ctx).Model(&models.Order{}).
		Where("contract = ? AND order_id = ?", contract, orderID).
		Update("active", false).Error
}
