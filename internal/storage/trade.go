package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/navid-fn/dexmatch/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (s *gormStorage) RecordTrades(ctx context.Context, trades []*models.Trade) (int, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted = 0
		for _, t := range trades {
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(t)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			inserted++

			for _, id := range []uint64{t.BuyOrderID, t.SellOrderID} {
				if err := applyFill(tx, t, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("record trades: %w", err)
	}
	return inserted, nil
}

// applyFill reduces one side of a trade. Orders unknown to the projection
// are skipped; the next OrderCreated for them carries the on-chain state.
// So are orders whose on-chain snapshot already includes the trade.
func applyFill(tx *gorm.DB, t *models.Trade, orderID uint64) error {
	var order models.Order
	err := tx.Where("contract = ? AND order_id = ?", t.Contract, orderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !order.FillPending(t.BlockNumber) {
		return nil
	}
	order.Fill(t.Amount)
	return tx.Model(&order).Select("remaining", "active", "updated_at").Updates(&order).Error
}

func (s *gormStorage) LatestTrades(ctx context.Context, contract string, limit int) ([]*models.Trade, error) {
	var trades []*models.Trade
	err := s.db.WithContext(ctx).
		Where("contract = ?", contract).
		Order("block_number DESC, log_index DESC").
		Limit(limit).
		Find(&trades).Error
	if err != nil {
		return nil, fmt.Errorf("latest trades: %w", err)
	}
	return trades, nil
}

func (s *gormStorage) CountTrades(ctx context.Context, contract string) (int64, error) {
	var count int64
	query := s.db.WithContext(ctx).Model(&models.Trade{})
	if contract != "" {
		query = query.Where("contract = ?", contract)
	}
	if err := query.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count trades: %w", err)
	}
	return count, nil
}
