package storage

import (
	"context"
	"fmt"

	"github.com/navid-fn/dexmatch/internal/models"
)

func (s *gormStorage) ListActiveExchanges(ctx context.Context) ([]*models.Exchange, error) {
	var exchanges []*models.Exchange
	err := s.db.WithContext(ctx).
		Joins("TradingPair").
		Where("exchanges.active = ?", true).
		Order("exchanges.id ASC").
		Find(&exchanges).Error
	if err != nil {
		return nil, fmt.Errorf("list active exchanges: %w", err)
	}
	return exchanges, nil
}

func (s *gormStorage) OperatorKey(ctx context.Context, contract string) (*models.OperatorKey, error) {
	var key models.OperatorKey
	err := s.db.WithContext(ctx).
		Where("contract = ? AND active = ?", contract, true).
		First(&key).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &key, nil
}

// SecurityPolicy returns the most recent policy row.
func (s *gormStorage) SecurityPolicy(ctx context.Context) (*models.SecurityPolicy, error) {
	var policy models.SecurityPolicy
	err := s.db.WithContext(ctx).Order("id DESC").First(&policy).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &policy, nil
}
