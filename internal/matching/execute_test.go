package matching

import (
	"testing"

	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestSelectBatchAndIDs(t *testing.T) {
	order := func(id uint64, side models.Side, remaining, price int64) *models.Order {
		return &models.Order{
			OrderID:   id,
			Side:      side,
			Amount:    decimal.NewFromInt(remaining),
			Remaining: decimal.NewFromInt(remaining),
			Price:     decimal.NewFromInt(price),
			Active:    true,
		}
	}

	sell := order(9, models.SideSell, 50, 40)
	counters := []*models.Order{
		order(1, models.SideBuy, 20, 45),
		order(2, models.SideBuy, 20, 44),
		order(3, models.SideBuy, 20, 43),
		order(4, models.SideBuy, 20, 42),
	}

	batch := selectBatch(sell, counters)
	assert.Len(t, batch, 3, "stops once the new order is covered")
	assert.Equal(t, []uint64{1, 2, 3, 9}, matchIDs(sell, batch), "buy side first")

	buy := order(10, models.SideBuy, 10, 30)
	assert.Empty(t, selectBatch(buy, []*models.Order{order(5, models.SideSell, 10, 31)}), "no cross")
	assert.Equal(t, []uint64{10, 5}, matchIDs(buy, []*models.Order{order(5, models.SideSell, 10, 29)}))
}
