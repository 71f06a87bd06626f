package matching

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/navid-fn/dexmatch/internal/cache"
	"github.com/navid-fn/dexmatch/internal/chain"
	"github.com/navid-fn/dexmatch/internal/models"
	"github.com/navid-fn/dexmatch/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// pendingMatch is cached while a match waits for the gas price to drop.
type pendingMatch struct {
	OrderID    uint64    `json:"order_id"`
	GasPrice   string    `json:"gas_price"`
	Ceiling    string    `json:"ceiling"`
	DeferredAt time.Time `json:"deferred_at"`
}

func (e *Engine) processNewOrder(ctx context.Context, order *models.Order) error {
	e.setState(StateProcessing)

	stored, err := e.store.UpsertOrder(ctx, order)
	if err != nil {
		return err
	}
	if !stored.Fillable() {
		e.logger.Debugf("Order %d is not fillable, skipping", stored.OrderID)
		return nil
	}
	return e.match(ctx, stored, e.cfg.GasLimit, 0)
}

// rematch reloads the order so a deferred or retried match runs at most
// once: an order consumed in the meantime is no longer fillable.
func (e *Engine) rematch(ctx context.Context, orderID uint64, gasLimit uint64, attempt int) error {
	e.setState(StateProcessing)

	order, err := e.store.GetOrder(ctx, e.contract, orderID)
	if err != nil {
		return fmt.Errorf("load order %d: %w", orderID, err)
	}
	if !order.Fillable() {
		e.clearPending(ctx, orderID)
		return nil
	}
	return e.match(ctx, order, gasLimit, attempt)
}

func (e *Engine) match(ctx context.Context, order *models.Order, gasLimit uint64, attempt int) error {
	if _, ok := e.deferred[order.OrderID]; ok {
		e.logger.Debugf("Order %d waits for its gas recheck", order.OrderID)
		return nil
	}

	counters, err := e.store.CounterOrders(ctx, order, e.cfg.MaxBatch-1)
	if err != nil {
		return err
	}

	batch := selectBatch(order, counters)
	if len(batch) == 0 {
		e.rest(ctx, order)
		e.metrics.observe(outcome{}, e.now())
		return nil
	}

	e.setState(StateMatchFound)
	out, err := e.execute(ctx, order, batch, gasLimit, attempt)
	e.metrics.observe(out, e.now())
	return err
}

// selectBatch takes counter-orders in priority order until the new
// order's remaining amount is covered.
func selectBatch(order *models.Order, counters []*models.Order) []*models.Order {
	var (
		batch   []*models.Order
		covered = decimal.Zero
	)
	for _, c := range counters {
		if !c.Fillable() || !order.Crosses(c) {
			continue
		}
		batch = append(batch, c)
		covered = covered.Add(c.Remaining)
		if covered.GreaterThanOrEqual(order.Remaining) {
			break
		}
	}
	return batch
}

// matchIDs lists buy orders first, then sell orders, each side in
// priority order.
func matchIDs(order *models.Order, batch []*models.Order) []uint64 {
	ids := make([]uint64, 0, len(batch)+1)
	if order.IsBuy() {
		ids = append(ids, order.OrderID)
	}
	for _, c := range batch {
		ids = append(ids, c.OrderID)
	}
	if !order.IsBuy() {
		ids = append(ids, order.OrderID)
	}
	return ids
}

func (e *Engine) execute(ctx context.Context, order *models.Order, batch []*models.Order, gasLimit uint64, attempt int) (outcome, error) {
	var out outcome
	ids := matchIDs(order, batch)
	log := e.logger.WithFields(logrus.Fields{
		"order_id":  order.OrderID,
		"order_ids": ids,
		"gas_limit": gasLimit,
		"attempt":   attempt,
	})

	client, endpoint, err := e.clients.Next(ctx)
	if err != nil {
		return out, e.handleFailure(ctx, log, order, gasLimit, attempt, err)
	}
	log = log.WithField("endpoint", endpoint)

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return out, e.handleFailure(ctx, log, order, gasLimit, attempt, fmt.Errorf("gas price: %w", err))
	}
	if e.cfg.GasPriceCeiling != nil && gasPrice.Cmp(e.cfg.GasPriceCeiling) > 0 {
		e.deferMatch(ctx, log, order, gasPrice, gasLimit, attempt)
		return out, nil
	}

	data, err := e.binding.PackMatchOrders(ids)
	if err != nil {
		return out, err
	}

	e.setState(StateExecuting)
	out.attempts = 1
	started := e.now()

	var receipt *types.Receipt
	tx, err := e.transactor.Send(ctx, client, e.binding.Address(), data, gasLimit, gasPrice)
	if err == nil {
		log = log.WithField("tx", tx.Hash().Hex())
		log.Info("Match transaction submitted")
		receipt, err = chain.WaitMined(ctx, client, tx, e.cfg.ReceiptPollInterval, e.cfg.ReceiptTimeout)
	}
	if err != nil {
		e.setState(StateFailed)
		out.failures = 1
		return out, e.handleFailure(ctx, log, order, gasLimit, attempt, err)
	}

	out.latency = e.now().Sub(started)
	e.setState(StateConfirmed)
	if err := e.confirm(ctx, log, order, batch, receipt); err != nil {
		return out, err
	}
	out.successes = 1
	return out, nil
}

// handleFailure decides between a gas bump, one delayed retry and giving
// up. Giving up leaves every order active.
func (e *Engine) handleFailure(ctx context.Context, log logrus.FieldLogger, order *models.Order, gasLimit uint64, attempt int, err error) error {
	if ctx.Err() != nil {
		return err
	}

	switch {
	case chain.IsGasError(err):
		if gasLimit >= e.cfg.GasLimitMax {
			log.Errorf("Match failed at the gas limit cap: %v", err)
			e.raise(ctx, models.AlertMatchReverted, models.SeverityCritical, order, map[string]any{
				"reason":    "gas limit cap reached",
				"gas_limit": gasLimit,
				"error":     err.Error(),
			})
			e.clearPending(ctx, order.OrderID)
			return nil
		}
		next := e.bumpGas(gasLimit)
		log.Warnf("Gas failure, retrying with gas limit %d in %v: %v", next, e.cfg.RetryDelay, err)
		e.scheduleRetry(e.cfg.RetryDelay, command{kind: cmdRetry, orderID: order.OrderID, gasLimit: next, attempt: attempt})
		return nil

	case chain.IsTransient(err) && attempt == 0:
		log.Warnf("Transient failure, retrying once in %v: %v", e.cfg.RetryDelay, err)
		e.scheduleRetry(e.cfg.RetryDelay, command{kind: cmdRetry, orderID: order.OrderID, gasLimit: gasLimit, attempt: attempt + 1})
		return nil
	}

	var revert *chain.RevertError
	if errors.As(err, &revert) {
		log = log.WithFields(logrus.Fields{"gas_used": revert.GasUsed, "tx": revert.TxHash.Hex()})
	}
	log.Errorf("Match failed, orders stay active: %v", err)
	e.raise(ctx, models.AlertMatchReverted, models.SeverityWarning, order, map[string]any{
		"error": err.Error(),
	})
	e.clearPending(ctx, order.OrderID)
	return nil
}

func (e *Engine) bumpGas(limit uint64) uint64 {
	next := uint64(float64(limit) * e.cfg.GasBumpFactor)
	if next <= limit || next > e.cfg.GasLimitMax {
		next = e.cfg.GasLimitMax
	}
	return next
}

func (e *Engine) deferMatch(ctx context.Context, log logrus.FieldLogger, order *models.Order, gasPrice *big.Int, gasLimit uint64, attempt int) {
	log.Infof("Gas price %s above ceiling %s, deferring for %v", gasPrice, e.cfg.GasPriceCeiling, e.cfg.GasRecheckDelay)

	pending := pendingMatch{
		OrderID:    order.OrderID,
		GasPrice:   gasPrice.String(),
		Ceiling:    e.cfg.GasPriceCeiling.String(),
		DeferredAt: e.now().UTC(),
	}
	if err := e.cache.SetJSON(ctx, e.contract, cache.KindPending, orderKey(order.OrderID), pending, 0); err != nil {
		log.Warnf("Cache pending marker: %v", err)
	}
	e.raise(ctx, models.AlertMatchDeferred, models.SeverityInfo, order, map[string]any{
		"gas_price": pending.GasPrice,
		"ceiling":   pending.Ceiling,
	})
	e.deferred[order.OrderID] = struct{}{}
	e.scheduleRetry(e.cfg.GasRecheckDelay, command{kind: cmdRetry, orderID: order.OrderID, gasLimit: gasLimit, attempt: attempt, recheck: true})
}

// confirm records one trade per OrdersMatched log and invalidates the
// cached snapshots of every order in the match.
func (e *Engine) confirm(ctx context.Context, log logrus.FieldLogger, order *models.Order, batch []*models.Order, receipt *types.Receipt) error {
	raws, matched, err := e.binding.MatchedLogs(receipt)
	if err != nil {
		return fmt.Errorf("decode receipt: %w", err)
	}

	traders := map[uint64]string{order.OrderID: order.Trader}
	for _, c := range batch {
		traders[c.OrderID] = c.Trader
	}

	trades := make([]*models.Trade, 0, len(matched))
	for i, m := range matched {
		buyID, sellID := m.BuyOrderID.Uint64(), m.SellOrderID.Uint64()
		trades = append(trades, &models.Trade{
			Contract:    e.contract,
			BuyOrderID:  buyID,
			SellOrderID: sellID,
			Amount:      decimal.NewFromBigInt(m.Amount, 0),
			Price:       decimal.NewFromBigInt(m.Price, 0),
			Buyer:       traders[buyID],
			Seller:      traders[sellID],
			TxHash:      receipt.TxHash.Hex(),
			LogIndex:    raws[i].Index,
			BlockNumber: raws[i].BlockNumber,
		})
	}

	inserted, err := e.store.RecordTrades(ctx, trades)
	if err != nil {
		return err
	}
	if len(trades) == 0 {
		log.Warn("Match transaction succeeded without OrdersMatched logs")
	}

	for id := range traders {
		e.invalidate(ctx, id)
	}
	e.clearPending(ctx, order.OrderID)
	log.Infof("Match confirmed: %d trades recorded", inserted)
	return nil
}

func (e *Engine) cancelOrder(ctx context.Context, orderID uint64) error {
	e.setState(StateProcessing)
	if err := e.store.DeactivateOrder(ctx, e.contract, orderID); err != nil {
		return fmt.Errorf("deactivate order %d: %w", orderID, err)
	}
	e.invalidate(ctx, orderID)
	e.clearPending(ctx, orderID)
	e.logger.Debugf("Order %d cancelled", orderID)
	return nil
}

func (e *Engine) recordMatched(ctx context.Context, ev *models.MatchedEvent) error {
	e.setState(StateProcessing)

	trade := &models.Trade{
		Contract:    e.contract,
		BuyOrderID:  ev.BuyOrderID,
		SellOrderID: ev.SellOrderID,
		Amount:      ev.Amount,
		Price:       ev.Price,
		TxHash:      ev.TxHash,
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
	}
	if o, err := e.store.GetOrder(ctx, e.contract, ev.BuyOrderID); err == nil {
		trade.Buyer = o.Trader
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if o, err := e.store.GetOrder(ctx, e.contract, ev.SellOrderID); err == nil {
		trade.Seller = o.Trader
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	inserted, err := e.store.RecordTrades(ctx, []*models.Trade{trade})
	if err != nil {
		return err
	}
	if inserted > 0 {
		e.invalidate(ctx, ev.BuyOrderID)
		e.invalidate(ctx, ev.SellOrderID)
		e.logger.Infof("Recorded external match %d/%d in tx %s", ev.BuyOrderID, ev.SellOrderID, ev.TxHash)
	}
	return nil
}

// rest caches the snapshot of an order that found no counter-order.
func (e *Engine) rest(ctx context.Context, order *models.Order) {
	if err := e.cache.SetJSON(ctx, e.contract, cache.KindOrder, orderKey(order.OrderID), order, 0); err != nil {
		e.logger.Warnf("Cache resting order %d: %v", order.OrderID, err)
	}
}

func (e *Engine) invalidate(ctx context.Context, orderID uint64) {
	if err := e.cache.Delete(ctx, e.contract, cache.KindOrder, orderKey(orderID)); err != nil {
		e.logger.Warnf("Invalidate order %d: %v", orderID, err)
	}
}

func (e *Engine) clearPending(ctx context.Context, orderID uint64) {
	if err := e.cache.Delete(ctx, e.contract, cache.KindPending, orderKey(orderID)); err != nil {
		e.logger.Warnf("Clear pending marker %d: %v", orderID, err)
	}
}

func (e *Engine) raise(ctx context.Context, alertType string, severity models.Severity, order *models.Order, data map[string]any) {
	data["contract"] = e.contract
	data["order_id"] = order.OrderID
	if err := e.alerts.Raise(context.WithoutCancel(ctx), alertType, severity, data); err != nil {
		e.logger.Warnf("Raise %s: %v", alertType, err)
	}
}

func orderKey(id uint64) string { return strconv.FormatUint(id, 10) }
