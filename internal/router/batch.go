package router

import (
	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

// BatchResult is one item's outcome in a batch call. Batches are loops
// over the single-order path: each item is independently risk-checked and
// WAL-appended, with no atomicity across the batch.
type BatchResult struct {
	OrderID types.OrderID
	Err     error
}

// SubmitBatch submits each intent in order.
func (r *Router) SubmitBatch(intents []SubmitIntent) []BatchResult {
	out := make([]BatchResult, len(intents))
	for i, intent := range intents {
		id, err := r.Submit(intent)
		out[i] = BatchResult{OrderID: id, Err: err}
	}
	return out
}

// CancelBatch cancels each order id in order.
func (r *Router) CancelBatch(ids []types.OrderID, accountID types.AccountID) []BatchResult {
	out := make([]BatchResult, len(ids))
	for i, id := range ids {
		out[i] = BatchResult{OrderID: id, Err: r.Cancel(id, accountID)}
	}
	return out
}

// Modify changes a live order's price and/or quantity. A pure quantity
// decrease at an unchanged price keeps the order's place in the queue (the
// book reduces it in place); any other change loses time priority: the
// original is cancelled and a fresh order submitted with a new arrival
// sequence. Returns the id of the live order after the modify — the
// original id for an in-place reduce, a new id otherwise.
func (r *Router) Modify(id types.OrderID, accountID types.AccountID, newPrice, newVolume decimal.Decimal) (types.OrderID, error) {
	r.mu.RLock()
	lo, ok := r.live[id]
	r.mu.RUnlock()
	if !ok {
		r.mu.RLock()
		_, archived := r.archived[id]
		r.mu.RUnlock()
		if archived {
			return 0, reject(CodeTerminal, "order already terminal", ErrAlreadyTerminal)
		}
		return 0, reject(CodeNotFound, "order not found", ErrOrderNotFound)
	}
	if lo.order.Account != accountID {
		return 0, reject(CodeNotYours, "order belongs to another account", ErrNotYours)
	}
	if !newVolume.IsPositive() {
		return 0, reject(CodeValidation, "modified volume must be positive", nil)
	}

	samePrice := newPrice.Equal(lo.order.LimitPrice)
	filled := lo.order.Filled()
	newRemaining := newVolume.Sub(filled)

	if samePrice && newRemaining.IsPositive() && newRemaining.LessThan(lo.order.Remaining) {
		sh := r.shardFor(lo.order.Instrument)
		sh.mu.Lock()
		reduceBy := lo.order.Remaining.Sub(newRemaining)
		err := sh.book.Reduce(id, reduceBy)
		sh.mu.Unlock()
		if err != nil {
			return 0, reject(CodeTerminal, "order already terminal", ErrAlreadyTerminal)
		}
		if err := r.accounts.ReleasePartial(lo.res, reduceBy); err != nil {
			r.logger.Error("release on reduce", "order", id, "error", err)
		}
		r.gateway.OrderAccepted(lo.order)
		return id, nil
	}

	// Anything else re-queues: cancel then resubmit at the new terms.
	intent := SubmitIntent{
		Account:     lo.order.Account,
		ClientID:    lo.order.ClientID,
		Instrument:  lo.order.Instrument,
		Side:        lo.order.Side,
		Offset:      lo.order.Offset,
		Volume:      newRemaining,
		PriceType:   lo.order.PriceType,
		LimitPrice:  newPrice,
		TimeInForce: lo.order.TimeInForce,
		VolumeCond:  lo.order.VolumeCond,
	}
	if !newRemaining.IsPositive() {
		return 0, reject(CodeValidation, "modified volume not above filled quantity", nil)
	}
	if err := r.Cancel(id, accountID); err != nil {
		return 0, err
	}
	return r.Submit(intent)
}
