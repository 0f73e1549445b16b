package router

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

// TriggerCondition selects when a conditional order fires against the
// instrument's last trade price.
type TriggerCondition uint8

const (
	// TriggerGTE fires when last price >= the trigger price.
	TriggerGTE TriggerCondition = iota
	// TriggerLTE fires when last price <= the trigger price.
	TriggerLTE
)

// ConditionalOrder holds an intent out of the book until its trigger
// condition is met, then submits it through the normal path.
type ConditionalOrder struct {
	ID           types.OrderID
	Intent       SubmitIntent
	Condition    TriggerCondition
	TriggerPrice decimal.Decimal

	// FiredOrder is the id the triggered submit produced, once fired.
	FiredOrder types.OrderID
	fired      bool
}

// SubmitConditional parks an intent behind a price trigger. The returned id
// names the conditional order itself, for CancelConditional; the eventual
// book order gets its own id when the trigger fires.
func (r *Router) SubmitConditional(intent SubmitIntent, cond TriggerCondition, triggerPrice decimal.Decimal) (types.OrderID, error) {
	if cond != TriggerGTE && cond != TriggerLTE {
		return 0, reject(CodeValidation, "unknown trigger condition", ErrUnknownCondition)
	}
	if !triggerPrice.IsPositive() {
		return 0, reject(CodeValidation, "trigger price must be positive", nil)
	}
	if _, err := r.registry.Get(intent.Instrument); err != nil {
		return 0, reject(CodeValidation, fmt.Sprintf("unknown instrument %s", intent.Instrument), err)
	}

	co := &ConditionalOrder{
		ID:           types.OrderID(r.idSeq.Next()),
		Intent:       intent,
		Condition:    cond,
		TriggerPrice: triggerPrice,
	}

	r.condMu.Lock()
	r.conditional[co.ID] = co
	last, seen := r.lastPrice[intent.Instrument]
	r.condMu.Unlock()

	// A trigger already satisfied by the current last price fires at once.
	if seen && co.satisfied(last) {
		r.fire(co)
	}
	return co.ID, nil
}

// CancelConditional removes a parked conditional order before it fires.
func (r *Router) CancelConditional(id types.OrderID, accountID types.AccountID) error {
	r.condMu.Lock()
	defer r.condMu.Unlock()
	co, ok := r.conditional[id]
	if !ok {
		return reject(CodeNotFound, "conditional order not found", ErrOrderNotFound)
	}
	if co.Intent.Account != accountID {
		return reject(CodeNotYours, "conditional order belongs to another account", ErrNotYours)
	}
	delete(r.conditional, id)
	return nil
}

func (co *ConditionalOrder) satisfied(last decimal.Decimal) bool {
	if co.Condition == TriggerGTE {
		return last.GreaterThanOrEqual(co.TriggerPrice)
	}
	return last.LessThanOrEqual(co.TriggerPrice)
}

// recordLastPrice notes a trade price and fires any conditional orders it
// satisfies.
func (r *Router) recordLastPrice(ins types.InstrumentID, price decimal.Decimal) {
	r.condMu.Lock()
	r.lastPrice[ins] = price
	var due []*ConditionalOrder
	for id, co := range r.conditional {
		if co.Intent.Instrument == ins && co.satisfied(price) {
			due = append(due, co)
			delete(r.conditional, id)
		}
	}
	r.condMu.Unlock()

	for _, co := range due {
		r.fire(co)
	}
}

// LastPrice reports the most recent trade price for an instrument.
func (r *Router) LastPrice(ins types.InstrumentID) (decimal.Decimal, bool) {
	r.condMu.Lock()
	defer r.condMu.Unlock()
	p, ok := r.lastPrice[ins]
	return p, ok
}

func (r *Router) fire(co *ConditionalOrder) {
	r.condMu.Lock()
	if co.fired {
		r.condMu.Unlock()
		return
	}
	co.fired = true
	delete(r.conditional, co.ID)
	r.condMu.Unlock()

	id, err := r.Submit(co.Intent)
	if err != nil {
		r.logger.Warn("conditional order rejected at trigger",
			"conditional", co.ID, "account", co.Intent.Account, "error", err)
		return
	}
	co.FiredOrder = id
	r.logger.Info("conditional order fired", "conditional", co.ID, "order", id)
}
