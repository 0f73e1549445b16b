package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/internal/logrecord"
	"github.com/exchange-core/matchcore/internal/notify"
	"github.com/exchange-core/matchcore/internal/snapshot"
	"github.com/exchange-core/matchcore/internal/wal"
	"github.com/exchange-core/matchcore/pkg/types"
)

// The admin command surface: instrument lifecycle, settlement, and account
// cash operations. Transport is out of scope — an HTTP/CLI edge calls
// these methods and maps errors to its own envelope. Every command either
// succeeds with its data or returns a typed error.

// ————————————————————————————————————————————————————————————————————————
// Instrument commands
// ————————————————————————————————————————————————————————————————————————

func (e *Engine) CreateInstrument(ins types.Instrument) error  { return e.Registry.Create(ins) }
func (e *Engine) UpdateInstrument(ins types.Instrument) error  { return e.Registry.Update(ins) }
func (e *Engine) SuspendInstrument(id types.InstrumentID) error { return e.Registry.Suspend(id) }
func (e *Engine) ResumeInstrument(id types.InstrumentID) error  { return e.Registry.Resume(id) }
func (e *Engine) DelistInstrument(id types.InstrumentID) error  { return e.Registry.Delist(id) }

// ————————————————————————————————————————————————————————————————————————
// Settlement commands
// ————————————————————————————————————————————————————————————————————————

// SettlementRun is one executed settlement, kept for history queries.
type SettlementRun struct {
	Instrument  types.InstrumentID
	SettlePrice decimal.Decimal
	AtRisk      []types.AccountID
	ExecutedAt  time.Time
}

var errNoSettlementPrices = fmt.Errorf("engine: no settlement prices set")

type settlementState struct {
	mu      sync.Mutex
	pending map[types.InstrumentID]decimal.Decimal
	history []SettlementRun
}

func (e *Engine) settlement() *settlementState {
	e.settleOnce.Do(func() {
		e.settleState = &settlementState{pending: make(map[types.InstrumentID]decimal.Decimal)}
	})
	return e.settleState
}

// SetSettlementPrice stages one instrument's settlement price for the next
// ExecuteSettlement.
func (e *Engine) SetSettlementPrice(id types.InstrumentID, price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("engine: settlement price must be positive")
	}
	if _, err := e.Registry.Get(id); err != nil {
		return err
	}
	st := e.settlement()
	st.mu.Lock()
	st.pending[id] = price
	st.mu.Unlock()
	return nil
}

// BatchSetSettlementPrices stages several prices; the first invalid one
// aborts the batch untouched.
func (e *Engine) BatchSetSettlementPrices(prices map[types.InstrumentID]decimal.Decimal) error {
	for id, price := range prices {
		if !price.IsPositive() {
			return fmt.Errorf("engine: settlement price for %s must be positive", id)
		}
		if _, err := e.Registry.Get(id); err != nil {
			return err
		}
	}
	st := e.settlement()
	st.mu.Lock()
	for id, price := range prices {
		st.pending[id] = price
	}
	st.mu.Unlock()
	return nil
}

// ExecuteSettlement marks every staged instrument to its settlement price,
// appends the settlement and resulting account records, raises risk alerts
// for accounts below maintenance margin, and returns the runs.
func (e *Engine) ExecuteSettlement() ([]SettlementRun, error) {
	st := e.settlement()
	st.mu.Lock()
	pending := st.pending
	st.pending = make(map[types.InstrumentID]decimal.Decimal)
	st.mu.Unlock()

	if len(pending) == 0 {
		return nil, errNoSettlementPrices
	}

	ids := make([]types.InstrumentID, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var runs []SettlementRun
	for _, id := range ids {
		price := pending[id]
		ins, err := e.Registry.Get(id)
		if err != nil {
			return runs, err
		}

		atRisk := e.Accounts.Settle(id, price, ins.Multiplier, e.maintenanceRate())

		payload, err := logrecord.EncodeSettlement(logrecord.SettlementPayload{
			Instrument:  id,
			SettlePrice: price,
			AtRisk:      atRisk,
		})
		if err != nil {
			return runs, fmt.Errorf("engine: encode settlement: %w", err)
		}
		now := time.Now()
		if _, err := e.storage.Append(wal.KindSettlement, now.UnixNano(), payload); err != nil {
			return runs, fmt.Errorf("engine: append settlement: %w", err)
		}
		e.appendAllAccountState(now.UnixNano())

		if err := e.Registry.SetReferencePrices(id, price, price); err != nil {
			e.logger.Warn("set reference prices", "instrument", id, "error", err)
		}
		for _, acct := range atRisk {
			e.Broker.Publish(notify.Notification{
				ID:          fmt.Sprintf("liq-%s-%s-%d", acct, id, now.UnixNano()),
				UserID:      string(acct),
				Kind:        notify.KindRiskAlert,
				TimestampNs: now.UnixNano(),
			})
		}

		run := SettlementRun{Instrument: id, SettlePrice: price, AtRisk: atRisk, ExecutedAt: now}
		st.mu.Lock()
		st.history = append(st.history, run)
		st.mu.Unlock()
		runs = append(runs, run)
	}
	return runs, nil
}

// SettlementHistory returns past runs, newest last.
func (e *Engine) SettlementHistory() []SettlementRun {
	st := e.settlement()
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]SettlementRun, len(st.history))
	copy(out, st.history)
	return out
}

// appendAllAccountState snapshots every account into the log so replay
// after a settlement reproduces the settled balances.
func (e *Engine) appendAllAccountState(tsNs int64) {
	for _, acc := range e.Accounts.AllAccounts() {
		if payload, err := logrecord.EncodeAccountUpdate(logrecord.AccountUpdatePayload{Account: acc}); err == nil {
			if _, err := e.storage.Append(wal.KindAccountUpdate, tsNs, payload); err != nil {
				e.logger.Error("append account state", "account", acc.ID, "error", err)
			}
		}
		for _, pos := range e.Accounts.AllPositions(acc.ID) {
			if payload, err := logrecord.EncodePositionUpdate(logrecord.PositionUpdatePayload{Position: pos}); err == nil {
				if _, err := e.storage.Append(wal.KindPositionUpdate, tsNs, payload); err != nil {
					e.logger.Error("append position state", "account", acc.ID, "error", err)
				}
			}
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Account commands
// ————————————————————————————————————————————————————————————————————————

// OpenAccount creates an account with a starting balance (zero allowed).
func (e *Engine) OpenAccount(id types.AccountID, initial decimal.Decimal) error {
	if initial.IsPositive() {
		return e.DepositCash(id, initial)
	}
	// Touch the account into existence.
	if err := e.Accounts.Deposit(id, decimal.NewFromInt(1)); err != nil {
		return err
	}
	return e.Accounts.Withdraw(id, decimal.NewFromInt(1))
}

// DepositCash credits an account and logs the transfer + resulting state.
func (e *Engine) DepositCash(id types.AccountID, amount decimal.Decimal) error {
	if err := e.Accounts.Deposit(id, amount); err != nil {
		return err
	}
	return e.logCashMove(id, "", "deposit", amount)
}

// WithdrawCash debits an account and logs the transfer + resulting state.
func (e *Engine) WithdrawCash(id types.AccountID, amount decimal.Decimal) error {
	if err := e.Accounts.Withdraw(id, amount); err != nil {
		return err
	}
	return e.logCashMove(id, "", "withdraw", amount)
}

// TransferCash moves cash between accounts and logs it.
func (e *Engine) TransferCash(from, to types.AccountID, amount decimal.Decimal) error {
	if err := e.Accounts.Transfer(from, to, amount); err != nil {
		return err
	}
	return e.logCashMove(from, to, "transfer", amount)
}

func (e *Engine) logCashMove(acct, counterparty types.AccountID, kind string, amount decimal.Decimal) error {
	now := time.Now().UnixNano()
	payload, err := logrecord.EncodeTransfer(logrecord.TransferPayload{
		Account:      acct,
		Counterparty: counterparty,
		Kind:         kind,
		Amount:       amount,
		TimestampNs:  now,
	})
	if err != nil {
		return fmt.Errorf("engine: encode transfer: %w", err)
	}
	if _, err := e.storage.Append(wal.KindTransfer, now, payload); err != nil {
		return fmt.Errorf("engine: append transfer: %w", err)
	}

	for _, id := range []types.AccountID{acct, counterparty} {
		if id == "" {
			continue
		}
		acc, ok := e.Accounts.Account(id)
		if !ok {
			continue
		}
		if payload, err := logrecord.EncodeAccountUpdate(logrecord.AccountUpdatePayload{Account: acc}); err == nil {
			if _, err := e.storage.Append(wal.KindAccountUpdate, now, payload); err != nil {
				return fmt.Errorf("engine: append account update: %w", err)
			}
		}
		user := string(id)
		e.Snapshots.Push(user, snapshot.TransferPatch(user,
			fmt.Sprintf("%s-%d", kind, now), kind, amount.String(), now))
		e.Snapshots.Push(user, snapshot.AccountPatch(user, &acc))
	}
	return nil
}
