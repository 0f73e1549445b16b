package account

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

// ErrInsufficientAvailable rejects a withdrawal or transfer that exceeds
// available cash.
var ErrInsufficientAvailable = errors.New("account: insufficient available cash")

// Deposit credits amount to the account's available cash and equity.
func (m *Manager) Deposit(id types.AccountID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveVolume
	}
	st := m.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.account.Available = st.account.Available.Add(amount)
	st.account.Equity = st.account.Equity.Add(amount)
	st.account.DepositTotal = st.account.DepositTotal.Add(amount)
	return nil
}

// Withdraw debits amount from available cash. Cash already frozen or
// committed to margin cannot leave.
func (m *Manager) Withdraw(id types.AccountID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveVolume
	}
	st := m.state(id)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.account.Available.LessThan(amount) {
		return ErrInsufficientAvailable
	}
	st.account.Available = st.account.Available.Sub(amount)
	st.account.Equity = st.account.Equity.Sub(amount)
	st.account.WithdrawTotal = st.account.WithdrawTotal.Add(amount)
	return checkInvariants(st.account, nil)
}

// Transfer moves amount between two accounts. The two shard locks are
// taken in account-id order to rule out lock cycles with a concurrent
// opposite-direction transfer.
func (m *Manager) Transfer(from, to types.AccountID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveVolume
	}
	if from == to {
		return errors.New("account: transfer to self")
	}

	stFrom, stTo := m.state(from), m.state(to)
	first, second := stFrom, stTo
	if from > to {
		first, second = stTo, stFrom
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if stFrom.account.Available.LessThan(amount) {
		return ErrInsufficientAvailable
	}
	stFrom.account.Available = stFrom.account.Available.Sub(amount)
	stFrom.account.Equity = stFrom.account.Equity.Sub(amount)
	stFrom.account.WithdrawTotal = stFrom.account.WithdrawTotal.Add(amount)

	stTo.account.Available = stTo.account.Available.Add(amount)
	stTo.account.Equity = stTo.account.Equity.Add(amount)
	stTo.account.DepositTotal = stTo.account.DepositTotal.Add(amount)
	return checkInvariants(stFrom.account, nil)
}
