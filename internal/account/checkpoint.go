package account

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/exchange-core/matchcore/pkg/types"
)

// checkpointEntry is one account's full state, flattened for serialization.
type checkpointEntry struct {
	Account   types.Account                          `msgpack:"account"`
	Positions map[types.InstrumentID]types.Position `msgpack:"positions"`
}

// Checkpoint serializes every account and position via msgpack, for
// periodic durable snapshots that bound WAL replay time on restart — the
// account-side analogue of an SSTable flush.
func (m *Manager) Checkpoint() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make(map[types.AccountID]checkpointEntry, len(m.accounts))
	for id, st := range m.accounts {
		st.mu.Lock()
		positions := make(map[types.InstrumentID]types.Position, len(st.positions))
		for instrument, pos := range st.positions {
			positions[instrument] = *pos
		}
		entries[id] = checkpointEntry{Account: *st.account, Positions: positions}
		st.mu.Unlock()
	}

	buf, err := msgpack.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("account: marshal checkpoint: %w", err)
	}
	return buf, nil
}

// RestoreAccount overwrites one account's cash state from a WAL
// account-update record. Replay-only: last record wins.
func (m *Manager) RestoreAccount(acc types.Account) {
	st := m.state(acc.ID)
	st.mu.Lock()
	*st.account = acc
	st.mu.Unlock()
}

// RestorePosition overwrites one position from a WAL position-update
// record. Replay-only.
func (m *Manager) RestorePosition(pos types.Position) {
	st := m.state(pos.Account)
	st.mu.Lock()
	p := pos
	st.positions[pos.Instrument] = &p
	st.mu.Unlock()
}

// Restore replaces the manager's state with a previously-taken checkpoint.
// Intended for use once at startup, before any WAL replay begins.
func (m *Manager) Restore(buf []byte) error {
	var entries map[types.AccountID]checkpointEntry
	if err := msgpack.Unmarshal(buf, &entries); err != nil {
		return fmt.Errorf("account: unmarshal checkpoint: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts = make(map[types.AccountID]*accountState, len(entries))
	for id, entry := range entries {
		account := entry.Account
		positions := make(map[types.InstrumentID]*types.Position, len(entry.Positions))
		for instrument, pos := range entry.Positions {
			p := pos
			positions[instrument] = &p
		}
		m.accounts[id] = &accountState{account: &account, positions: positions}
	}
	return nil
}
