// Package instrument holds the registry of tradeable contracts. Identifiers
// and exchange tags are immutable once created; contract terms are replaced
// through Update, reference prices through SetReferencePrices, and lifecycle
// status (listed / suspended / delisted) moves through Suspend, Resume, and
// Delist.
package instrument

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

var (
	// ErrUnknownInstrument is a validation error per the taxonomy in spec
	// section 7: surfaced to the client, never logged to the WAL.
	ErrUnknownInstrument = errors.New("instrument: unknown instrument")
	ErrAlreadyExists     = errors.New("instrument: identifier already exists")
	ErrDelisted          = errors.New("instrument: delisted")
)

// Registry is the process-wide instrument table. Reads vastly outnumber
// writes (every submit resolves its instrument; admin changes are rare), so
// a RWMutex over a plain map is enough.
type Registry struct {
	mu          sync.RWMutex
	instruments map[types.InstrumentID]*types.Instrument
	logger      *slog.Logger

	// onChange, when set, receives a copy of the instrument after every
	// successful mutation so the caller can append the instrument-change
	// WAL record and fan out notifications.
	onChange func(types.Instrument)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		instruments: make(map[types.InstrumentID]*types.Instrument),
		logger:      logger.With("component", "instrument"),
	}
}

// OnChange registers the single change observer. Must be called before any
// mutation; not safe to call concurrently with mutations.
func (r *Registry) OnChange(fn func(types.Instrument)) { r.onChange = fn }

// Create registers a new instrument. The identifier must be unused.
func (r *Registry) Create(ins types.Instrument) error {
	if ins.ID == "" {
		return fmt.Errorf("instrument: empty identifier")
	}
	if !ins.PriceTick.IsPositive() || !ins.Multiplier.IsPositive() {
		return fmt.Errorf("instrument: %s: price tick and multiplier must be positive", ins.ID)
	}
	if ins.LotSize.IsZero() {
		ins.LotSize = decimal.NewFromInt(1)
	}

	r.mu.Lock()
	if _, ok := r.instruments[ins.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, ins.ID)
	}
	stored := ins
	r.instruments[ins.ID] = &stored
	r.mu.Unlock()

	r.logger.Info("instrument created", "id", ins.ID, "exchange", ins.ExchangeTag)
	r.emit(stored)
	return nil
}

// Update replaces an instrument's contract terms. Identifier and exchange
// tag are immutable; status changes go through Suspend/Resume/Delist.
func (r *Registry) Update(ins types.Instrument) error {
	r.mu.Lock()
	cur, ok := r.instruments[ins.ID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, ins.ID)
	}
	ins.ExchangeTag = cur.ExchangeTag
	ins.Status = cur.Status
	*cur = ins
	updated := *cur
	r.mu.Unlock()

	r.emit(updated)
	return nil
}

// Suspend halts new orders on the instrument. Resting orders are the
// router's problem; the registry only flips status.
func (r *Registry) Suspend(id types.InstrumentID) error {
	return r.setStatus(id, types.Suspended)
}

// Resume relists a suspended instrument. Delisted instruments stay delisted.
func (r *Registry) Resume(id types.InstrumentID) error {
	r.mu.Lock()
	cur, ok := r.instruments[id]
	if ok && cur.Status == types.Delisted {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDelisted, id)
	}
	r.mu.Unlock()
	return r.setStatus(id, types.Listed)
}

// Delist permanently removes the instrument from trading. Terminal.
func (r *Registry) Delist(id types.InstrumentID) error {
	return r.setStatus(id, types.Delisted)
}

func (r *Registry) setStatus(id types.InstrumentID, status types.InstrumentStatus) error {
	r.mu.Lock()
	cur, ok := r.instruments[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	if cur.Status == types.Delisted && status != types.Delisted {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDelisted, id)
	}
	cur.Status = status
	updated := *cur
	r.mu.Unlock()

	r.logger.Info("instrument status changed", "id", id, "status", status)
	r.emit(updated)
	return nil
}

// SetReferencePrices stores the previous settlement and close prices used
// for daily-limit bands and change-vs-previous-close market data.
func (r *Registry) SetReferencePrices(id types.InstrumentID, preSettlement, preClose decimal.Decimal) error {
	r.mu.Lock()
	cur, ok := r.instruments[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	cur.PreSettlement = preSettlement
	cur.PreClose = preClose
	updated := *cur
	r.mu.Unlock()

	r.emit(updated)
	return nil
}

// Get returns a copy of the instrument, or ErrUnknownInstrument.
func (r *Registry) Get(id types.InstrumentID) (types.Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ins, ok := r.instruments[id]
	if !ok {
		return types.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, id)
	}
	return *ins, nil
}

// All returns a copy of every registered instrument, in no particular order.
func (r *Registry) All() []types.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Instrument, 0, len(r.instruments))
	for _, ins := range r.instruments {
		out = append(out, *ins)
	}
	return out
}

// Restore replaces an instrument without emitting a change event. Used only
// by WAL replay at startup.
func (r *Registry) Restore(ins types.Instrument) {
	r.mu.Lock()
	stored := ins
	r.instruments[ins.ID] = &stored
	r.mu.Unlock()
}

func (r *Registry) emit(ins types.Instrument) {
	if r.onChange != nil {
		r.onChange(ins)
	}
}
