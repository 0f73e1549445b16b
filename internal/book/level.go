package book

import (
	"container/list"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/pkg/types"
)

// level is one price level's resting orders, strictly first-in-first-out
// by exchange arrival sequence. Backed by container/list so cancelling an
// order deep in the queue is O(1) given its element handle, rather than
// the O(n) shift a plain slice would need.
type level struct {
	price  decimal.Decimal
	orders *list.List // of *types.Order
	volume decimal.Decimal
}

func newLevel(price decimal.Decimal) *level {
	return &level{price: price, orders: list.New(), volume: decimal.Zero}
}

func (l *level) pushBack(o *types.Order) *list.Element {
	l.volume = l.volume.Add(o.Remaining)
	return l.orders.PushBack(o)
}

func (l *level) remove(e *list.Element) {
	o := e.Value.(*types.Order)
	l.volume = l.volume.Sub(o.Remaining)
	l.orders.Remove(e)
}

func (l *level) empty() bool {
	return l.orders.Len() == 0
}

// orderLocation lets Cancel and in-flight matching find and remove a
// resting order without scanning every level.
type orderLocation struct {
	side  types.Side
	price decimal.Decimal
	elem  *list.Element
}
