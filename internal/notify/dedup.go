package notify

import "container/list"

// dedupLRU is a bounded set of recently seen notification ids. Seen returns
// true for a repeat within the window; once capacity is reached the oldest
// id is forgotten, so a very old repeat can slip through — acceptable, the
// window exists to absorb retry storms, not to guarantee exactly-once.
type dedupLRU struct {
	cap   int
	order *list.List
	seen  map[string]*list.Element
}

func newDedupLRU(capacity int) *dedupLRU {
	return &dedupLRU{
		cap:   capacity,
		order: list.New(),
		seen:  make(map[string]*list.Element, capacity),
	}
}

// Seen records id and reports whether it was already present.
func (d *dedupLRU) Seen(id string) bool {
	if el, ok := d.seen[id]; ok {
		d.order.MoveToBack(el)
		return true
	}
	d.seen[id] = d.order.PushBack(id)
	if d.order.Len() > d.cap {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.seen, oldest.Value.(string))
	}
	return false
}
