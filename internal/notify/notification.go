// Package notify fans order/trade/account events out to client sessions:
// a Broker classifies notifications into priority bands, deduplicates, and
// drains them in priority order; a Gateway owns the session table and
// batches the outbound writes. The broker's priority bands are bounded and
// drop on full; each session buffers a pending batch that is written when it
// reaches the batch size, on the batch interval, or at once for P0.
// Routing is per-user, never a blind broadcast.
package notify

import "encoding/json"

// Priority is the coarse latency class of a notification.
type Priority uint8

const (
	// P0 critical: risk alerts, margin calls, order rejections. Flushed
	// immediately, never batched.
	P0 Priority = iota
	// P1 high: order accepted, order filled, trade.
	P1
	// P2 medium: account and position updates.
	P2
	// P3 low: system notices.
	P3
	priorityBands
)

func (p Priority) String() string {
	switch p {
	case P0:
		return "P0"
	case P1:
		return "P1"
	case P2:
		return "P2"
	default:
		return "P3"
	}
}

// Kind names what happened; it doubles as the session channel filter key.
type Kind string

const (
	KindRiskAlert      Kind = "risk-alert"
	KindOrderRejected  Kind = "order-rejected"
	KindOrderAccepted  Kind = "order-accepted"
	KindOrderCancelled Kind = "order-cancelled"
	KindOrderFilled    Kind = "order-filled"
	KindTrade          Kind = "trade"
	KindAccountUpdate  Kind = "account-update"
	KindPositionUpdate Kind = "position-update"
	KindSystemNotice   Kind = "system-notice"
)

// classify maps a Kind to its priority band.
func classify(k Kind) Priority {
	switch k {
	case KindRiskAlert, KindOrderRejected:
		return P0
	case KindOrderAccepted, KindOrderCancelled, KindOrderFilled, KindTrade:
		return P1
	case KindAccountUpdate, KindPositionUpdate:
		return P2
	default:
		return P3
	}
}

// Notification is one event addressed to one user (or to everyone, when
// UserID is empty).
type Notification struct {
	ID          string          `json:"id"` // dedup key
	UserID      string          `json:"user_id,omitempty"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	TimestampNs int64           `json:"timestamp_ns"`
}
