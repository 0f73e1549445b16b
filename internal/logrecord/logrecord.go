// Package logrecord defines the payload shapes carried inside a
// wal.Record's Payload for each wal.Kind ("Log record"), and
// encodes/decodes them with msgpack. For the five mutable-state kinds
// (order-insert, order-cancel, account-update, position-update,
// instrument-change) the encoding follows the convention
// internal/compaction/supersede.go documents: the entity id leads the
// payload as 8 big-endian bytes, ahead of the msgpack body, so compaction
// can find a record's supersession key without decoding the whole payload.
// Immutable/event kinds (trade, tick, orderbook-snapshot, kline-finished,
// factor-update, factor-snapshot, transfer) carry no leading id — they are
// never superseded.
package logrecord

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/exchange-core/matchcore/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Entity keys
// ————————————————————————————————————————————————————————————————————————

// AccountKey derives the 8-byte supersession key for an AccountID. Ids are
// short opaque strings ("Arc-of-string sharing"); FNV-1a gives a
// stable 64-bit key cheaply, at the cost of a theoretical (and here
// inconsequential) hash collision instead of a guaranteed-unique one.
func AccountKey(id types.AccountID) uint64 { return fnv64(string(id)) }

// InstrumentKey derives the 8-byte supersession key for an InstrumentID.
func InstrumentKey(id types.InstrumentID) uint64 { return fnv64(string(id)) }

// PositionKey derives the supersession key for a (account, instrument) pair.
func PositionKey(account types.AccountID, instrument types.InstrumentID) uint64 {
	h := fnv.New64a()
	h.Write([]byte(account))
	h.Write([]byte{0})
	h.Write([]byte(instrument))
	return h.Sum64()
}

func fnv64(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// ————————————————————————————————————————————————————————————————————————
// Payloads
// ————————————————————————————————————————————————————————————————————————

// OrderInsertPayload is logged once an order has been assigned its exchange
// id and sequence, before it is handed to the book.
type OrderInsertPayload struct {
	Order types.Order `msgpack:"order"`
}

// OrderCancelPayload is logged when an order leaves the book other than by
// a full fill — explicit cancel, IOC/market remainder, or expiry.
type OrderCancelPayload struct {
	OrderID types.OrderID   `msgpack:"order_id"`
	Account types.AccountID `msgpack:"account"`
	Reason  string          `msgpack:"reason"`
}

// TradePayload is logged once per trade, immutable thereafter.
type TradePayload struct {
	Trade types.Trade `msgpack:"trade"`
}

// AccountUpdatePayload snapshots one account's cash/margin fields after a
// mutation, for checkpoint-free point-in-time recovery of account state
// from the WAL alone (the checkpoint in internal/account is an optimization,
// not the only recovery path).
type AccountUpdatePayload struct {
	Account types.Account `msgpack:"account"`
}

// PositionUpdatePayload snapshots one (account, instrument) position.
type PositionUpdatePayload struct {
	Position types.Position `msgpack:"position"`
}

// SettlementPayload records one instrument's end-of-day mark-to-market run
// ("End-of-day settlement").
type SettlementPayload struct {
	Instrument  types.InstrumentID `msgpack:"instrument"`
	SettlePrice decimal.Decimal    `msgpack:"settle_price"`
	AtRisk      []types.AccountID  `msgpack:"at_risk"`
}

// InstrumentChangePayload records a create/update/suspend/resume/delist on
// the instrument registry.
type InstrumentChangePayload struct {
	Instrument types.Instrument `msgpack:"instrument"`
}

// TickPayload is a best-bid/ask sample, emitted by internal/marketdata.
type TickPayload struct {
	Instrument  types.InstrumentID `msgpack:"instrument"`
	BidPrice    decimal.Decimal    `msgpack:"bid_price"`
	BidVolume   decimal.Decimal    `msgpack:"bid_volume"`
	AskPrice    decimal.Decimal    `msgpack:"ask_price"`
	AskVolume   decimal.Decimal    `msgpack:"ask_volume"`
	Last        decimal.Decimal    `msgpack:"last"`
	TimestampNs int64              `msgpack:"timestamp_ns"`
}

// DepthLevel is one price/volume pair in an OrderbookSnapshotPayload. A
// separate type from book.DepthLevel keeps this package import-free of
// internal/book, since both book and the WAL are leaves other packages
// depend on independently.
type DepthLevel struct {
	Price  decimal.Decimal `msgpack:"price"`
	Volume decimal.Decimal `msgpack:"volume"`
}

// OrderbookSnapshotPayload is a periodic top-k depth sample.
type OrderbookSnapshotPayload struct {
	Instrument  types.InstrumentID `msgpack:"instrument"`
	Bids        []DepthLevel       `msgpack:"bids"`
	Asks        []DepthLevel       `msgpack:"asks"`
	TimestampNs int64              `msgpack:"timestamp_ns"`
}

// KlineFinishedPayload is emitted when a K-line bar's window closes.
// OpenOI/CloseOI carry forward the previous bar's CloseOI on an empty bar.
type KlineFinishedPayload struct {
	Instrument types.InstrumentID `msgpack:"instrument"`
	Duration   string             `msgpack:"duration"` // "3s","1min","5min","15min","30min","60min","daily"
	Open       decimal.Decimal    `msgpack:"open"`
	High       decimal.Decimal    `msgpack:"high"`
	Low        decimal.Decimal    `msgpack:"low"`
	Close      decimal.Decimal    `msgpack:"close"`
	Volume     decimal.Decimal    `msgpack:"volume"`
	OpenOI     decimal.Decimal    `msgpack:"open_oi"`
	CloseOI    decimal.Decimal    `msgpack:"close_oi"`
	StartNs    int64              `msgpack:"start_ns"`
	EndNs      int64              `msgpack:"end_ns"`
}

// FactorUpdatePayload and FactorSnapshotPayload exist so the WAL's tagged
// union covers the full record-kind space; the factor/analytics pipeline
// that would produce and consume these lives outside this repo and nothing
// here writes them today.
type FactorUpdatePayload struct {
	Instrument  types.InstrumentID `msgpack:"instrument"`
	Name        string             `msgpack:"name"`
	Value       decimal.Decimal    `msgpack:"value"`
	TimestampNs int64              `msgpack:"timestamp_ns"`
}

type FactorSnapshotPayload struct {
	Instrument  types.InstrumentID         `msgpack:"instrument"`
	Values      map[string]decimal.Decimal `msgpack:"values"`
	TimestampNs int64                      `msgpack:"timestamp_ns"`
}

// TransferPayload records a deposit, withdrawal, or inter-account
// transfer.
type TransferPayload struct {
	Account       types.AccountID `msgpack:"account"`
	Counterparty  types.AccountID `msgpack:"counterparty,omitempty"`
	Kind          string          `msgpack:"kind"` // "deposit", "withdraw", "transfer"
	Amount        decimal.Decimal `msgpack:"amount"`
	TimestampNs   int64           `msgpack:"timestamp_ns"`
}

// ————————————————————————————————————————————————————————————————————————
// Encode / decode
// ————————————————————————————————————————————————————————————————————————

func encodeWithID(id uint64, v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("logrecord: marshal: %w", err)
	}
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint64(buf[:8], id)
	copy(buf[8:], body)
	return buf, nil
}

func decodeWithID(payload []byte, v any) error {
	if len(payload) < 8 {
		return fmt.Errorf("logrecord: payload too short for entity id: %d bytes", len(payload))
	}
	if err := msgpack.Unmarshal(payload[8:], v); err != nil {
		return fmt.Errorf("logrecord: unmarshal: %w", err)
	}
	return nil
}

func encodePlain(v any) ([]byte, error) {
	buf, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("logrecord: marshal: %w", err)
	}
	return buf, nil
}

func decodePlain(payload []byte, v any) error {
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("logrecord: unmarshal: %w", err)
	}
	return nil
}

func EncodeOrderInsert(p OrderInsertPayload) ([]byte, error) {
	return encodeWithID(uint64(p.Order.ID), p)
}
func DecodeOrderInsert(payload []byte) (OrderInsertPayload, error) {
	var p OrderInsertPayload
	err := decodeWithID(payload, &p)
	return p, err
}

func EncodeOrderCancel(p OrderCancelPayload) ([]byte, error) {
	return encodeWithID(uint64(p.OrderID), p)
}
func DecodeOrderCancel(payload []byte) (OrderCancelPayload, error) {
	var p OrderCancelPayload
	err := decodeWithID(payload, &p)
	return p, err
}

func EncodeTrade(p TradePayload) ([]byte, error) { return encodePlain(p) }
func DecodeTrade(payload []byte) (TradePayload, error) {
	var p TradePayload
	err := decodePlain(payload, &p)
	return p, err
}

func EncodeAccountUpdate(p AccountUpdatePayload) ([]byte, error) {
	return encodeWithID(AccountKey(p.Account.ID), p)
}
func DecodeAccountUpdate(payload []byte) (AccountUpdatePayload, error) {
	var p AccountUpdatePayload
	err := decodeWithID(payload, &p)
	return p, err
}

func EncodePositionUpdate(p PositionUpdatePayload) ([]byte, error) {
	return encodeWithID(PositionKey(p.Position.Account, p.Position.Instrument), p)
}
func DecodePositionUpdate(payload []byte) (PositionUpdatePayload, error) {
	var p PositionUpdatePayload
	err := decodeWithID(payload, &p)
	return p, err
}

func EncodeSettlement(p SettlementPayload) ([]byte, error) { return encodePlain(p) }
func DecodeSettlement(payload []byte) (SettlementPayload, error) {
	var p SettlementPayload
	err := decodePlain(payload, &p)
	return p, err
}

func EncodeInstrumentChange(p InstrumentChangePayload) ([]byte, error) {
	return encodeWithID(InstrumentKey(p.Instrument.ID), p)
}
func DecodeInstrumentChange(payload []byte) (InstrumentChangePayload, error) {
	var p InstrumentChangePayload
	err := decodeWithID(payload, &p)
	return p, err
}

func EncodeTick(p TickPayload) ([]byte, error) { return encodePlain(p) }
func DecodeTick(payload []byte) (TickPayload, error) {
	var p TickPayload
	err := decodePlain(payload, &p)
	return p, err
}

func EncodeOrderbookSnapshot(p OrderbookSnapshotPayload) ([]byte, error) { return encodePlain(p) }
func DecodeOrderbookSnapshot(payload []byte) (OrderbookSnapshotPayload, error) {
	var p OrderbookSnapshotPayload
	err := decodePlain(payload, &p)
	return p, err
}

func EncodeKlineFinished(p KlineFinishedPayload) ([]byte, error) { return encodePlain(p) }
func DecodeKlineFinished(payload []byte) (KlineFinishedPayload, error) {
	var p KlineFinishedPayload
	err := decodePlain(payload, &p)
	return p, err
}

func EncodeFactorUpdate(p FactorUpdatePayload) ([]byte, error) { return encodePlain(p) }
func DecodeFactorUpdate(payload []byte) (FactorUpdatePayload, error) {
	var p FactorUpdatePayload
	err := decodePlain(payload, &p)
	return p, err
}

func EncodeFactorSnapshot(p FactorSnapshotPayload) ([]byte, error) { return encodePlain(p) }
func DecodeFactorSnapshot(payload []byte) (FactorSnapshotPayload, error) {
	var p FactorSnapshotPayload
	err := decodePlain(payload, &p)
	return p, err
}

func EncodeTransfer(p TransferPayload) ([]byte, error) { return encodePlain(p) }
func DecodeTransfer(payload []byte) (TransferPayload, error) {
	var p TransferPayload
	err := decodePlain(payload, &p)
	return p, err
}
