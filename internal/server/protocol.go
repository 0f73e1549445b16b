// Package server speaks the client wire protocol: JSON messages over a
// bidirectional channel, each discriminated by an "aid" field. Clients send
// peek_message / req_login / insert_order / cancel_order / subscribe_quote
// / set_chart; the server answers peeks with rtn_data frames whose data
// field is an ordered list of merge patches.
package server

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matchcore/internal/router"
	"github.com/exchange-core/matchcore/internal/snapshot"
	"github.com/exchange-core/matchcore/pkg/types"
)

// Client message aids.
const (
	aidPeek           = "peek_message"
	aidLogin          = "req_login"
	aidInsertOrder    = "insert_order"
	aidCancelOrder    = "cancel_order"
	aidSubscribeQuote = "subscribe_quote"
	aidSetChart       = "set_chart"

	aidRtnData = "rtn_data"
)

// clientMessage is the union of every client message's fields; Aid selects
// which ones are meaningful.
type clientMessage struct {
	Aid string `json:"aid"`

	// req_login
	UserName string `json:"user_name,omitempty"`
	Password string `json:"password,omitempty"`

	// insert_order
	AccountID    string          `json:"account_id,omitempty"`
	ClientID     string          `json:"order_id,omitempty"` // client-optional id, echoed back
	ExchangeID   string          `json:"exchange_id,omitempty"`
	InstrumentID string          `json:"instrument_id,omitempty"`
	Direction    string          `json:"direction,omitempty"`
	Offset       string          `json:"offset,omitempty"`
	Volume       int64           `json:"volume,omitempty"`
	PriceType    string          `json:"price_type,omitempty"`
	LimitPrice   decimal.Decimal `json:"limit_price,omitempty"`
	TimeInForce  string          `json:"time_condition,omitempty"`
	VolumeCond   string          `json:"volume_condition,omitempty"`

	// cancel_order
	CancelOrderID uint64 `json:"cancel_order_id,omitempty"`

	// subscribe_quote
	InsList string `json:"ins_list,omitempty"`

	// set_chart
	ChartID  string `json:"chart_id,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// rtnData is the server's only response frame.
type rtnData struct {
	Aid  string           `json:"aid"`
	Data []snapshot.Patch `json:"data"`
}

func parseSide(s string) (types.Side, error) {
	switch s {
	case "BUY":
		return types.Buy, nil
	case "SELL":
		return types.Sell, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", s)
	}
}

func parseOffset(s string) (types.Offset, error) {
	switch s {
	case "OPEN":
		return types.Open, nil
	case "CLOSE":
		return types.Close, nil
	case "CLOSETODAY":
		return types.CloseToday, nil
	case "CLOSEYESTERDAY":
		return types.CloseYesterday, nil
	default:
		return 0, fmt.Errorf("unknown offset %q", s)
	}
}

func parsePriceType(s string) (types.PriceType, error) {
	switch s {
	case "LIMIT", "":
		return types.Limit, nil
	case "MARKET":
		return types.Market, nil
	case "ANY":
		return types.Any, nil
	default:
		return 0, fmt.Errorf("unknown price type %q", s)
	}
}

func parseTimeInForce(s string) (types.TimeInForce, error) {
	switch s {
	case "IOC":
		return types.IOC, nil
	case "GFD", "":
		return types.GFD, nil
	case "GTC":
		return types.GTC, nil
	case "GFA":
		return types.GFA, nil
	default:
		return 0, fmt.Errorf("unknown time condition %q", s)
	}
}

func parseVolumeCond(s string) (types.VolumeCondition, error) {
	switch s {
	case "ANY", "":
		return types.VolumeAny, nil
	case "MIN":
		return types.VolumeMin, nil
	case "ALL":
		return types.VolumeAll, nil
	default:
		return 0, fmt.Errorf("unknown volume condition %q", s)
	}
}

// toIntent validates and converts an insert_order message.
func (m *clientMessage) toIntent(defaultAccount string) (router.SubmitIntent, error) {
	var intent router.SubmitIntent

	if m.Volume <= 0 {
		return intent, fmt.Errorf("volume must be a positive integer")
	}
	side, err := parseSide(m.Direction)
	if err != nil {
		return intent, err
	}
	offset, err := parseOffset(m.Offset)
	if err != nil {
		return intent, err
	}
	priceType, err := parsePriceType(m.PriceType)
	if err != nil {
		return intent, err
	}
	if priceType == types.Limit && !m.LimitPrice.IsPositive() {
		return intent, fmt.Errorf("limit order requires a positive price")
	}
	tif, err := parseTimeInForce(m.TimeInForce)
	if err != nil {
		return intent, err
	}
	vc, err := parseVolumeCond(m.VolumeCond)
	if err != nil {
		return intent, err
	}

	accountID := m.AccountID
	if accountID == "" {
		accountID = defaultAccount
	}

	intent = router.SubmitIntent{
		Account:     types.AccountID(accountID),
		ClientID:    types.ClientOrderID(m.ClientID),
		Instrument:  types.InstrumentID(m.InstrumentID),
		Side:        side,
		Offset:      offset,
		Volume:      decimal.NewFromInt(m.Volume),
		PriceType:   priceType,
		LimitPrice:  m.LimitPrice,
		TimeInForce: tif,
		VolumeCond:  vc,
	}
	return intent, nil
}
