package proto

import (
	"encoding/json"

	"github.com/juju/errors"
)

// Event names the server pushes or replies with.
const (
	EventAuthSuccess    = "successauth"
	EventBalanceUpdated = "successupdateBalance"
	EventBalanceData    = "balance_data"
	EventOrderOpened    = "successopenOrder"
	EventOrderClosed    = "successcloseOrder"
	EventOrderFailed    = "failopenOrder"
	EventStreamUpdate   = "updateStream"
	EventHistoryLoaded  = "loadHistoryPeriod"
	EventHistoryUpdate  = "updateHistoryNew"
	EventAssetsUpdated  = "updateAssets"
)

// Event names the client sends.
const (
	EventAuth         = "auth"
	EventKeepAlive    = "ps"
	EventGetBalance   = "getBalance"
	EventOpenOrder    = "openOrder"
	EventChangeSymbol = "changeSymbol"
)

// NotAuthorizedMarker appears in a text event when the server rejects the
// session blob. There is no structured error payload for it.
const NotAuthorizedMarker = "NotAuthorized"

// OptionTypeFixedTime is the only option type the client places: a
// fixed-expiry binary contract.
const OptionTypeFixedTime = 100

// OrderRequest is the argument of an openOrder event.
type OrderRequest struct {
	Asset      string  `json:"asset"`
	Amount     float64 `json:"amount"`
	Action     string  `json:"action"`
	IsDemo     int     `json:"isDemo"`
	RequestID  string  `json:"requestId"`
	OptionType int     `json:"optionType"`
	Time       int     `json:"time"`
}

// OrderAck is the payload acknowledging a placed order. RequestID echoes
// the client-chosen id; ID is the server-side deal id used in later
// close notifications.
type OrderAck struct {
	ID        json.Number `json:"id"`
	RequestID string      `json:"requestId"`
	Asset     string      `json:"asset"`
	Amount    float64     `json:"amount"`
	Command   int         `json:"command"`
	Time      int         `json:"time"`
	Profit    float64     `json:"profit"`
	Payout    float64     `json:"payout"`
	Error     string      `json:"error"`
}

// Call/put encoding of OrderAck.Command.
const (
	CommandCall = 0
	CommandPut  = 1
)

// Deal is a single settled contract inside an order-closed payload.
type Deal struct {
	ID      json.Number `json:"id"`
	Asset   string      `json:"asset"`
	Amount  float64     `json:"amount"`
	Command int         `json:"command"`
	Profit  float64     `json:"profit"`
	Payout  float64     `json:"payout"`
}

// DealsUpdate is the payload of an order-closed notification.
type DealsUpdate struct {
	Profit float64 `json:"profit"`
	Deals  []Deal  `json:"deals"`
}

// BalanceData is the payload of a balance push.
type BalanceData struct {
	Balance  float64 `json:"balance"`
	Currency string  `json:"currency"`
	IsDemo   int     `json:"isDemo"`
	UID      int64   `json:"uid"`
}

// ChangeSymbol is the argument of a changeSymbol event. It both
// subscribes to an asset's price stream and solicits a candle history
// snapshot for the period.
type ChangeSymbol struct {
	Asset  string `json:"asset"`
	Period int    `json:"period"`
}

// CandleHistory is the container for candle payloads. Depending on the
// code path the server fills either Data or Candles.
type CandleHistory struct {
	Asset   string            `json:"asset"`
	Index   int64             `json:"index"`
	Period  int               `json:"period"`
	Data    []json.RawMessage `json:"data"`
	Candles []json.RawMessage `json:"candles"`
}

// Rows returns whichever candle row list the server filled.
func (h *CandleHistory) Rows() []json.RawMessage {
	if len(h.Data) > 0 {
		return h.Data
	}
	return h.Candles
}

// CandleRow is one OHLCV row in server order.
type CandleRow struct {
	Timestamp float64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// DecodeHistoryCandle parses a history row: [ts, open, a, b, close,
// volume] where a and b are high/low in unspecified order.
func DecodeHistoryCandle(row json.RawMessage) (CandleRow, error) {
	var vals []float64
	if err := json.Unmarshal(row, &vals); err != nil {
		return CandleRow{}, errors.Annotatef(err, "parsing candle row")
	}
	if len(vals) < 5 {
		return CandleRow{}, errors.Errorf("candle row too short: %d values", len(vals))
	}

	c := CandleRow{
		Timestamp: vals[0],
		Open:      vals[1],
		High:      vals[2],
		Low:       vals[3],
		Close:     vals[4],
	}
	if c.High < c.Low {
		c.High, c.Low = c.Low, c.High
	}
	if len(vals) > 5 {
		c.Volume = vals[5]
	}

	return c, nil
}

// DecodeStreamCandle parses a live-stream row, which is either an object
// {time, open, high, low, close, volume} or an array [ts, open, close,
// high, low, volume].
func DecodeStreamCandle(row json.RawMessage) (CandleRow, error) {
	trimmed := trimSpaceLeft(row)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var obj struct {
			Time   float64 `json:"time"`
			Open   float64 `json:"open"`
			High   float64 `json:"high"`
			Low    float64 `json:"low"`
			Close  float64 `json:"close"`
			Volume float64 `json:"volume"`
		}
		if err := json.Unmarshal(row, &obj); err != nil {
			return CandleRow{}, errors.Annotatef(err, "parsing candle object")
		}
		return CandleRow{
			Timestamp: obj.Time,
			Open:      obj.Open,
			High:      obj.High,
			Low:       obj.Low,
			Close:     obj.Close,
			Volume:    obj.Volume,
		}, nil
	}

	var vals []float64
	if err := json.Unmarshal(row, &vals); err != nil {
		return CandleRow{}, errors.Annotatef(err, "parsing candle row")
	}
	if len(vals) < 5 {
		return CandleRow{}, errors.Errorf("candle row too short: %d values", len(vals))
	}

	c := CandleRow{
		Timestamp: vals[0],
		Open:      vals[1],
		Close:     vals[2],
		High:      vals[3],
		Low:       vals[4],
	}
	if len(vals) > 5 {
		c.Volume = vals[5]
	}

	return c, nil
}

// TickRow is one row of an updateStream payload: [asset, ts, price].
type TickRow struct {
	Asset     string
	Timestamp float64
	Price     float64
}

// DecodeTickRows parses an updateStream payload.
func DecodeTickRows(data []byte) ([]TickRow, error) {
	var rows [][3]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errors.Annotatef(err, "parsing tick rows")
	}

	ticks := make([]TickRow, 0, len(rows))
	for _, row := range rows {
		var t TickRow
		if err := json.Unmarshal(row[0], &t.Asset); err != nil {
			return nil, errors.Annotatef(err, "parsing tick asset")
		}
		if err := json.Unmarshal(row[1], &t.Timestamp); err != nil {
			return nil, errors.Annotatef(err, "parsing tick timestamp")
		}
		if err := json.Unmarshal(row[2], &t.Price); err != nil {
			return nil, errors.Annotatef(err, "parsing tick price")
		}
		ticks = append(ticks, t)
	}

	return ticks, nil
}

// PayoutRow is one instrument row of an updateAssets payload. The row is
// a positional array; only the leading columns are stable.
type PayoutRow struct {
	ID        int
	Symbol    string
	Name      string
	AssetType string
	Payout    int
}

// payoutColumn is the index of the payout percentage in an asset row.
const payoutColumn = 5

// DecodePayoutRows parses an updateAssets payload into instrument rows.
// Rows too short to carry a payout column are skipped.
func DecodePayoutRows(data []byte) ([]PayoutRow, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, errors.Annotatef(err, "parsing asset rows")
	}

	payouts := make([]PayoutRow, 0, len(rows))
	for _, row := range rows {
		if len(row) <= payoutColumn {
			continue
		}

		var p PayoutRow
		if err := json.Unmarshal(row[0], &p.ID); err != nil {
			continue
		}
		if err := json.Unmarshal(row[1], &p.Symbol); err != nil {
			continue
		}
		// Name and type are informational; tolerate odd values.
		json.Unmarshal(row[2], &p.Name)
		json.Unmarshal(row[3], &p.AssetType)
		if err := json.Unmarshal(row[payoutColumn], &p.Payout); err != nil {
			continue
		}

		payouts = append(payouts, p)
	}

	return payouts, nil
}

func trimSpaceLeft(data []byte) []byte {
	for len(data) > 0 {
		switch data[0] {
		case ' ', '\t', '\r', '\n':
			data = data[1:]
		default:
			return data
		}
	}
	return data
}
