package websocket

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"code.pocketoption.com/po-sdk-go/common"
	"code.pocketoption.com/po-sdk-go/proto"
)

// Typed trading operations on top of the session engine. Each one is a
// thin adapter: it encodes the platform event, leaves throttling and
// reply correlation to Send, and decodes the payload into common types.

// Balance returns the account balance. Fresh values are served from the
// query cache; any balance push from the server invalidates the cached
// value, so a read right after a settlement sees the new one.
func (c *Client) Balance(ctx context.Context) (common.Balance, error) {
	v, err := c.Query(ctx, keyBalance, func(ctx context.Context) (interface{}, error) {
		data, err := c.Send(ctx, &Request{
			Event: proto.EventGetBalance,
			Key:   keyBalance,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}

		var bd proto.BalanceData
		if err := json.Unmarshal(data, &bd); err != nil {
			return nil, errors.Annotatef(err, "parsing balance payload")
		}

		return common.Balance{
			Amount:    decimal.NewFromFloat(bd.Balance),
			Currency:  bd.Currency,
			Demo:      bd.IsDemo != 0,
			UID:       bd.UID,
			UpdatedAt: time.Now(),
		}, nil
	})
	if err != nil {
		return common.Balance{}, errors.Trace(err)
	}

	balance, ok := v.(common.Balance)
	if !ok {
		return common.Balance{}, errors.Errorf("unexpected cache entry %T under %q", v, keyBalance)
	}

	return balance, nil
}

// PlaceOrder opens a fixed-expiry binary option contract and blocks until
// the server acknowledges it. The returned Order carries the server-side
// deal id, which CheckWin uses to await the settlement.
func (c *Client) PlaceOrder(ctx context.Context, params common.OrderParams) (common.Order, error) {
	if err := params.Validate(); err != nil {
		return common.Order{}, errors.Trace(err)
	}

	requestID := uuid.New().String()
	amount, _ := params.Amount.Float64()

	data, err := c.Send(ctx, &Request{
		Event: proto.EventOpenOrder,
		Args: []interface{}{proto.OrderRequest{
			Asset:      params.Asset,
			Amount:     amount,
			Action:     params.Direction.String(),
			IsDemo:     demoFlag(c.conn.credential.Demo),
			RequestID:  requestID,
			OptionType: proto.OptionTypeFixedTime,
			Time:       int(params.Duration / time.Second),
		}},
		Key: requestID,
	})
	if err != nil {
		return common.Order{}, errors.Trace(err)
	}

	var ack proto.OrderAck
	if err := json.Unmarshal(data, &ack); err != nil {
		return common.Order{}, errors.Annotatef(err, "parsing order ack")
	}

	if ack.Error != "" {
		return common.Order{}, errors.Errorf("order rejected: %s", ack.Error)
	}
	if ack.ID.String() == "" {
		return common.Order{}, errors.Errorf("order not accepted: %.80s", data)
	}

	placedAt := time.Now()

	return common.Order{
		ID:        ack.ID.String(),
		RequestID: requestID,
		Asset:     params.Asset,
		Amount:    params.Amount,
		Direction: params.Direction,
		Duration:  params.Duration,
		PlacedAt:  placedAt,
		ExpiresAt: placedAt.Add(params.Duration),
	}, nil
}

// CheckWin blocks until the order settles and returns the outcome. The
// server reports settlements in deal batches on its own schedule, shortly
// after the option expires. The wait is bounded by ctx; a ctx without a
// deadline gets the time until expiry plus the request timeout.
func (c *Client) CheckWin(ctx context.Context, order common.Order) (common.OrderResult, error) {
	if order.ID == "" {
		return common.OrderResult{}, errors.New("order has no deal id")
	}

	if _, ok := ctx.Deadline(); !ok {
		wait := time.Until(order.ExpiresAt) + c.conn.params.RequestTimeout
		if wait < c.conn.params.RequestTimeout {
			wait = c.conn.params.RequestTimeout
		}

		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	data, err := c.conn.await(ctx, dealKey(order.ID))
	if err != nil {
		return common.OrderResult{}, errors.Trace(err)
	}

	var deal proto.Deal
	if err := json.Unmarshal(data, &deal); err != nil {
		return common.OrderResult{}, errors.Annotatef(err, "parsing deal payload")
	}

	result := common.OrderResult{
		Order:  order,
		Profit: decimal.NewFromFloat(deal.Profit),
		Payout: int(deal.Payout),
		Status: common.OrderStatusLose,
	}
	if deal.Profit > 0 {
		result.Status = common.OrderStatusWin
	}

	return result, nil
}

// Candles returns a candle history snapshot for the asset at the given
// period, oldest first. The underlying changeSymbol request doubles as a
// price stream subscription server-side; the engine re-arms it after
// every reconnect. Snapshots are briefly cached, so adjacent reads for
// one symbol don't hit the wire twice.
func (c *Client) Candles(ctx context.Context, asset string, period common.Period) ([]common.Candle, error) {
	if asset == "" {
		return nil, errors.New("asset is empty")
	}
	if period <= 0 {
		return nil, errors.Errorf("period %d is not positive", period)
	}

	cs := proto.ChangeSymbol{Asset: asset, Period: int(period)}
	key := symbolKey(asset, int(period))

	v, err := c.Query(ctx, key, func(ctx context.Context) (interface{}, error) {
		data, err := c.Send(ctx, &Request{
			Event: proto.EventChangeSymbol,
			Args:  []interface{}{cs},
			Key:   key,
		})
		if err != nil {
			return nil, errors.Trace(err)
		}

		candles, err := decodeCandles(data, asset, period)
		if err != nil {
			return nil, errors.Trace(err)
		}

		// The server now streams this symbol; have reconnects replay it.
		c.conn.registerSymbol(cs)

		return candles, nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	candles, ok := v.([]common.Candle)
	if !ok {
		return nil, errors.Errorf("unexpected cache entry %T under %q", v, key)
	}

	return candles, nil
}

// QuoteStream is an ordered stream of price ticks for one asset, created
// with SubscribeQuotes.
type QuoteStream struct {
	asset string
	sub   *Subscription
}

// SubscribeQuotes starts streaming price ticks for the asset. The
// changeSymbol request arming the server-side stream is replayed after
// every reconnect; ticks for other assets multiplexed onto the session
// are filtered out.
func (c *Client) SubscribeQuotes(ctx context.Context, asset string, period common.Period) (*QuoteStream, error) {
	if asset == "" {
		return nil, errors.New("asset is empty")
	}
	if period <= 0 {
		period = common.Period1m
	}

	cs := proto.ChangeSymbol{Asset: asset, Period: int(period)}

	data, err := proto.EncodeEvent(proto.EventChangeSymbol, cs)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Subscribe before arming the stream, so the first tick can't slip
	// past.
	sub := c.Subscribe(proto.EventStreamUpdate)

	ctx, cancel := c.conn.requestCtx(ctx)
	defer cancel()

	if err := c.conn.rateGate.acquire(ctx); err != nil {
		sub.Close()
		return nil, errors.Trace(err)
	}

	if err := c.conn.send(ctx, data); err != nil {
		sub.Close()
		return nil, errors.Trace(err)
	}

	c.conn.registerSymbol(cs)

	return &QuoteStream{asset: asset, sub: sub}, nil
}

// Asset returns the asset the stream was subscribed for.
func (q *QuoteStream) Asset() string {
	return q.asset
}

// Recv returns the next price ticks for the stream's asset, in arrival
// order. It ends the way Subscription.Recv does.
func (q *QuoteStream) Recv(ctx context.Context) ([]common.Tick, error) {
	for {
		msgs, err := q.sub.Recv(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}

		var ticks []common.Tick
		for _, msg := range msgs {
			// Candle snapshots ride the same topic; skip whatever isn't
			// tick rows.
			rows, err := proto.DecodeTickRows(msg)
			if err != nil {
				continue
			}

			for _, row := range rows {
				if row.Asset != q.asset {
					continue
				}
				ticks = append(ticks, tickFromRow(row))
			}
		}

		if len(ticks) > 0 {
			return ticks, nil
		}
	}
}

// Close ends the stream. The server keeps pushing the symbol for the
// rest of the session; undeliverable ticks are simply dropped.
func (q *QuoteStream) Close() {
	q.sub.Close()
}

// PayoutStream is an ordered stream of payout table pushes, created with
// SubscribePayouts.
type PayoutStream struct {
	sub *Subscription
}

// SubscribePayouts starts streaming the payout table. The server pushes
// the full table on its own schedule (at least once right after
// authentication), so no request is sent.
func (c *Client) SubscribePayouts() *PayoutStream {
	return &PayoutStream{sub: c.Subscribe(proto.EventAssetsUpdated)}
}

// Recv returns the payout table from the most recent push. It ends the
// way Subscription.Recv does.
func (p *PayoutStream) Recv(ctx context.Context) ([]common.Payout, error) {
	for {
		msgs, err := p.sub.Recv(ctx)
		if err != nil {
			return nil, errors.Trace(err)
		}

		// Each push is a complete table; only the newest one matters.
		for i := len(msgs) - 1; i >= 0; i-- {
			rows, err := proto.DecodePayoutRows(msgs[i])
			if err != nil || len(rows) == 0 {
				continue
			}

			payouts := make([]common.Payout, 0, len(rows))
			for _, row := range rows {
				payouts = append(payouts, common.Payout{
					AssetID: row.ID,
					Symbol:  row.Symbol,
					Name:    row.Name,
					Type:    row.AssetType,
					Percent: row.Payout,
				})
			}

			return payouts, nil
		}
	}
}

// Close ends the stream.
func (p *PayoutStream) Close() {
	p.sub.Close()
}

func decodeCandles(data []byte, asset string, period common.Period) ([]common.Candle, error) {
	var hist proto.CandleHistory
	if err := json.Unmarshal(data, &hist); err != nil {
		return nil, errors.Annotatef(err, "parsing candle payload")
	}

	rows := hist.Rows()
	candles := make([]common.Candle, 0, len(rows))
	for _, raw := range rows {
		row, err := proto.DecodeHistoryCandle(raw)
		if err != nil {
			return nil, errors.Trace(err)
		}

		candles = append(candles, candleFromRow(row, asset, period))
	}

	sort.Sort(common.Candles(candles))

	return candles, nil
}

func candleFromRow(row proto.CandleRow, asset string, period common.Period) common.Candle {
	return common.Candle{
		Timestamp: timeFromUnixFloat(row.Timestamp),
		Open:      decimal.NewFromFloat(row.Open),
		High:      decimal.NewFromFloat(row.High),
		Low:       decimal.NewFromFloat(row.Low),
		Close:     decimal.NewFromFloat(row.Close),
		Volume:    decimal.NewFromFloat(row.Volume),
		Asset:     asset,
		Period:    period,
	}
}

func tickFromRow(row proto.TickRow) common.Tick {
	return common.Tick{
		Asset: row.Asset,
		Time:  timeFromUnixFloat(row.Timestamp),
		Price: decimal.NewFromFloat(row.Price),
	}
}

func timeFromUnixFloat(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

func demoFlag(demo bool) int {
	if demo {
		return 1
	}
	return 0
}
