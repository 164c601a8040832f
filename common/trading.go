package common

import (
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/shopspring/decimal"
)

// Direction represents the side of a binary option order; e.g. "call" or "put".
type Direction int32

func (d Direction) String() string {
	return DirectionNames[d]
}

const (
	DirectionUnknown Direction = iota
	DirectionCall
	DirectionPut
)

// DirectionNames contains the wire names for Direction.
var DirectionNames = map[Direction]string{
	DirectionUnknown: "unknown",
	DirectionCall:    "call",
	DirectionPut:     "put",
}

// ParseDirection converts a wire name like "call" into a Direction. The
// match is case-insensitive.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "call":
		return DirectionCall, nil
	case "put":
		return DirectionPut, nil
	}

	return DirectionUnknown, errors.Errorf("unknown direction %q", s)
}

// OrderStatus represents the lifecycle state of an order.
type OrderStatus int32

func (s OrderStatus) String() string {
	return OrderStatusNames[s]
}

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusActive
	OrderStatusWin
	OrderStatusLose
)

// OrderStatusNames contains human-readable names for OrderStatus.
var OrderStatusNames = map[OrderStatus]string{
	OrderStatusUnknown: "unknown",
	OrderStatusActive:  "active",
	OrderStatusWin:     "win",
	OrderStatusLose:    "lose",
}

// Period is a chart timeframe in seconds.
type Period int

// The following constants define the timeframes the platform serves.
const (
	Period1m  Period = 60
	Period5m  Period = 300
	Period15m Period = 900
	Period30m Period = 1800
	Period1h  Period = 3600
	Period4h  Period = 14400
	Period1d  Period = 86400
	Period1w  Period = 604800
)

// PeriodNames contains human-readable names for Period.
var PeriodNames = map[Period]string{
	Period1m:  "1m",
	Period5m:  "5m",
	Period15m: "15m",
	Period30m: "30m",
	Period1h:  "1h",
	Period4h:  "4h",
	Period1d:  "1d",
	Period1w:  "1w",
}

func (p Period) String() string {
	if name, ok := PeriodNames[p]; ok {
		return name
	}

	return fmt.Sprintf("%ds", int(p))
}

// Duration returns the period length as a time.Duration.
func (p Period) Duration() time.Duration {
	return time.Duration(p) * time.Second
}

// ParsePeriod converts a name like "1m" or "4h" into a Period.
func ParsePeriod(s string) (Period, error) {
	for p, name := range PeriodNames {
		if name == s {
			return p, nil
		}
	}

	return 0, errors.Errorf("unknown period %q", s)
}

// Platform-enforced order limits.
var (
	MinOrderAmount = decimal.NewFromFloat(1.0)
	MaxOrderAmount = decimal.NewFromFloat(50000.0)
)

const (
	MinOrderDuration = 5 * time.Second
	MaxOrderDuration = 12 * time.Hour

	MaxConcurrentOrders = 10
)

// OrderParams contains the necessary options for placing a new order.
type OrderParams struct {
	Asset     string
	Amount    decimal.Decimal
	Direction Direction
	Duration  time.Duration
}

// Validate checks the order parameters against the platform limits.
func (p OrderParams) Validate() error {
	if p.Asset == "" {
		return errors.New("asset is empty")
	}

	if p.Amount.LessThan(MinOrderAmount) || p.Amount.GreaterThan(MaxOrderAmount) {
		return errors.Errorf("amount %s is out of range [%s, %s]",
			p.Amount, MinOrderAmount, MaxOrderAmount)
	}

	if p.Direction != DirectionCall && p.Direction != DirectionPut {
		return errors.Errorf("direction must be call or put")
	}

	if p.Duration < MinOrderDuration || p.Duration > MaxOrderDuration {
		return errors.Errorf("duration %s is out of range [%s, %s]",
			p.Duration, MinOrderDuration, MaxOrderDuration)
	}

	return nil
}

// Order represents an order placed through the client. ID is the
// server-side deal id, used to match the settlement notification;
// RequestID is generated client-side and echoed back in the ack.
type Order struct {
	ID        string
	RequestID string
	Asset     string
	Amount    decimal.Decimal
	Direction Direction
	Duration  time.Duration
	PlacedAt  time.Time
	ExpiresAt time.Time
}

func (o Order) String() string {
	return fmt.Sprintf("[%s %s/%s] id=%s amount=%s expires=%v",
		o.Asset, DirectionNames[o.Direction], o.Duration, o.ID, o.Amount, o.ExpiresAt)
}

// OrderResult is the resolution of an order: its status and, once the
// option expires, the realized profit.
type OrderResult struct {
	Order

	Status OrderStatus
	Profit decimal.Decimal
	// Payout is the payout percentage in effect when the order was placed.
	Payout int
}

func (r OrderResult) String() string {
	return fmt.Sprintf("%s status=%s profit=%s", r.Order, r.Status, r.Profit)
}

// Balance is the account balance as reported by the platform.
type Balance struct {
	Amount    decimal.Decimal
	Currency  string
	Demo      bool
	UID       int64
	UpdatedAt time.Time
}

func (b Balance) String() string {
	kind := "live"
	if b.Demo {
		kind = "demo"
	}

	return fmt.Sprintf("%s %s (%s)", b.Amount, b.Currency, kind)
}

// Candle is a single OHLCV bar.
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal

	Asset  string
	Period Period
}

// Tick is one price update from the quote stream.
type Tick struct {
	Asset string
	Time  time.Time
	Price decimal.Decimal
}

// Payout describes the payout percentage currently offered for an asset.
type Payout struct {
	AssetID int
	Symbol  string
	Name    string
	Type    string
	Percent int
}

type Candles []Candle

func (cs Candles) Len() int {
	return len(cs)
}

func (cs Candles) Less(i, j int) bool {
	return cs[j].Timestamp.After(cs[i].Timestamp)
}

func (cs Candles) Swap(i, j int) {
	cs[i], cs[j] = cs[j], cs[i]
}
