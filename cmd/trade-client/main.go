/*
This is a simple app that demonstrates trading on a demo account: checking
the balance, placing an order and awaiting its settlement, or watching the
payout table.
*/
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"code.pocketoption.com/po-sdk-go/client/websocket"
	"code.pocketoption.com/po-sdk-go/common"
	"code.pocketoption.com/po-sdk-go/config"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"
)

var (
	errUnknownMode = errors.New("unknown mode")

	red   = color.RedString
	green = color.GreenString
)

func main() {
	// We need this since getting user's home dir can fail.
	defaultConfig, err := config.DefaultFilepath()
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}

	var configFile string

	// Define args struct for convenience.
	args := &cliArgs{}

	flag.StringVarP(&configFile, "config", "c", defaultConfig, "Configuration file")
	flag.BoolVarP(&args.Verbose, "verbose", "v", false, "Prints all debug messages to stdout")

	flag.StringVar(&args.Mode, "mode", "balance", "Can be 'balance', 'place', 'payouts'")
	flag.StringVar(&args.Asset, "asset", "EURUSD_otc", "Asset to trade on")
	flag.StringVar(&args.Amount, "amount", "1", "Order amount")
	flag.StringVar(&args.Direction, "direction", "call", "Order direction: 'call' or 'put'")
	flag.DurationVar(&args.Duration, "duration", 60*time.Second, "Option duration")

	flag.Parse()

	if err := checkCliArgs(args); err != nil {
		log.Print(err)
		os.Exit(1)
	}

	cfg, err := config.New(configFile)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		log.Print(err)
		os.Exit(1)
	}

	app, err := NewTradeApp(args, cfg)
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go app.run(ctx)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	select {
	case <-signals:
		cancel()
	case err := <-app.errChan:
		cancel()
		if err != nil {
			log.Printf("Error: %s", err)
			if err == errUnknownMode {
				flag.PrintDefaults()
			}
		}

		signal.Stop(signals)
	}

	log.Printf("Closing connection...")

	// The connection could already be closed, which would throw an error,
	// but we can swallow it
	app.client.Close()
}

type TradeApp struct {
	args    *cliArgs
	client  *websocket.Client
	errChan chan error
}

func NewTradeApp(args *cliArgs, cfg *config.PO) (*TradeApp, error) {
	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}

	c, err := websocket.NewClient(&websocket.Params{
		SSID: cfg.SSID,
		URLs: endpoints,
	})
	if err != nil {
		return nil, err
	}

	app := &TradeApp{
		args:    args,
		client:  c,
		errChan: make(chan error, 1),
	}

	// Will print state changes to the user.
	if args.Verbose {
		lastErrChan := make(chan error, 1)

		app.client.OnError(func(err error, disconnecting bool) {
			// If the client is going to disconnect because of that error, just save
			// the error to show later on the disconnection message.
			if disconnecting {
				lastErrChan <- err
				return
			}

			// Otherwise, print the error message right away.
			log.Printf("Error: %s", err)
		})

		app.client.OnStateChange(
			websocket.ConnStateAny,
			func(oldState, state websocket.ConnState) {
				select {
				case err := <-lastErrChan:
					if err != nil {
						log.Printf("State updated: %s -> %s: %s", websocket.ConnStateNames[oldState], websocket.ConnStateNames[state], err)
					} else {
						log.Printf("State updated: %s -> %s", websocket.ConnStateNames[oldState], websocket.ConnStateNames[state])
					}
				default:
					log.Printf("State updated: %s -> %s", websocket.ConnStateNames[oldState], websocket.ConnStateNames[state])
				}
			},
		)
	}

	// Reconnection is handled internally; only a terminal disconnection
	// should end the app.
	app.client.OnConnClosed(func(state websocket.ConnState, cause error) {
		if state == websocket.ConnStateDisconnected && cause != nil {
			app.errChan <- cause
		}
	})

	return app, nil
}

func (app *TradeApp) run(ctx context.Context) {
	if err := app.client.Connect(); err != nil {
		app.errChan <- err
		return
	}

	if err := app.client.WaitLive(ctx); err != nil {
		app.errChan <- err
		return
	}

	switch app.args.Mode {
	case "balance":
		app.errChan <- app.balance(ctx)
	case "place":
		app.errChan <- app.place(ctx)
	case "payouts":
		app.errChan <- app.payouts(ctx)
	default:
		app.errChan <- errUnknownMode
	}
}

func (app *TradeApp) balance(ctx context.Context) error {
	log.Println("Session ready: getting balance...")

	balance, err := app.client.Balance(ctx)
	if err != nil {
		return err
	}

	log.Println("Balance:", balance)

	return nil
}

func (app *TradeApp) place(ctx context.Context) error {
	log.Println("Session ready: placing order...")

	amount, err := decimal.NewFromString(app.args.Amount)
	if err != nil {
		return err
	}

	direction, err := common.ParseDirection(app.args.Direction)
	if err != nil {
		return err
	}

	order, err := app.client.PlaceOrder(ctx, common.OrderParams{
		Asset:     app.args.Asset,
		Amount:    amount,
		Direction: direction,
		Duration:  app.args.Duration,
	})
	if err != nil {
		return err
	}

	log.Println("Order placed:", order)
	log.Println("Awaiting settlement...")

	result, err := app.client.CheckWin(ctx, order)
	if err != nil {
		return err
	}

	profit := result.Profit.String()
	if result.Status == common.OrderStatusWin {
		profit = green(profit)
	} else {
		profit = red(profit)
	}

	log.Printf("Order settled: %s, profit: %s", result.Status, profit)

	return nil
}

func (app *TradeApp) payouts(ctx context.Context) error {
	log.Println("Session ready: awaiting the payout table...")

	stream := app.client.SubscribePayouts()
	defer stream.Close()

	payouts, err := stream.Recv(ctx)
	if err != nil {
		return err
	}

	sort.Slice(payouts, func(i, j int) bool {
		if payouts[i].Percent == payouts[j].Percent {
			return payouts[i].Symbol < payouts[j].Symbol
		}
		return payouts[i].Percent > payouts[j].Percent
	})

	lf := log.Flags()
	log.SetFlags(0)

	for _, p := range payouts {
		percent := green("%3d%%", p.Percent)
		if p.Percent < 80 {
			percent = red("%3d%%", p.Percent)
		}

		log.Printf("%-16s %s  %s", p.Symbol, percent, p.Name)
	}

	log.SetFlags(lf)
	log.Println("Payouts:", "done")

	return nil
}

type cliArgs struct {
	Verbose   bool
	Mode      string
	Asset     string
	Amount    string
	Direction string
	Duration  time.Duration
}

func checkCliArgs(a *cliArgs) error {
	if a.Mode == "" {
		return errors.New("mode is not specified")
	}

	if a.Mode != "balance" && a.Mode != "place" && a.Mode != "payouts" {
		return errUnknownMode
	}

	if a.Mode == "place" {
		if a.Asset == "" {
			return errors.New("asset is empty")
		}

		if _, err := decimal.NewFromString(a.Amount); err != nil {
			return errors.New("amount is not a number")
		}

		if _, err := common.ParseDirection(a.Direction); err != nil {
			return err
		}

		if a.Duration <= 0 {
			return errors.New("duration must be positive")
		}
	}

	return nil
}
