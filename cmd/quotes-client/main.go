/*
This is a simple app that subscribes to the price streams of a given list
of assets and prints every tick.
*/
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"code.pocketoption.com/po-sdk-go/client/websocket"
	"code.pocketoption.com/po-sdk-go/common"
	"code.pocketoption.com/po-sdk-go/config"

	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"
)

var (
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

	var (
		configFile string
		verbose    bool
		assets     []string
		periodName string
	)

	flag.StringVarP(&configFile, "config", "c", defaultConfig, "Configuration file")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Prints all debug messages to stdout")
	flag.StringSliceVarP(&assets, "asset", "a", []string{}, "Asset to watch, e.g. EURUSD_otc. This flag can be given multiple times")
	flag.StringVarP(&periodName, "period", "p", "1m", "Chart period to arm the stream with")

	flag.Parse()

	if len(assets) == 0 {
		log.Printf("Error: at least one asset must be specified")
		os.Exit(1)
	}

	period, err := common.ParsePeriod(periodName)
	if err != nil {
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

	endpoints, err := cfg.Endpoints()
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}

	// Setup the session (but don't connect just yet).
	c, err := websocket.NewClient(&websocket.Params{
		SSID: cfg.SSID,
		URLs: endpoints,
	})
	if err != nil {
		log.Print(err)
		os.Exit(1)
	}

	// Will print state changes to the user.
	if verbose {
		lastErrChan := make(chan error, 1)

		c.OnError(func(err error, disconnecting bool) {
			// If the client is going to disconnect because of that error, just save
			// the error to show later on the disconnection message.
			if disconnecting {
				lastErrChan <- err
				return
			}

			// Otherwise, print the error message right away.
			log.Printf("Error: %s", err)
		})

		c.OnStateChange(
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

	signals := make(chan os.Signal, 1)

	go func() {
		ctx := context.Background()

		if err := c.WaitLive(ctx); err != nil {
			log.Printf("Error: %s", err)
			signals <- syscall.SIGQUIT
			return
		}

		for _, asset := range assets {
			stream, err := c.SubscribeQuotes(ctx, asset, period)
			if err != nil {
				log.Printf("Error subscribing to %s: %s", asset, err)
				signals <- syscall.SIGQUIT
				return
			}

			go printTicks(ctx, stream)
		}
	}()

	if verbose {
		log.Printf("Connecting to %s ...", c.URL())
	}

	// Finally, connect.
	if err := c.Connect(); err != nil {
		log.Print(err)
		os.Exit(1)
	}

	signal.Notify(signals, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	// Wait until the OS signal is received, at which point we'll close the connection and quit.
	<-signals

	log.Print("Closing connection...")

	// The connection could already be closed, which would throw an error,
	// but we can swallow it
	c.Close()
}

// printTicks prints every tick of the stream, green when the price went
// up since the previous tick and red when it went down.
func printTicks(ctx context.Context, stream *websocket.QuoteStream) {
	var last decimal.Decimal

	for {
		ticks, err := stream.Recv(ctx)
		if err != nil {
			log.Printf("Stream %s ended: %s", stream.Asset(), err)
			return
		}

		for _, tick := range ticks {
			price := tick.Price.String()
			switch {
			case tick.Price.GreaterThan(last):
				price = green(price)
			case tick.Price.LessThan(last):
				price = red(price)
			}

			log.Printf("%-16s %s", tick.Asset, price)

			last = tick.Price
		}
	}
}
