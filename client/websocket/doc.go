/*
Package websocket keeps a single authenticated session to the trading
platform alive across network failures, and gives callers request-response,
subscription and cached-query primitives on top of it.

Connecting

The platform has no API keys; it authenticates with the session blob of a
logged-in browser. Capture the `42["auth",...]` websocket frame from the
browser's dev tools and pass it as SSID:

	client, err := websocket.NewClient(&websocket.Params{
		SSID: `42["auth",{"session":"...","isDemo":1,"uid":0,"platform":1}]`,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Set listeners before connecting to avoid missing early transitions.

	client.Connect()

NewClient validates the blob and fails fast with ErrInvalidCredential, so a
bad paste never reaches the network.

By default the client walks the region catalogue matching the account type
(demo blobs get the demo regions, live blobs the live ones) and fails over
to the next endpoint whenever an attempt dies. Pass URLs to pin the client
to specific endpoints, or RegionOrder to rearrange the catalogue:

	client, err := websocket.NewClient(&websocket.Params{
		SSID:        ssid,
		RegionOrder: common.ShuffledOrder,
	})

Connection States

The client is a state machine with five states: ConnStateDisconnected,
ConnStateConnecting, ConnStateAuthenticating, ConnStateLive and
ConnStateDegraded. Requests are only served while live; Degraded means the
session dropped and the client is waiting out a backoff before redialing
the next endpoint. Once every endpoint has failed the configured number of
cycles, the client stops with ErrReconnectExhausted as the final cause. A
rejected credential stops the cycle immediately: every region shares the
auth backend, so retrying elsewhere cannot help.

State listeners observe transitions:

	client.OnStateChange(websocket.ConnStateAny, func(oldState, state websocket.ConnState) {
		log.Printf("%s -> %s",
			websocket.ConnStateNames[oldState],
			websocket.ConnStateNames[state],
		)
	})

AddStateListenerOpt additionally delivers the error that caused the
transition, and supports one-off and call-immediately registration.

Error handlers are always called before state-change listeners:

	client.OnError(func(err error, disconnecting bool) {
		// disconnecting is true when this error is about to cause a
		// disconnection; the upcoming state listener will carry it as
		// the transition cause.
	})

Requests, Subscriptions and Queries

Send performs a request-response exchange: it passes the rate limiter,
registers the reply correlation key, writes the frame and blocks until the
matching reply, the caller's deadline (ErrRequestTimeout), or connection
loss (ErrConnectionLost):

	data, err := client.Send(ctx, &websocket.Request{
		Event: "getBalance",
		Key:   "balance",
	})

Subscribe returns an ordered, pull-based stream of server pushes for one
event name. Messages are coalesced into small batches but never reordered
or dropped while the subscription is open:

	sub := client.Subscribe("updateStream")
	for {
		msgs, err := sub.Recv(ctx)
		if err != nil {
			break // closed by Close() or terminal disconnect
		}
		for _, msg := range msgs {
			// ...
		}
	}

Query consults a small TTL cache before falling through to the network, so
hot values like the account balance don't hammer the platform.

Typed helpers cover the common trading flows: Balance, PlaceOrder,
CheckWin, Candles, SubscribeQuotes and SubscribePayouts. See the examples
directory for complete programs.

Keep-Alive

While live, the client answers the server's heartbeat probes and sends its
own application-level keep-alive every PingInterval. If nothing at all
arrives for PingInterval+LivenessWindow, the connection is declared lost
(ErrTransportLost) and the reconnection cycle takes over. Both intervals
are configurable through Params.

Concurrency

All methods of the Client can be called concurrently from any number of
goroutines. All listeners are called by the same internal goroutine, unique
to each connection; that is, they are never called concurrently with each
other. The listeners shouldn't block: a blocked listener stalls the whole
session.
*/
package websocket
