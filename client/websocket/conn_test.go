package websocket

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"code.pocketoption.com/po-sdk-go/proto"
)

type eventType int

const (
	eventTypeConnOpened eventType = iota
	eventTypeMsg
)

// websocketEvent represents an event like new opened connection or new
// received websocket message
type websocketEvent struct {
	eventType eventType

	// The fields below are only relevant if eventType is eventTypeMsg
	messageType int
	data        []byte
	err         error
}

// serverTx is a message for the test server to send to the client, or, if
// closeConn is set, an order to close the connection gracefully.
type serverTx struct {
	messageType int
	data        []byte
	closeConn   bool
}

type testServerParams struct {
	rx  <-chan websocketEvent
	tx  chan<- serverTx
	url string
}

const (
	// testSSID is a session blob as it would be pasted from the browser;
	// the client parses it and reproduces the exact same auth frame.
	testSSID = `42["auth",{"session":"test-session-blob","isDemo":1,"uid":0,"platform":1}]`

	testOpener = `0{"sid":"test-sid","pingInterval":25000,"pingTimeout":20000}`
	testNsAck  = `40{"sid":"test-ns-sid"}`
	testAuthOK = `42["successauth",{}]`
)

func testParams(url string) *Params {
	return &Params{
		SSID: testSSID,
		URLs: []string{url},

		ReconnectOpts: &ReconnectOpts{
			Reconnect:           true,
			ReconnectTimeout:    1 * time.Second,
			MaxReconnectTimeout: 1 * time.Second,
			MaxReconnectCycles:  5,
		},
	}
}

func withTestServer(t *testing.T, cb func(tp *testServerParams) error) error {
	// tx and rx are channels to communicate raw websocket messages with
	// the test server: everything received by the server will be delivered
	// to rx, and everything sent to tx will be sent by the server to the
	// client.
	rx := make(chan websocketEvent, 128)
	tx := make(chan serverTx, 128)

	// Create test server with a single root endpoint which upgrades
	// connection to websocket
	ts := httptest.NewServer(http.HandlerFunc(getSessionHandler(t, rx, tx)))
	defer ts.Close()

	// Replace the scheme in url to "ws"
	u, err := url.Parse(ts.URL)
	if err != nil {
		return errors.Trace(err)
	}
	u.Scheme = "ws"

	if err := cb(&testServerParams{
		rx:  rx,
		tx:  tx,
		url: u.String(),
	}); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// getSessionHandler returns an http handler which upgrades the connection
// to websocket, forwards events (opened connections and received
// messages) to the rx channel, and forwards messages from tx channel to
// websocket.
//
// NOTE that only one connection should be opened at a time, since
// currently there's no way to receive/send stuff from/to a particular
// connection in case there are many.
func getSessionHandler(
	t *testing.T,
	rx chan<- websocketEvent,
	tx <-chan serverTx,
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		upgrader := websocket.Upgrader{
			// The client sends Origin: https://pocketoption.com on every
			// dial; the default CheckOrigin would refuse it on loopback.
			CheckOrigin: func(*http.Request) bool { return true },
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer ws.Close()

		t.Logf("new session websocket conn is opened")

		rx <- websocketEvent{
			eventType: eventTypeConnOpened,
		}

		go func() {
			for {
				mt, message, err := ws.ReadMessage()

				t.Logf("websocket rx: type=%d, data=%s, err=%v", mt, message, err)

				rx <- websocketEvent{
					eventType: eventTypeMsg,

					messageType: mt,
					data:        message,
					err:         err,
				}

				if err != nil {
					t.Logf("breaking out of Rx loop")
					// Signal tx loop to exit as well
					cancel()
					break
				}
			}
		}()

	txLoop:
		for {
			select {
			case msg := <-tx:
				if msg.closeConn {
					t.Logf("websocket tx: close")

					data := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					if err := ws.WriteControl(websocket.CloseMessage, data, time.Now().Add(time.Second)); err != nil {
						t.Logf("error writing close to websocket: %s", err)
					}
					continue txLoop
				}

				t.Logf("websocket tx: type=%d, data=%s", msg.messageType, msg.data)

				if err := ws.WriteMessage(msg.messageType, msg.data); err != nil {
					t.Logf("error writing to websocket: %s", err)
					break
				}
			case <-ctx.Done():
				t.Logf("breaking out of Tx loop")
				break txLoop
			}
		}
	}
}

// withRefusingServer runs a plain HTTP server which never upgrades to
// websocket, so every dial against it fails the handshake.
func withRefusingServer(t *testing.T, cb func(url string) error) error {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websocket here", http.StatusNotFound)
	}))
	defer ts.Close()

	u, err := url.Parse(ts.URL)
	if err != nil {
		return errors.Trace(err)
	}
	u.Scheme = "ws"

	return errors.Trace(cb(u.String()))
}

func sendText(tp *testServerParams, data string) {
	tp.tx <- serverTx{messageType: websocket.TextMessage, data: []byte(data)}
}

func sendBinary(tp *testServerParams, data string) {
	tp.tx <- serverTx{messageType: websocket.BinaryMessage, data: []byte(data)}
}

func closeConn(tp *testServerParams) {
	tp.tx <- serverTx{closeConn: true}
}

func waitConnOpen(t *testing.T, tp *testServerParams) error {
	select {
	case event := <-tp.rx:
		if want, got := eventTypeConnOpened, event.eventType; want != got {
			return errors.Errorf("event type: want: %v, got: %v (%+v)", want, got, event)
		}

	case <-time.After(2 * time.Second):
		return errors.Errorf("didn't receive anything")
	}

	return nil
}

// waitClientMsgRaw returns the next websocket event received by the test
// server, whatever it is.
func waitClientMsgRaw(t *testing.T, tp *testServerParams) (websocketEvent, error) {
	select {
	case event := <-tp.rx:
		if want, got := eventTypeMsg, event.eventType; want != got {
			return event, errors.Errorf("event type: want: %v, got: %v (%+v)", want, got, event)
		}

		return event, nil

	case <-time.After(2 * time.Second):
		return websocketEvent{}, errors.Errorf("didn't receive anything")
	}
}

// waitClientMsg returns the next message received by the test server,
// skipping the client's periodic keep-alives and heartbeat pongs.
func waitClientMsg(t *testing.T, tp *testServerParams) ([]byte, error) {
	for {
		event, err := waitClientMsgRaw(t, tp)
		if err != nil {
			return nil, errors.Trace(err)
		}

		if event.err != nil {
			return nil, errors.Errorf("expected a message, got error: %s", event.err)
		}

		if bytes.Equal(event.data, proto.KeepAliveMessage) || bytes.Equal(event.data, proto.PongMessage) {
			continue
		}

		return event.data, nil
	}
}

func waitClientMsgEqual(t *testing.T, tp *testServerParams, want string) error {
	data, err := waitClientMsg(t, tp)
	if err != nil {
		return errors.Trace(err)
	}

	if string(data) != want {
		return errors.Errorf("client message: want: %s, got: %s", want, data)
	}

	return nil
}

func waitKeepAlive(t *testing.T, tp *testServerParams) error {
	for {
		event, err := waitClientMsgRaw(t, tp)
		if err != nil {
			return errors.Trace(err)
		}

		if event.err != nil {
			return errors.Errorf("expected a keep-alive, got error: %s", event.err)
		}

		if bytes.Equal(event.data, proto.KeepAliveMessage) {
			return nil
		}
	}
}

func waitPong(t *testing.T, tp *testServerParams) error {
	for {
		event, err := waitClientMsgRaw(t, tp)
		if err != nil {
			return errors.Trace(err)
		}

		if event.err != nil {
			return errors.Errorf("expected a pong, got error: %s", event.err)
		}

		if bytes.Equal(event.data, proto.PongMessage) {
			return nil
		}

		if bytes.Equal(event.data, proto.KeepAliveMessage) {
			continue
		}

		return errors.Errorf("expected a pong, got: %s", event.data)
	}
}

func waitConnClose(t *testing.T, tp *testServerParams) error {
	for {
		event, err := waitClientMsgRaw(t, tp)
		if err != nil {
			return errors.Trace(err)
		}

		if event.err != nil {
			return nil
		}

		// Keep-alives can trail in before the closure.
		if bytes.Equal(event.data, proto.KeepAliveMessage) || bytes.Equal(event.data, proto.PongMessage) {
			continue
		}

		return errors.Errorf("expected the connection to close, got message: %s", event.data)
	}
}

// completeHandshake drives the server side of the session handshake:
// opener, namespace attach, auth.
func completeHandshake(t *testing.T, tp *testServerParams) error {
	if err := waitConnOpen(t, tp); err != nil {
		return errors.Errorf("waiting for new conn to be opened: %s", err)
	}

	sendText(tp, testOpener)

	if err := waitClientMsgEqual(t, tp, string(proto.ConnectMessage)); err != nil {
		return errors.Errorf("waiting for namespace attach: %s", err)
	}

	sendText(tp, testNsAck)

	if err := waitClientMsgEqual(t, tp, testSSID); err != nil {
		return errors.Errorf("waiting for auth frame: %s", err)
	}

	sendText(tp, testAuthOK)

	return nil
}

// setupLiveClient connects a new client to the test server, drives the
// handshake and waits until the session is live.
func setupLiveClient(t *testing.T, tp *testServerParams, params *Params) (*Client, error) {
	client, err := NewClient(params)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := client.Connect(); err != nil {
		return nil, errors.Trace(err)
	}

	if err := completeHandshake(t, tp); err != nil {
		return nil, errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.WaitLive(ctx); err != nil {
		return nil, errors.Trace(err)
	}

	return client, nil
}

func TestWsConn(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		client, err := NewClient(testParams(tp.url))
		if err != nil {
			return errors.Trace(err)
		}

		// Add state tracker to the connection, so we'll see all state transitions
		st := NewStateTracker()
		st.addStateListener(client.conn, ConnStateAny, StateListenerOpt{})

		if err := client.Connect(); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		// Wait for the new conn to be opened
		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if err := st.expectState(ConnStateAuthenticating); err != nil {
			return errors.Trace(err)
		}

		// Walk the client through the session handshake step by step
		sendText(tp, testOpener)

		if err := waitClientMsgEqual(t, tp, string(proto.ConnectMessage)); err != nil {
			return errors.Errorf("waiting for namespace attach: %s", err)
		}

		sendText(tp, testNsAck)

		if err := waitClientMsgEqual(t, tp, testSSID); err != nil {
			return errors.Errorf("waiting for auth frame: %s", err)
		}

		sendText(tp, testAuthOK)

		if err := st.expectState(ConnStateLive); err != nil {
			return errors.Trace(err)
		}

		// Check states so far
		if err := st.checkStates([]string{
			"disconnected->connecting",
			"connecting->authenticating",
			"authenticating->live",
		}); err != nil {
			return errors.Trace(err)
		}

		status := client.Status()
		if want, got := ConnStateLive, status.State; want != got {
			return errors.Errorf("status state: want: %v, got: %v", want, got)
		}
		if want, got := tp.url, status.Endpoint; want != got {
			return errors.Errorf("status endpoint: want: %q, got: %q", want, got)
		}
		if status.Uptime <= 0 {
			return errors.Errorf("status uptime: want positive, got: %v", status.Uptime)
		}

		// Drop the connection from the server side; the client should come
		// back to the same endpoint and authenticate again.
		closeConn(tp)

		// Wait for the connection being closed
		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := st.expectState(ConnStateDegraded); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		if err := completeHandshake(t, tp); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateAuthenticating); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateLive); err != nil {
			return errors.Trace(err)
		}

		// Check states so far
		if err := st.checkStates([]string{
			"disconnected->connecting",
			"connecting->authenticating",
			"authenticating->live",
			"live->degraded(websocket: close 1000 (normal))",
			"degraded->connecting",
			"connecting->authenticating",
			"authenticating->live",
		}); err != nil {
			return errors.Trace(err)
		}

		// Close and stop reconnecting
		if err := client.Close(); err != nil {
			return errors.Trace(err)
		}

		// Wait for the connection being closed
		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := st.expectState(ConnStateDisconnected); err != nil {
			return errors.Trace(err)
		}

		if err := st.checkStates([]string{
			"disconnected->connecting",
			"connecting->authenticating",
			"authenticating->live",
			"live->degraded(websocket: close 1000 (normal))",
			"degraded->connecting",
			"connecting->authenticating",
			"authenticating->live",
			"live->disconnected(websocket: close 1000 (normal))",
		}); err != nil {
			return errors.Trace(err)
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestStateListeners(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		client, err := NewClient(testParams(tp.url))
		if err != nil {
			return errors.Trace(err)
		}

		type testCase struct {
			state                   ConnState
			oneOff, callImmediately bool
			wantTransitions         []string
		}

		testCases := []testCase{
			{
				state: ConnStateAny, oneOff: false, callImmediately: false,
				wantTransitions: []string{
					"disconnected->connecting",
					"connecting->authenticating",
					"authenticating->live",
					"live->disconnected(websocket: close 1000 (normal))",
				},
			},
			{
				state: ConnStateAny, oneOff: false, callImmediately: true,
				wantTransitions: []string{
					"disconnected->disconnected",
					"disconnected->connecting",
					"connecting->authenticating",
					"authenticating->live",
					"live->disconnected(websocket: close 1000 (normal))",
				},
			},
			{
				state: ConnStateAny, oneOff: true, callImmediately: false,
				wantTransitions: []string{
					"disconnected->connecting",
				},
			},
			{
				state: ConnStateAny, oneOff: true, callImmediately: true,
				wantTransitions: []string{
					"disconnected->disconnected",
				},
			},

			{
				state: ConnStateLive, oneOff: false, callImmediately: false,
				wantTransitions: []string{
					"authenticating->live",
				},
			},
			{
				state: ConnStateLive, oneOff: true, callImmediately: false,
				wantTransitions: []string{
					"authenticating->live",
				},
			},

			{
				state: ConnStateDisconnected, oneOff: false, callImmediately: false,
				wantTransitions: []string{
					"live->disconnected(websocket: close 1000 (normal))",
				},
			},
			{
				state: ConnStateDisconnected, oneOff: false, callImmediately: true,
				wantTransitions: []string{
					"disconnected->disconnected",
					"live->disconnected(websocket: close 1000 (normal))",
				},
			},

			{
				state: ConnStateDegraded, oneOff: false, callImmediately: false,
				wantTransitions: []string{},
			},
		}

		// Create state trackers for each test case
		st := make([]*stateTracker, len(testCases))
		for i, v := range testCases {
			st[i] = NewStateTracker()
			st[i].addStateListener(client.conn, v.state, StateListenerOpt{
				OneOff: v.oneOff, CallImmediately: v.callImmediately,
			})
		}

		if err := client.Connect(); err != nil {
			return errors.Trace(err)
		}

		if err := st[0].expectState(ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		if err := completeHandshake(t, tp); err != nil {
			return errors.Trace(err)
		}

		if err := st[0].expectState(ConnStateAuthenticating); err != nil {
			return errors.Trace(err)
		}

		if err := st[0].expectState(ConnStateLive); err != nil {
			return errors.Trace(err)
		}

		// Close and stop reconnecting
		if err := client.Close(); err != nil {
			return errors.Trace(err)
		}

		// Wait for the connection being closed
		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := st[0].expectState(ConnStateDisconnected); err != nil {
			return errors.Trace(err)
		}

		// Check states from all test cases
		for i, v := range testCases {
			if err := st[i].checkStates(v.wantTransitions); err != nil {
				return errors.Annotatef(err, "test case #%d", i)
			}
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestEndpointFallback(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		return withRefusingServer(t, func(badURL string) error {
			params := testParams(tp.url)
			params.URLs = []string{badURL, tp.url}

			client, err := NewClient(params)
			if err != nil {
				return errors.Trace(err)
			}

			st := NewStateTracker()
			st.addStateListener(client.conn, ConnStateAny, StateListenerOpt{})

			if err := client.Connect(); err != nil {
				return errors.Trace(err)
			}

			// The first endpoint refuses the websocket upgrade; the client
			// should fall back to the second one.
			if err := st.expectState(ConnStateConnecting); err != nil {
				return errors.Trace(err)
			}

			if err := st.expectState(ConnStateDegraded); err != nil {
				return errors.Trace(err)
			}

			if err := st.expectState(ConnStateConnecting); err != nil {
				return errors.Trace(err)
			}

			if err := completeHandshake(t, tp); err != nil {
				return errors.Trace(err)
			}

			if err := st.expectState(ConnStateAuthenticating); err != nil {
				return errors.Trace(err)
			}

			if err := st.expectState(ConnStateLive); err != nil {
				return errors.Trace(err)
			}

			if want, got := tp.url, client.URL(); want != got {
				return errors.Errorf("client url: want: %q, got: %q", want, got)
			}

			if err := st.checkStates([]string{
				"disconnected->connecting",
				"connecting->degraded(websocket: bad handshake)",
				"degraded->connecting",
				"connecting->authenticating",
				"authenticating->live",
			}); err != nil {
				return errors.Trace(err)
			}

			if err := client.Close(); err != nil {
				return errors.Trace(err)
			}

			return nil
		})
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestReconnectExhausted(t *testing.T) {
	err := withRefusingServer(t, func(badURL string) error {
		params := testParams(badURL)
		params.ReconnectOpts = &ReconnectOpts{
			Reconnect:           true,
			ReconnectTimeout:    1 * time.Second,
			MaxReconnectTimeout: 1 * time.Second,
			MaxReconnectCycles:  2,
		}

		client, err := NewClient(params)
		if err != nil {
			return errors.Trace(err)
		}

		st := NewStateTracker()
		st.addStateListener(client.conn, ConnStateAny, StateListenerOpt{})

		// WaitLive callers must learn the terminal error too.
		waitLiveRes := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			waitLiveRes <- client.WaitLive(ctx)
		}()

		if err := client.Connect(); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateDegraded); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectStateWCause(ConnStateDisconnected, ErrReconnectExhausted); err != nil {
			return errors.Trace(err)
		}

		select {
		case err := <-waitLiveRes:
			if want, got := ErrReconnectExhausted, errors.Cause(err); want != got {
				return errors.Errorf("WaitLive error: want: %v, got: %v", want, got)
			}
		case <-time.After(1 * time.Second):
			return errors.Errorf("WaitLive didn't return")
		}

		if err := st.checkStates([]string{
			"disconnected->connecting",
			"connecting->degraded(websocket: bad handshake)",
			"degraded->connecting",
			"connecting->disconnected(reconnect attempts exhausted)",
		}); err != nil {
			return errors.Trace(err)
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestAuthRejected(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		client, err := NewClient(testParams(tp.url))
		if err != nil {
			return errors.Trace(err)
		}

		st := NewStateTracker()
		st.addStateListener(client.conn, ConnStateAny, StateListenerOpt{})

		if err := client.Connect(); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if err := st.expectState(ConnStateAuthenticating); err != nil {
			return errors.Trace(err)
		}

		sendText(tp, testOpener)

		if err := waitClientMsgEqual(t, tp, string(proto.ConnectMessage)); err != nil {
			return errors.Errorf("waiting for namespace attach: %s", err)
		}

		sendText(tp, testNsAck)

		if err := waitClientMsgEqual(t, tp, testSSID); err != nil {
			return errors.Errorf("waiting for auth frame: %s", err)
		}

		// Refuse the session. The client must give up rather than walk the
		// endpoint list: the blob won't get any better elsewhere.
		sendText(tp, `42["NotAuthorized"]`)

		// Wait for the connection being closed
		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := st.expectStateWCause(ConnStateDisconnected, ErrAuthRejected); err != nil {
			return errors.Trace(err)
		}

		if err := st.checkStates([]string{
			"disconnected->connecting",
			"connecting->authenticating",
			"authenticating->disconnected(authentication rejected)",
		}); err != nil {
			return errors.Trace(err)
		}

		// No reconnection attempt should follow.
		select {
		case event := <-tp.rx:
			return errors.Errorf("expected silence after the rejection, got: %+v", event)
		case <-time.After(1500 * time.Millisecond):
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestAuthTimeout(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		params := testParams(tp.url)
		params.AuthTimeout = 300 * time.Millisecond

		client, err := NewClient(params)
		if err != nil {
			return errors.Trace(err)
		}

		st := NewStateTracker()
		st.addStateListener(client.conn, ConnStateAny, StateListenerOpt{})

		if err := client.Connect(); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if err := st.expectState(ConnStateAuthenticating); err != nil {
			return errors.Trace(err)
		}

		// Never send the opener: the handshake deadline must fire and move
		// the client along to a reconnection cycle.
		if err := st.expectStateWCause(ConnStateDegraded, ErrAuthTimeout); err != nil {
			return errors.Trace(err)
		}

		// Wait for the connection being closed
		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := st.expectState(ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		// The next attempt completes normally.
		if err := completeHandshake(t, tp); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateAuthenticating); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(ConnStateLive); err != nil {
			return errors.Trace(err)
		}

		if err := st.checkStates([]string{
			"disconnected->connecting",
			"connecting->authenticating",
			"authenticating->degraded(authentication timed out)",
			"degraded->connecting",
			"connecting->authenticating",
			"authenticating->live",
		}); err != nil {
			return errors.Trace(err)
		}

		if err := client.Close(); err != nil {
			return errors.Trace(err)
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestKeepAlive(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		params := testParams(tp.url)
		params.PingInterval = 200 * time.Millisecond
		params.LivenessWindow = 300 * time.Millisecond

		client, err := setupLiveClient(t, tp, params)
		if err != nil {
			return errors.Trace(err)
		}

		st := NewStateTracker()
		st.addStateListener(client.conn, ConnStateAny, StateListenerOpt{})

		// The client pings the application layer on its own schedule.
		if err := waitKeepAlive(t, tp); err != nil {
			return errors.Trace(err)
		}

		// Engine-level heartbeat probes get an immediate pong.
		sendText(tp, "2")

		if err := waitPong(t, tp); err != nil {
			return errors.Trace(err)
		}

		// Then the server goes silent. With nothing inbound for the whole
		// liveness window, the client must declare the connection lost and
		// start a reconnection cycle.
		if err := st.expectStateWCause(ConnStateDegraded, ErrTransportLost); err != nil {
			return errors.Trace(err)
		}

		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := client.Close(); err != nil {
			return errors.Trace(err)
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestRequests(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		client, err := setupLiveClient(t, tp, testParams(tp.url))
		if err != nil {
			return errors.Trace(err)
		}

		st := NewStateTracker()
		st.addStateListener(client.conn, ConnStateDisconnected, StateListenerOpt{})

		type sendResult struct {
			data []byte
			err  error
		}

		res := make(chan sendResult, 1)
		go func() {
			data, err := client.Send(context.Background(), &Request{
				Event: "getBalance",
				Key:   "balance",
			})
			res <- sendResult{data: data, err: err}
		}()

		if err := waitClientMsgEqual(t, tp, `42["getBalance"]`); err != nil {
			return errors.Errorf("waiting for getBalance: %s", err)
		}

		// A second request under the same correlation key is refused while
		// the first is in flight.
		if _, err := client.Send(context.Background(), &Request{
			Event: "getBalance",
			Key:   "balance",
		}); errors.Cause(err) != ErrRequestInFlight {
			return errors.Errorf("duplicate send: want: %v, got: %v", ErrRequestInFlight, err)
		}

		sendText(tp, `42["successupdateBalance",{"balance":1500.5,"currency":"USD","isDemo":1,"uid":7}]`)

		select {
		case r := <-res:
			if r.err != nil {
				return errors.Trace(r.err)
			}
			if want, got := `{"balance":1500.5,"currency":"USD","isDemo":1,"uid":7}`, string(r.data); want != got {
				return errors.Errorf("reply: want: %s, got: %s", want, got)
			}
		case <-time.After(2 * time.Second):
			return errors.Errorf("the request never completed")
		}

		// With no reply, the request fails with its deadline.
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()

		if _, err := client.Send(ctx, &Request{
			Event: "getBalance",
			Key:   "balance",
		}); errors.Cause(err) != ErrRequestTimeout {
			return errors.Errorf("timed-out send: want: %v, got: %v", ErrRequestTimeout, err)
		}

		// The frame of the timed-out request did go out.
		if err := waitClientMsgEqual(t, tp, `42["getBalance"]`); err != nil {
			return errors.Errorf("waiting for getBalance: %s", err)
		}

		// A request still awaiting its reply when the connection is torn
		// down fails with the connection.
		go func() {
			_, err := client.Send(context.Background(), &Request{
				Event: "getBalance",
				Key:   "balance",
			})
			res <- sendResult{err: err}
		}()

		if err := waitClientMsgEqual(t, tp, `42["getBalance"]`); err != nil {
			return errors.Errorf("waiting for getBalance: %s", err)
		}

		if err := client.Close(); err != nil {
			return errors.Trace(err)
		}

		select {
		case r := <-res:
			if errors.Cause(r.err) != ErrConnectionLost {
				return errors.Errorf("pending send on close: want: %v, got: %v", ErrConnectionLost, r.err)
			}
		case <-time.After(2 * time.Second):
			return errors.Errorf("the pending request never failed")
		}

		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := st.expectState(ConnStateDisconnected); err != nil {
			return errors.Trace(err)
		}

		// Requests after a terminal disconnect fail fast.
		if _, err := client.Send(context.Background(), &Request{
			Event: "getBalance",
			Key:   "balance",
		}); errors.Cause(err) != ErrNotConnected {
			return errors.Errorf("send while disconnected: want: %v, got: %v", ErrNotConnected, err)
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestConnectErrors(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		client, err := NewClient(testParams(tp.url))
		if err != nil {
			return errors.Trace(err)
		}

		// Closing a client that was never connected
		if err := client.Close(); errors.Cause(err) != ErrNotConnected {
			return errors.Errorf("close when not connected: want: %v, got: %v", ErrNotConnected, err)
		}

		if err := client.Connect(); err != nil {
			return errors.Trace(err)
		}

		// A second Connect while the loop is active
		if err := client.Connect(); errors.Cause(err) != ErrConnLoopActive {
			return errors.Errorf("double connect: want: %v, got: %v", ErrConnLoopActive, err)
		}

		if err := completeHandshake(t, tp); err != nil {
			return errors.Trace(err)
		}

		if err := client.Close(); err != nil {
			return errors.Trace(err)
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestNewClientValidation(t *testing.T) {
	// Credential problems surface before any network activity.
	if _, err := NewClient(&Params{
		SSID: "not a session blob",
		URLs: []string{"ws://localhost:1"},
	}); errors.Cause(err) != proto.ErrInvalidCredential {
		t.Errorf("want: %v, got: %v", proto.ErrInvalidCredential, err)
	}

	// So do endpoint problems.
	if _, err := NewClient(&Params{
		SSID: testSSID,
		URLs: []string{"http://localhost:1"},
	}); errors.Cause(err) != ErrInvalidEndpointConfig {
		t.Errorf("want: %v, got: %v", ErrInvalidEndpointConfig, err)
	}

	// With no explicit URLs, a demo credential gets the demo region
	// catalogue.
	client, err := NewClient(&Params{SSID: testSSID})
	if err != nil {
		t.Fatal(err)
	}
	if got := client.URL(); !strings.HasPrefix(got, "wss://demo-api-eu") {
		t.Errorf("default demo endpoint: got: %q", got)
	}
}

// stateTracker {{{
type stateChange struct {
	oldState, state ConnState
	cause           error
}

type stateTracker struct {
	states  []string
	mtx     sync.Mutex
	changes chan stateChange
}

func NewStateTracker() *stateTracker {
	return &stateTracker{
		changes: make(chan stateChange, 1024),
	}
}

func (st *stateTracker) addStateListener(conn *wsConn, state ConnState, opt StateListenerOpt) {
	conn.AddStateListenerOpt(
		state,
		func(oldState, state ConnState, cause error) {
			st.mtx.Lock()
			defer st.mtx.Unlock()

			errStr := ""
			if cause != nil {
				errStr = fmt.Sprintf("(%s)", cause)
			}

			st.states = append(st.states, fmt.Sprintf("%s->%s%s", ConnStateNames[oldState], ConnStateNames[state], errStr))

			st.changes <- stateChange{
				oldState: oldState,
				state:    state,
				cause:    cause,
			}
		},
		opt,
	)
}

func (st *stateTracker) checkStates(want []string) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()

	wantStr := strings.Join(want, ", ")
	gotStr := strings.Join(st.states, ", ")

	if gotStr != wantStr {
		return errors.Errorf("states error: want: %q, got: %q", wantStr, gotStr)
	}

	return nil
}

var dontCheckErr = errors.Errorf("_do_not_check_error_")

func (st *stateTracker) expectState(state ConnState) error {
	return st.expectStateWCause(state, dontCheckErr)
}

func (st *stateTracker) expectStateWCause(state ConnState, cause error) error {
	select {
	case change := <-st.changes:
		if change.state != state {
			return errors.Errorf("expect state change: want: %s, got: %s (%v)", ConnStateNames[state], ConnStateNames[change.state], change)
		}

		if cause != dontCheckErr && errors.Cause(change.cause) != cause {
			return errors.Errorf("expect state cause: want: %s, got: %s (%v)", cause, change.cause, change)
		}

	case <-time.After(2 * time.Second):
		return errors.Errorf("expect state change: want: %s, but nothing happened", ConnStateNames[state])
	}

	return nil
}

// statetracker }}}
