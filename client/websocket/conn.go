package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"code.pocketoption.com/po-sdk-go/cache"
	"code.pocketoption.com/po-sdk-go/internal"
	"code.pocketoption.com/po-sdk-go/proto"
)

// internalSendTimeout bounds writes of engine-internal frames (pongs,
// handshake messages, re-arms); a write stuck that long means the
// connection is dead anyway.
const internalSendTimeout = 5 * time.Second

// Correlation keys for request-response exchanges. Balance replies carry
// no client-chosen id, so they share one well-known key (which doubles as
// the cache key).
const keyBalance = "balance"

// dealKey correlates an order settlement: the server reports closed deals
// by the id it assigned when the order was placed.
func dealKey(id string) string {
	return "deal:" + id
}

// symbolKey correlates candle snapshots, which the server identifies only
// by asset and period.
func symbolKey(asset string, period int) string {
	return fmt.Sprintf("%s_%d", asset, period)
}

// handshakeStage tracks progress through the session handshake while the
// connection is in ConnStateAuthenticating.
type handshakeStage int

const (
	// handshakeStageOpen means we're waiting for the engine.io session
	// opener `0{...}`.
	handshakeStageOpen handshakeStage = iota

	// handshakeStageNamespace means the namespace attach "40" is out and
	// we're waiting for its echo.
	handshakeStageNamespace

	// handshakeStageAuth means the auth frame is out and we're waiting
	// for the successauth event.
	handshakeStageAuth
)

// StateCallback is a signature of a state listener. Arguments oldState
// and state are self-descriptive; cause is the error which caused the
// current state. Cause is relevant only for ConnStateDegraded and
// ConnStateDisconnected (in which case it's either the reason of failure
// to connect, or the reason of disconnection), for other states it's
// always nil.
//
// See AddStateListener.
type StateCallback func(oldState, state ConnState, cause error)

type StateListenerOpt struct {
	// If OneOff is true, the listener will only be called once; otherwise
	// it'll be called every time the requested state becomes active.
	OneOff bool

	// If CallImmediately is true, and the state being subscribed to is
	// active at the moment, the callback will be called immediately (with
	// the "old" state being equal to the new one).
	CallImmediately bool
}

// wsConn owns the transport connection and runs the session state
// machine. All mutable state is confined to the eventLoop goroutine;
// other goroutines talk to it via the internalEvents channel.
type wsConn struct {
	params     Params
	credential proto.Credential

	transport  *internal.TransportConn
	dispatcher *dispatcher
	rateGate   *rateGate
	cache      *cache.Cache
	log        logrus.FieldLogger

	// Current state.
	state ConnState

	// Error caused the current state; only relevant for ConnStateDegraded
	// and ConnStateDisconnected, for other states it's always nil.
	stateCause error

	// actualCauseOfDisconnection is set whenever the client initiates the
	// disconnection; it's set to the specific error causing the
	// disconnection.
	//
	// When the disconnection happens, and actualCauseOfDisconnection is
	// not nil, then this error is passed to the clients instead of the
	// generic websocket disconnection error.
	actualCauseOfDisconnection error

	stateListeners map[ConnState][]stateListener
	errorListeners []OnErrorCB

	// handshake is the current handshake sub-stage; meaningful only in
	// ConnStateAuthenticating.
	handshake handshakeStage

	// pendingEventName pairs a binary-event header with the binary frame
	// that follows it.
	pendingEventName string

	// authnCtx and its cancel func exist while in
	// ConnStateAuthenticating; the handshake deadline watcher is parented
	// here. authnGen guards the eventLoop against deadline events left
	// over from a previous handshake.
	authnCtx       context.Context
	authnCtxCancel context.CancelFunc
	authnGen       int

	// liveCtx and its cancel func exist while in ConnStateLive; the
	// keep-alive loop is parented here. liveGen guards against stale
	// liveness events.
	liveCtx       context.Context
	liveCtxCancel context.CancelFunc
	liveGen       int
	liveSince     time.Time

	// symbolSubs are the changeSymbol subscriptions to replay after every
	// (re)authentication, keyed by asset_period.
	symbolSubsMtx sync.Mutex
	symbolSubs    map[string]proto.ChangeSymbol

	// lastRxNano is the arrival time of the most recent inbound frame, as
	// unix nanoseconds. Written by the transport read callback, read by
	// the keep-alive loop.
	lastRxNano int64

	// serverTimeOffsetNano estimates serverClock-localClock in
	// nanoseconds, refreshed from quote stream timestamps.
	serverTimeOffsetNano int64

	// internalEvents is a channel of events handled by eventLoop. See
	// internalEvent struct.
	internalEvents chan internalEvent
}

// internalEvent represents an event handled in eventLoop. Each field
// represents one kind of the event, and only a single field should be
// non-nil.
type internalEvent struct {
	// rx contains a websocket message received from the server.
	rx *rxFrame

	// transportStateUpdate represents an update of transport layer state.
	transportStateUpdate *transportStateUpdate

	// authDeadline means a handshake exceeded AuthTimeout.
	authDeadline *authDeadline

	// livenessMiss means the liveness window elapsed in silence.
	livenessMiss *livenessMiss

	reqAddStateListener *reqAddStateListener
	reqAddErrorListener *reqAddErrorListener
	reqConnState        *reqConnState
	reqStatus           *reqStatus
}

type rxFrame struct {
	data   []byte
	binary bool
}

// transportStateUpdate is an update of transport layer state.
type transportStateUpdate struct {
	oldState internal.TransportState
	state    internal.TransportState

	cause error
}

type authDeadline struct {
	gen int
}

type livenessMiss struct {
	gen int
}

// reqAddStateListener is a request to add a state listener.
type reqAddStateListener struct {
	state ConnState
	cb    StateCallback
	opt   StateListenerOpt

	result chan<- struct{}
}

// reqAddErrorListener is a request to add an error listener.
type reqAddErrorListener struct {
	cb OnErrorCB

	result chan<- struct{}
}

// reqConnState is a client request of conn state via ConnState().
type reqConnState struct {
	result chan<- ConnState
}

// reqStatus is a client request of a health snapshot via Status().
type reqStatus struct {
	result chan<- Status
}

// newWsConn creates a new connection with the given params.
//
// Note that clients should manually call Connect on a newly created
// connection; the rationale is that clients might register some state
// listeners and subscriptions before connecting, to avoid any possible
// races.
func newWsConn(params *Params) (*wsConn, error) {
	p := *params

	var cred proto.Credential
	if p.Credential != nil {
		cred = *p.Credential
		if err := cred.Validate(); err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		var err error
		cred, err = proto.ParseCredential(p.SSID)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	urls, err := resolveEndpoints(&p, cred)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if p.ReconnectOpts == nil {
		p.ReconnectOpts = defaultReconnectOpts
	}

	if p.PingInterval <= 0 {
		p.PingInterval = defaultPingInterval
	}
	if p.LivenessWindow <= 0 {
		p.LivenessWindow = defaultLivenessWindow
	}
	if p.AuthTimeout <= 0 {
		p.AuthTimeout = defaultAuthTimeout
	}
	if p.RequestTimeout <= 0 {
		p.RequestTimeout = defaultRequestTimeout
	}

	if p.RateLimit == nil {
		p.RateLimit = &RateLimitOpts{}
	}
	rateLimit := *p.RateLimit
	if rateLimit.PerMinute <= 0 {
		rateLimit.PerMinute = defaultRatePerMinute
	}
	if rateLimit.Burst <= 0 {
		rateLimit.Burst = rateLimit.PerMinute
	}
	p.RateLimit = &rateLimit

	if p.BatchSize <= 0 {
		p.BatchSize = defaultBatchSize
	}
	if p.BatchWindow <= 0 {
		p.BatchWindow = defaultBatchWindow
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = defaultCacheTTL
	}
	if p.CacheSize <= 0 {
		p.CacheSize = defaultCacheSize
	}
	if p.DialHeader == nil {
		p.DialHeader = defaultDialHeader()
	}

	log := p.Logger
	if log == nil {
		quiet := logrus.New()
		quiet.SetLevel(logrus.WarnLevel)
		log = quiet
	}

	transport, err := internal.NewTransportConn(&internal.TransportParams{
		URLs:   urls,
		Header: p.DialHeader,

		Reconnect:           p.ReconnectOpts.Reconnect,
		ReconnectTimeout:    p.ReconnectOpts.ReconnectTimeout,
		MaxReconnectTimeout: p.ReconnectOpts.MaxReconnectTimeout,
		MaxReconnectCycles:  p.ReconnectOpts.MaxReconnectCycles,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	c := &wsConn{
		params:     p,
		credential: cred,

		transport:  transport,
		dispatcher: newDispatcher(log, p.BatchSize, p.BatchWindow),
		rateGate:   newRateGate(p.RateLimit.PerMinute, p.RateLimit.Burst),
		cache:      cache.New(p.CacheTTL, p.CacheSize),
		log:        log,

		stateListeners: make(map[ConnState][]stateListener),
		symbolSubs:     make(map[string]proto.ChangeSymbol),
		internalEvents: make(chan internalEvent, 8),
	}

	transport.OnStateChange(
		func(_ *internal.TransportConn, oldState, state internal.TransportState, cause error) {
			c.internalEvents <- internalEvent{
				transportStateUpdate: &transportStateUpdate{
					oldState: oldState,
					state:    state,
					cause:    cause,
				},
			}
		},
	)

	transport.OnRead(
		func(_ *internal.TransportConn, data []byte, binary bool) {
			atomic.StoreInt64(&c.lastRxNano, time.Now().UnixNano())

			c.internalEvents <- internalEvent{
				rx: &rxFrame{data: data, binary: binary},
			}
		},
	)

	// Start the goroutine which owns all connection state
	go c.eventLoop()

	return c, nil
}

// Connect either starts a connection goroutine (if state is
// ConnStateDisconnected), or makes it connect immediately, ignoring the
// backoff timeout (if the state is ConnStateDegraded). For other states,
// this returns an error.
//
// Connect doesn't wait for the connection to establish; it returns
// immediately.
func (c *wsConn) Connect() (err error) {
	defer func() {
		// Translate internal transport errors to public ones
		if errors.Cause(err) == internal.ErrConnLoopActive {
			err = errors.Trace(ErrConnLoopActive)
		}
	}()

	if err := c.transport.Connect(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// Close stops the reconnection loop (if reconnection was requested), and
// if a websocket connection is active at the moment, closes it as well.
func (c *wsConn) Close() (err error) {
	defer func() {
		// Translate internal transport errors to public ones
		if errors.Cause(err) == internal.ErrNotConnected {
			err = errors.Trace(ErrNotConnected)
		}
	}()

	if err = c.transport.Close(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// disconnect sends a "normal closure" websocket message to the server,
// causing it to disconnect, and when we receive the actual disconnection
// soon, the cause error given to the clients will be the cause given to
// disconnect.
//
// NOTE: disconnect should only be called from the eventLoop.
func (c *wsConn) disconnect(cause error) {
	c.disconnectOpt(cause, websocket.CloseNormalClosure, "", false)
}

// disconnectOpt is like disconnect, but with an explicit close code and
// text, and optionally stopping the reconnection cycle for good.
//
// NOTE: disconnectOpt should only be called from the eventLoop.
func (c *wsConn) disconnectOpt(cause error, closeCode int, text string, stopReconnecting bool) {
	closeErr := c.transport.CloseOpt(
		websocket.FormatCloseMessage(closeCode, text),
		stopReconnecting,
	)
	if closeErr != nil {
		return
	}

	c.actualCauseOfDisconnection = cause
}

// authRejected handles a NotAuthorized response: the session blob is bad,
// and since every region shares the auth backend, continuing the
// reconnection cycle is pointless.
//
// NOTE: authRejected should only be called from the eventLoop.
func (c *wsConn) authRejected() {
	c.disconnectOpt(errors.Trace(ErrAuthRejected), websocket.CloseNormalClosure, "", true)
}

// AddStateListener registers a new listener for the given state. The
// listener is registered with the default options (zero values of all
// fields in StateListenerOpt). All registered callbacks are called by the
// same internal goroutine, i.e. they are never called concurrently with
// each other.
//
// The order of listener invocation for the same state is unspecified, and
// clients shouldn't rely on it.
//
// The listeners shouldn't block; a blocked listener will stall the whole
// session. If you need to block there, consider spawning a goroutine for
// that.
//
// To subscribe to all state changes, use ConnStateAny as a state.
func (c *wsConn) AddStateListener(state ConnState, cb StateCallback) {
	c.AddStateListenerOpt(state, cb, StateListenerOpt{})
}

// AddStateListenerOpt is like AddStateListener, but also takes additional
// options; see StateListenerOpt for details.
func (c *wsConn) AddStateListenerOpt(state ConnState, cb StateCallback, opt StateListenerOpt) {
	result := make(chan struct{})

	c.internalEvents <- internalEvent{
		reqAddStateListener: &reqAddStateListener{
			state: state,
			cb:    cb,
			opt:   opt,

			result: result,
		},
	}

	<-result
}

// OnError registers a listener for errors. When the error is about to
// cause a disconnection, the listener is called with disconnecting set to
// true, before the state listeners announcing that disconnection.
func (c *wsConn) OnError(cb OnErrorCB) {
	result := make(chan struct{})

	c.internalEvents <- internalEvent{
		reqAddErrorListener: &reqAddErrorListener{
			cb: cb,

			result: result,
		},
	}

	<-result
}

// ConnState returns the current connection state.
func (c *wsConn) ConnState() ConnState {
	result := make(chan ConnState, 1)

	c.internalEvents <- internalEvent{
		reqConnState: &reqConnState{
			result: result,
		},
	}

	return <-result
}

// Status returns a snapshot of session health.
func (c *wsConn) Status() Status {
	result := make(chan Status, 1)

	c.internalEvents <- internalEvent{
		reqStatus: &reqStatus{
			result: result,
		},
	}

	return <-result
}

// waitLive blocks until the session is live, the connection loop stops
// for good, or ctx expires.
func (c *wsConn) waitLive(ctx context.Context) error {
	res := make(chan error, 2)

	c.AddStateListenerOpt(ConnStateLive, func(_, _ ConnState, _ error) {
		select {
		case res <- nil:
		default:
		}
	}, StateListenerOpt{OneOff: true, CallImmediately: true})

	c.AddStateListenerOpt(ConnStateDisconnected, func(_, _ ConnState, cause error) {
		if cause == nil {
			cause = errors.Trace(ErrConnectionLost)
		}
		select {
		case res <- cause:
		default:
		}
	}, StateListenerOpt{OneOff: true})

	select {
	case err := <-res:
		return errors.Trace(err)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// stateListener wraps a state change callback and its options (one-off
// listeners are only called once, on the next event).
type stateListener struct {
	cb  StateCallback
	opt StateListenerOpt
}

type callStateListenersReq struct {
	listeners       []stateListener
	oldState, state ConnState
	cause           error
}

// NOTE: updateState should only be called from the eventLoop.
func (c *wsConn) updateState(state ConnState, cause error) {
	if c.state == state {
		// No need to do anything
		return
	}

	// Properly leave the current state
	c.enterLeaveState(c.state, false)

	oldState := c.state
	c.state = state
	c.stateCause = cause

	// Properly enter the new state
	c.enterLeaveState(c.state, true)

	// Errors are reported before the state change they cause.
	if cause != nil {
		c.callErrorListeners(cause, true)
	}

	// Collect all listeners to call now
	listeners := append(c.stateListeners[state], c.stateListeners[ConnStateAny]...)

	// Remove one-off listeners
	c.stateListeners[state] = removeOneOff(c.stateListeners[state])
	c.stateListeners[ConnStateAny] = removeOneOff(c.stateListeners[ConnStateAny])

	c.callStateListeners(&callStateListenersReq{
		listeners: listeners,
		oldState:  oldState,
		state:     state,
		cause:     cause,
	})
}

// enterLeaveState should be called on leaving and entering each state.
// So, when changing state from A to B, it's called twice, like this:
//
//	enterLeaveState(A, false)
//	enterLeaveState(B, true)
//
// NOTE: enterLeaveState should only be called from the eventLoop.
func (c *wsConn) enterLeaveState(state ConnState, enter bool) {
	switch state {

	case ConnStateAuthenticating:
		// The handshake deadline watcher should only exist in the
		// ConnStateAuthenticating state.
		if enter {
			c.authnGen++
			c.handshake = handshakeStageOpen
			c.pendingEventName = ""

			c.authnCtx, c.authnCtxCancel = context.WithCancel(context.Background())
			go c.authDeadlineLoop(c.authnCtx, c.authnGen)
		} else {
			c.authnCtxCancel()

			c.authnCtx = nil
			c.authnCtxCancel = nil
		}

	case ConnStateLive:
		// The keep-alive loop should only exist in the ConnStateLive
		// state; each entry arms a fresh one against the new transport.
		if enter {
			c.liveGen++
			c.liveSince = time.Now()
			c.pendingEventName = ""
			atomic.StoreInt64(&c.lastRxNano, time.Now().UnixNano())

			c.liveCtx, c.liveCtxCancel = context.WithCancel(context.Background())
			go c.keepAliveLoop(c.liveCtx, c.liveGen)
		} else {
			c.liveCtxCancel()

			c.liveCtx = nil
			c.liveCtxCancel = nil
			c.liveSince = time.Time{}
		}
	}
}

// removeOneOff takes a slice of listeners and returns a new one, with
// one-off listeners removed.
func removeOneOff(listeners []stateListener) []stateListener {
	newListeners := []stateListener{}

	for _, sl := range listeners {
		if !sl.opt.OneOff {
			newListeners = append(newListeners, sl)
		}
	}

	return newListeners
}

// eventLoop handles all internal events like transport state changes,
// received frames, watchdog alarms, and client requests. See the
// internalEvent struct.
func (c *wsConn) eventLoop() {
loop:
	for {
		event := <-c.internalEvents

		if tsu := event.transportStateUpdate; tsu != nil {
			// Transport layer state changed.

			switch tsu.state {
			case
				internal.TransportStateDisconnected,
				internal.TransportStateWaitBeforeReconnect,
				internal.TransportStateConnecting:

				var state ConnState
				switch tsu.state {
				case internal.TransportStateDisconnected:
					state = ConnStateDisconnected
				case internal.TransportStateWaitBeforeReconnect:
					state = ConnStateDegraded
				case internal.TransportStateConnecting:
					state = ConnStateConnecting
				default:
					// Should never be here
					panic(fmt.Sprintf("unexpected transport state: %d", tsu.state))
				}

				cause := translateTransportError(tsu.cause)
				if c.actualCauseOfDisconnection != nil {
					cause = c.actualCauseOfDisconnection
					c.actualCauseOfDisconnection = nil
				}

				c.updateState(state, errors.Trace(cause))

				// The connection is gone: whatever was awaiting a reply
				// will never get one. Subscriptions survive reconnection
				// cycles, but not a terminal disconnect.
				switch state {
				case ConnStateDegraded:
					c.dispatcher.failPending(errors.Trace(ErrConnectionLost))
				case ConnStateDisconnected:
					c.dispatcher.failPending(errors.Trace(ErrConnectionLost))
					c.dispatcher.closeAll(errors.Trace(ErrConnectionLost))
					c.clearSymbolSubs()
				}

			case internal.TransportStateConnected:
				// The websocket is up; the session handshake starts with
				// the server's opener frame, so all we do here is enter
				// ConnStateAuthenticating and wait.

				c.updateState(ConnStateAuthenticating, errors.Trace(tsu.cause))

			default:
				panic(fmt.Sprintf("Invalid transport layer state %v", tsu.state))
			}
		} else if rx := event.rx; rx != nil {
			// Received a frame. The way we handle it depends on the
			// state:
			//
			// - Authenticating: the frame advances the handshake.
			// - Live: the frame is routed to pending requests and topic
			//   subscribers.
			// - Any other state: frames can trail in while the transport
			//   is shutting down; discard them.

			frame := proto.Classify(rx.data, rx.binary)

			switch c.state {
			case ConnStateAuthenticating:
				c.handleHandshakeFrame(frame)

			case ConnStateLive:
				c.handleLiveFrame(frame)

			default:
				c.log.Debugf("discarding frame in state %s: %.60s",
					ConnStateNames[c.state], rx.data)
			}
		} else if ad := event.authDeadline; ad != nil {
			if ad.gen != c.authnGen || c.state != ConnStateAuthenticating {
				// A leftover alarm from a handshake that already ended.
				continue loop
			}

			c.log.Warnf("handshake did not complete within %s", c.params.AuthTimeout)
			c.disconnect(errors.Trace(ErrAuthTimeout))
		} else if lm := event.livenessMiss; lm != nil {
			if lm.gen != c.liveGen || c.state != ConnStateLive {
				continue loop
			}

			c.log.Warnf("no server traffic within %s, reconnecting",
				c.params.PingInterval+c.params.LivenessWindow)
			c.disconnect(errors.Trace(ErrTransportLost))
		} else if al := event.reqAddStateListener; al != nil {
			// Request to add a new state listener.

			sl := stateListener{
				cb:  al.cb,
				opt: al.opt,
			}

			// Determine whether the callback should be called right now
			callNow := al.opt.CallImmediately && (al.state == c.state || al.state == ConnStateAny)

			// Update stored listeners if needed
			if !al.opt.OneOff || !callNow {
				c.stateListeners[al.state] = append(c.stateListeners[al.state], sl)
			}

			if callNow {
				c.callStateListeners(&callStateListenersReq{
					listeners: []stateListener{sl},
					oldState:  c.state,
					state:     c.state,
					cause:     c.stateCause,
				})
			}

			al.result <- struct{}{}
		} else if el := event.reqAddErrorListener; el != nil {
			c.errorListeners = append(c.errorListeners, el.cb)
			el.result <- struct{}{}
		} else if req := event.reqConnState; req != nil {
			req.result <- c.state
		} else if req := event.reqStatus; req != nil {
			req.result <- c.buildStatus()
		}
	}
}

// handleHandshakeFrame advances the session handshake. The exchange is:
// the server sends the engine.io opener, we attach to the namespace with
// "40", the server echoes it, we send the auth frame, and the server
// either confirms with a successauth event or answers with a
// NotAuthorized text frame.
//
// NOTE: handleHandshakeFrame should only be called from the eventLoop.
func (c *wsConn) handleHandshakeFrame(frame proto.Frame) {
	switch frame.Type {
	case proto.FramePing:
		// Heartbeat probes can arrive mid-handshake.
		c.sendInternal(proto.PongMessage)

	case proto.FrameOpen:
		if c.handshake != handshakeStageOpen {
			c.log.Debugf("unexpected session opener, handshake stage %d", c.handshake)
			return
		}

		if info, err := proto.ParseSessionInfo(frame); err == nil {
			c.log.Debugf("session opened: sid=%s ping=%dms", info.SID, info.PingInterval)
		}

		c.sendInternal(proto.ConnectMessage)
		c.handshake = handshakeStageNamespace

	case proto.FrameConnect:
		if c.handshake != handshakeStageNamespace {
			c.log.Debugf("unexpected namespace ack, handshake stage %d", c.handshake)
			return
		}

		authMsg, err := c.credential.AuthMessage()
		if err != nil {
			// Can't really happen: the credential passed validation in
			// newWsConn.
			c.disconnect(errors.Trace(err))
			return
		}

		c.sendInternal(authMsg)
		c.handshake = handshakeStageAuth

	case proto.FrameEvent, proto.FrameEventHeader:
		if bytes.Contains(frame.Raw, []byte(proto.NotAuthorizedMarker)) {
			c.log.Warnf("session rejected by the server")
			c.authRejected()
			return
		}

		if frame.Name == proto.EventAuthSuccess {
			c.sessionLive()
			return
		}

		c.log.Debugf("ignoring event %q during handshake", frame.Name)

	default:
		c.log.Debugf("ignoring %s frame during handshake", frame.Type)
	}
}

// sessionLive finalizes a successful handshake.
//
// NOTE: sessionLive should only be called from the eventLoop.
func (c *wsConn) sessionLive() {
	// This endpoint produced a working session: future drops should retry
	// it first, with a fresh backoff budget.
	c.transport.ResetTimeout()

	c.updateState(ConnStateLive, nil)

	// The server forgot our symbol subscriptions along with the old
	// connection; replay them.
	c.rearmSymbolSubs()
}

// handleLiveFrame routes a frame received while the session is live.
//
// NOTE: handleLiveFrame should only be called from the eventLoop.
func (c *wsConn) handleLiveFrame(frame proto.Frame) {
	switch frame.Type {
	case proto.FramePing:
		c.sendInternal(proto.PongMessage)

	case proto.FramePong:
		// Arrival alone refreshed the liveness clock; nothing else to do.

	case proto.FrameEvent:
		if bytes.Contains(frame.Raw, []byte(proto.NotAuthorizedMarker)) {
			// The server can void a session at any point, not just
			// during the handshake.
			c.log.Warnf("session voided by the server")
			c.authRejected()
			return
		}

		if frame.Name == "" {
			c.callErrorListeners(errors.Errorf("malformed event frame: %.80s", frame.Raw), false)
			return
		}

		c.routeEvent(frame.Name, frame.Arg)

	case proto.FrameEventHeader:
		if frame.Name == "" {
			c.callErrorListeners(errors.Errorf("malformed event header: %.80s", frame.Raw), false)
			return
		}

		// Most headers announce a binary frame that follows; some carry
		// the payload inline.
		if len(frame.Arg) > 0 && !bytes.Contains(frame.Arg, []byte("_placeholder")) {
			c.routeEvent(frame.Name, frame.Arg)
			return
		}

		c.pendingEventName = frame.Name

	case proto.FramePayload:
		if name := c.pendingEventName; name != "" {
			c.pendingEventName = ""
			c.routeEvent(name, frame.Arg)
			return
		}

		c.routeBlindPayload(frame.Arg)

	default:
		c.log.Debugf("discarding unmatched frame: %.60s", frame.Raw)
	}
}

// routeEvent completes whatever pending request the event correlates
// with, and fans the payload out to topic subscribers.
//
// NOTE: routeEvent should only be called from the eventLoop.
func (c *wsConn) routeEvent(name string, body []byte) {
	switch name {
	case proto.EventBalanceUpdated:
		// A balance push both answers getBalance and stales the cached
		// value.
		c.cache.Invalidate(keyBalance)
		c.dispatcher.completePending(keyBalance, body)

	case proto.EventOrderOpened, proto.EventOrderFailed:
		var ack struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(body, &ack); err == nil && ack.RequestID != "" {
			c.dispatcher.completePending(ack.RequestID, body)
		}

	case proto.EventOrderClosed:
		c.completeDeals(body)

	case proto.EventHistoryLoaded:
		c.completeCandles(body)

	case proto.EventStreamUpdate:
		c.observeServerTime(body)
		// changeSymbol replies ride the stream as candle snapshots.
		c.completeCandles(body)
	}

	c.dispatcher.deliver(name, body)
}

// routeBlindPayload handles binary frames that arrived without an event
// header. The platform sends several kinds: payout tables (nested
// arrays), balance pushes, order acks and deal settlements. The shape of
// the payload decides which event it stands for.
//
// NOTE: routeBlindPayload should only be called from the eventLoop.
func (c *wsConn) routeBlindPayload(body []byte) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")

	if bytes.HasPrefix(trimmed, []byte("[[")) {
		// Nested arrays are asset table rows carrying payout percentages.
		c.routeEvent(proto.EventAssetsUpdated, body)
		return
	}

	if len(trimmed) == 0 || trimmed[0] != '{' {
		c.log.Debugf("discarding unmatched frame: %.60s", body)
		return
	}

	var probe struct {
		RequestID string            `json:"requestId"`
		Balance   *json.Number      `json:"balance"`
		Asset     string            `json:"asset"`
		Period    int               `json:"period"`
		Deals     []json.RawMessage `json:"deals"`
		Candles   []json.RawMessage `json:"candles"`
		Data      []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		c.log.Debugf("discarding unmatched frame: %.60s", body)
		return
	}

	switch {
	case probe.RequestID != "":
		c.routeEvent(proto.EventOrderOpened, body)

	case len(probe.Deals) > 0:
		c.routeEvent(proto.EventOrderClosed, body)

	case probe.Asset != "" && probe.Period != 0 && (len(probe.Candles) > 0 || len(probe.Data) > 0):
		c.routeEvent(proto.EventHistoryLoaded, body)

	case probe.Balance != nil:
		c.routeEvent(proto.EventBalanceUpdated, body)

	default:
		c.log.Debugf("discarding unmatched frame: %.60s", body)
	}
}

// completeDeals resolves awaiting settlement watchers from an
// order-closed payload. Each deal is keyed by its server-side id and
// delivered individually.
//
// NOTE: completeDeals should only be called from the eventLoop.
func (c *wsConn) completeDeals(body []byte) {
	var upd struct {
		Deals []json.RawMessage `json:"deals"`
	}
	if err := json.Unmarshal(body, &upd); err != nil {
		c.log.Debugf("unparsable deals payload: %.60s", body)
		return
	}

	for _, raw := range upd.Deals {
		var deal struct {
			ID json.Number `json:"id"`
		}
		if err := json.Unmarshal(raw, &deal); err != nil || deal.ID.String() == "" {
			continue
		}

		c.dispatcher.completePending(dealKey(deal.ID.String()), raw)
	}
}

// completeCandles resolves a pending candle request if the payload looks
// like a candle snapshot: asset, period and at least one row.
//
// NOTE: completeCandles should only be called from the eventLoop.
func (c *wsConn) completeCandles(body []byte) {
	var probe struct {
		Asset   string            `json:"asset"`
		Period  int               `json:"period"`
		Candles []json.RawMessage `json:"candles"`
		Data    []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		// Tick row payloads land here too; they're arrays, not objects.
		return
	}

	if probe.Asset == "" || probe.Period == 0 {
		return
	}
	if len(probe.Candles) == 0 && len(probe.Data) == 0 {
		return
	}

	c.dispatcher.completePending(symbolKey(probe.Asset, probe.Period), body)
}

// observeServerTime refreshes the server clock offset estimate from quote
// stream timestamps.
//
// NOTE: observeServerTime should only be called from the eventLoop.
func (c *wsConn) observeServerTime(body []byte) {
	rows, err := proto.DecodeTickRows(body)
	if err != nil || len(rows) == 0 {
		return
	}

	last := rows[len(rows)-1]
	sec := int64(last.Timestamp)
	nsec := int64((last.Timestamp - float64(sec)) * float64(time.Second))
	offset := time.Unix(sec, nsec).Sub(time.Now())

	atomic.StoreInt64(&c.serverTimeOffsetNano, int64(offset))
}

// registerSymbol records a changeSymbol subscription for replay after
// every (re)authentication.
func (c *wsConn) registerSymbol(cs proto.ChangeSymbol) {
	c.symbolSubsMtx.Lock()
	c.symbolSubs[symbolKey(cs.Asset, cs.Period)] = cs
	c.symbolSubsMtx.Unlock()
}

func (c *wsConn) clearSymbolSubs() {
	c.symbolSubsMtx.Lock()
	c.symbolSubs = make(map[string]proto.ChangeSymbol)
	c.symbolSubsMtx.Unlock()
}

// rearmSymbolSubs replays registered changeSymbol subscriptions in a
// stable order.
//
// NOTE: rearmSymbolSubs should only be called from the eventLoop.
func (c *wsConn) rearmSymbolSubs() {
	c.symbolSubsMtx.Lock()
	keys := make([]string, 0, len(c.symbolSubs))
	for key := range c.symbolSubs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	subs := make([]proto.ChangeSymbol, 0, len(keys))
	for _, key := range keys {
		subs = append(subs, c.symbolSubs[key])
	}
	c.symbolSubsMtx.Unlock()

	for _, cs := range subs {
		data, err := proto.EncodeEvent(proto.EventChangeSymbol, cs)
		if err != nil {
			c.log.Warnf("encoding changeSymbol for %s: %s", cs.Asset, err)
			continue
		}

		c.sendInternal(data)
	}
}

// buildStatus snapshots session health.
//
// NOTE: buildStatus should only be called from the eventLoop.
func (c *wsConn) buildStatus() Status {
	s := Status{
		State:            c.state,
		StateCause:       c.stateCause,
		Endpoint:         c.transport.URL(),
		ServerTimeOffset: time.Duration(atomic.LoadInt64(&c.serverTimeOffsetNano)),
	}

	if c.state == ConnStateLive {
		s.Uptime = time.Since(c.liveSince)
	}

	return s
}

// makeRequest passes the rate gate, sends the event, and blocks until a
// reply correlated with key arrives, ctx expires, or the connection
// drops.
func (c *wsConn) makeRequest(ctx context.Context, key, event string, args ...interface{}) ([]byte, error) {
	data, err := proto.EncodeEvent(event, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// Register before sending so a fast reply can't slip past.
	resp, err := c.dispatcher.registerPending(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.dispatcher.unregisterPending(key, resp)

	if err := c.rateGate.acquire(ctx); err != nil {
		return nil, errors.Trace(err)
	}

	if err := c.send(ctx, data); err != nil {
		return nil, errors.Trace(err)
	}

	return c.awaitPending(ctx, resp)
}

// await blocks until a payload routed to key arrives, without sending
// anything. It's used for replies the server pushes on its own schedule,
// like order settlements.
func (c *wsConn) await(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.dispatcher.registerPending(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.dispatcher.unregisterPending(key, resp)

	return c.awaitPending(ctx, resp)
}

func (c *wsConn) awaitPending(ctx context.Context, resp chan pendingResult) ([]byte, error) {
	select {
	case r := <-resp:
		if r.err != nil {
			return nil, errors.Trace(r.err)
		}

		return r.data, nil

	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Trace(ErrRequestTimeout)
		}

		return nil, errors.Trace(ctx.Err())
	}
}

// send writes a caller frame to the transport.
func (c *wsConn) send(ctx context.Context, data []byte) (err error) {
	defer func() {
		// Translate internal transport errors to public ones
		if errors.Cause(err) == internal.ErrNotConnected {
			err = errors.Trace(ErrNotConnected)
		}
	}()

	if err := c.transport.Send(ctx, data); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// sendInternal writes an engine-internal frame: pongs, handshake
// messages, keep-alives and re-arms. This traffic keeps the session alive
// and must not contend with caller sends, so it skips the rate gate.
//
// NOTE: sendInternal should only be called from the eventLoop.
func (c *wsConn) sendInternal(data []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), internalSendTimeout)
	defer cancel()

	if err := c.transport.Send(ctx, data); err != nil {
		c.log.Debugf("internal send failed: %s", err)
	}
}

// requestCtx applies the default request timeout to contexts that carry
// no deadline of their own.
func (c *wsConn) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.params.RequestTimeout)
}

// query consults the TTL cache before falling through to fetch; a
// successful fetch refreshes the cache.
func (c *wsConn) query(
	ctx context.Context, key string,
	fetch func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	v, err := fetch(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	c.cache.Put(key, v)

	return v, nil
}

// NOTE: callStateListeners should only be called from the eventLoop, to
// ensure that all callbacks are only invoked from a single goroutine.
func (c *wsConn) callStateListeners(req *callStateListenersReq) {
	for _, sl := range req.listeners {
		sl.cb(req.oldState, req.state, req.cause)
	}
}

// NOTE: callErrorListeners should only be called from the eventLoop, to
// ensure that all callbacks are only invoked from a single goroutine.
func (c *wsConn) callErrorListeners(err error, disconnecting bool) {
	for _, cb := range c.errorListeners {
		cb(err, disconnecting)
	}
}

// translateTransportError maps internal transport sentinels to their
// public counterparts.
func translateTransportError(err error) error {
	switch errors.Cause(err) {
	case internal.ErrReconnectExhausted:
		return errors.Trace(ErrReconnectExhausted)
	case internal.ErrNotConnected:
		return errors.Trace(ErrNotConnected)
	}

	return err
}
