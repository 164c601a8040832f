package websocket

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"

	"code.pocketoption.com/po-sdk-go/common"
	"code.pocketoption.com/po-sdk-go/proto"
)

// The following errors are returned from Client methods and delivered as
// state-transition causes.
var (
	// ErrNotConnected means the connection is not established when the
	// client tried to e.g. send a message, or close the connection.
	ErrNotConnected = errors.New("not connected")

	// ErrConnLoopActive means the client tried to connect when the
	// connection loop is already active.
	ErrConnLoopActive = errors.New("connection loop is already active")

	// ErrInvalidEndpointConfig means the endpoint list is empty or
	// contains something that isn't a ws:// or wss:// URL.
	ErrInvalidEndpointConfig = errors.New("invalid endpoint configuration")

	// ErrAuthRejected means the platform refused the session blob. The
	// client stops the reconnection cycle when it gets this: all regions
	// share the auth backend, so retrying elsewhere cannot help.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrAuthTimeout means the handshake on one endpoint didn't complete
	// within AuthTimeout; the client moves on to the next endpoint.
	ErrAuthTimeout = errors.New("authentication timed out")

	// ErrReconnectExhausted means every endpoint failed the configured
	// number of cycles and the client gave up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrRequestTimeout means no reply correlated with the request within
	// its deadline. The request may still have taken effect server-side.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrRateLimited means the send throttle couldn't grant a slot within
	// the caller's deadline.
	ErrRateLimited = errors.New("rate limited")

	// ErrConnectionLost fails pending requests when the connection drops
	// before their reply arrives, and terminates subscriptions when the
	// client becomes terminally disconnected.
	ErrConnectionLost = errors.New("connection lost")

	// ErrTransportLost is the disconnection cause when the liveness
	// window elapsed with complete silence from the server.
	ErrTransportLost = errors.New("transport connection lost")

	// ErrSubscriptionClosed is returned from Recv after the subscription
	// was closed with Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// ConnState represents the connection state.
type ConnState int

// The following constants represent every possible ConnState.
const (
	// ConnStateDisconnected means we're disconnected and not trying to
	// connect. The connection loop is not running.
	ConnStateDisconnected ConnState = iota

	// ConnStateConnecting means we're dialing an endpoint right now.
	ConnStateConnecting

	// ConnStateAuthenticating means the websocket connection is
	// established and the session handshake (engine.io open, namespace
	// attach, auth frame) is in flight.
	ConnStateAuthenticating

	// ConnStateLive means the session is authenticated and requests are
	// being served.
	ConnStateLive

	// ConnStateDegraded means the session dropped and we're waiting for a
	// backoff timeout before dialing the next endpoint. Pending requests
	// have failed; subscriptions survive and resume once live again.
	ConnStateDegraded

	// ConnStateAny can be used with AddStateListener and
	// AddStateListenerOpt in order to listen for all states.
	ConnStateAny ConnState = -1
)

// ConnStateNames contains human-readable names for connection states.
var ConnStateNames = map[ConnState]string{
	ConnStateDisconnected:   "disconnected",
	ConnStateConnecting:     "connecting",
	ConnStateAuthenticating: "authenticating",
	ConnStateLive:           "live",
	ConnStateDegraded:       "degraded",
}

// Defaults for Params fields left at their zero value. The keep-alive and
// reconnection numbers mirror what the platform's own web client does.
const (
	defaultPingInterval   = 20 * time.Second
	defaultLivenessWindow = 10 * time.Second
	defaultAuthTimeout    = 10 * time.Second
	defaultRequestTimeout = 30 * time.Second

	defaultRatePerMinute = 100

	defaultBatchSize   = 10
	defaultBatchWindow = 100 * time.Millisecond

	defaultCacheTTL  = 5 * time.Second
	defaultCacheSize = 256
)

// The platform checks Origin and refuses dials that don't look like a
// browser.
const (
	defaultOrigin    = "https://pocketoption.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

var defaultReconnectOpts = &ReconnectOpts{
	Reconnect:           true,
	ReconnectTimeout:    5 * time.Second,
	MaxReconnectTimeout: 30 * time.Second,
	MaxReconnectCycles:  5,
}

// ReconnectOpts are settings used to reconnect after being disconnected.
// By default the client reconnects with exponential backoff starting at 5
// seconds and capped at 30 seconds, and walks the endpoint list up to 5
// full cycles before giving up.
type ReconnectOpts struct {
	// Reconnect switch: if true, the client will attempt to reconnect
	// if it is disconnected. If false, the client will stay disconnected.
	Reconnect bool

	// Initial reconnection timeout. It doubles after every failed
	// attempt, with jitter. A minimum of 1 second is enforced.
	ReconnectTimeout time.Duration

	// Max reconnect timeout. If zero, then 30 seconds will be used.
	MaxReconnectTimeout time.Duration

	// MaxReconnectCycles bounds how many full passes over the endpoint
	// list are made without a live session before the client gives up
	// with ErrReconnectExhausted. Zero means retry forever.
	MaxReconnectCycles int
}

// RateLimitOpts shape the token bucket throttling caller-initiated sends.
type RateLimitOpts struct {
	// PerMinute is the sustained send rate. Defaults to the platform
	// limit of 100 messages per minute.
	PerMinute int

	// Burst is the bucket size: how many sends may go out back-to-back
	// after an idle stretch. Defaults to PerMinute.
	Burst int
}

// Params contains options for opening a client.
type Params struct {
	// SSID is the raw session blob captured from an authenticated browser
	// session; the full `42["auth",...]` frame is accepted as is.
	// Required unless Credential is set.
	SSID string

	// Credential, if non-nil, is used instead of parsing SSID.
	Credential *proto.Credential

	// URLs is the endpoint fallback list, best candidate first. Empty
	// means the catalogue regions matching the credential's account type.
	URLs []string

	// RegionOrder arranges the default region fallback; nil keeps the
	// catalogue priority order. Ignored when URLs is set.
	RegionOrder common.RegionOrder

	// ReconnectOpts contains settings for how to reconnect if the client
	// becomes disconnected. Sensible defaults are used.
	ReconnectOpts *ReconnectOpts

	// PingInterval is the application keep-alive period while live.
	PingInterval time.Duration

	// LivenessWindow is the extra silence tolerated beyond PingInterval
	// before the connection is declared lost.
	LivenessWindow time.Duration

	// AuthTimeout bounds the whole handshake on a single endpoint.
	AuthTimeout time.Duration

	// RequestTimeout applies to request-response calls whose context
	// carries no deadline of its own.
	RequestTimeout time.Duration

	// RateLimit throttles caller-initiated sends. Heartbeats, handshake
	// frames and other engine-internal traffic don't count against it.
	RateLimit *RateLimitOpts

	// CacheTTL and CacheSize shape the query cache.
	CacheTTL  time.Duration
	CacheSize int

	// BatchSize and BatchWindow control how subscription messages are
	// coalesced: a batch is delivered as soon as it holds BatchSize
	// messages or BatchWindow has passed since its first one.
	BatchSize   int
	BatchWindow time.Duration

	// Logger receives the client's diagnostics. Nil means a quiet logger
	// at warn level.
	Logger logrus.FieldLogger

	// DialHeader is sent with every dial handshake. Nil gets browser-like
	// defaults; the platform rejects dials without them.
	DialHeader http.Header
}

// Request is a single request-response exchange passed to Send.
type Request struct {
	// Event is the event name to send, e.g. "getBalance".
	Event string

	// Args are the event arguments, marshalled as JSON after the name.
	Args []interface{}

	// Key correlates the reply: the first inbound payload routed to Key
	// completes the request. See the package documentation for the keys
	// the platform uses.
	Key string
}

// Status is a snapshot of session health, returned by Status.
type Status struct {
	State ConnState

	// StateCause is the error that caused the current state; relevant for
	// ConnStateDegraded and ConnStateDisconnected, nil otherwise.
	StateCause error

	// Uptime is how long the session has been live; zero unless the state
	// is ConnStateLive.
	Uptime time.Duration

	// Endpoint is the URL of the current (or next) connection attempt.
	Endpoint string

	// ServerTimeOffset estimates serverClock-localClock, refreshed from
	// quote stream timestamps. Zero until the first tick arrives.
	ServerTimeOffset time.Duration
}

// Client is the public handle to a single platform session. It keeps the
// session alive across network failures and serves requests,
// subscriptions and cached queries on top of it.
//
// Note that a newly created Client is disconnected; set up listeners and
// subscriptions first, then call Connect.
type Client struct {
	conn *wsConn
}

// NewClient creates a new client with the given params. It validates the
// credential and the endpoint list without touching the network, so a bad
// session blob or URL fails fast.
func NewClient(params *Params) (*Client, error) {
	conn, err := newWsConn(params)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return &Client{conn: conn}, nil
}

// Connect starts the connection loop (if the state is
// ConnStateDisconnected), or makes it connect immediately, ignoring the
// backoff timeout (if the state is ConnStateDegraded). For other states,
// this returns ErrConnLoopActive.
//
// Connect doesn't wait for the connection to establish; it returns
// immediately. Use WaitLive or a state listener for that.
func (c *Client) Connect() error {
	return errors.Trace(c.conn.Connect())
}

// Close stops the reconnection loop and closes the active connection, if
// any. Pending requests fail with ErrConnectionLost and subscriptions are
// terminated. The client may be connected again afterwards.
func (c *Client) Close() error {
	return errors.Trace(c.conn.Close())
}

// WaitLive blocks until the session is live, the connection loop stops
// for good, or ctx expires. It should be called after Connect.
func (c *Client) WaitLive(ctx context.Context) error {
	return errors.Trace(c.conn.waitLive(ctx))
}

// Send performs a request-response exchange: it waits for a rate-limiter
// slot, registers req.Key, writes the event frame and blocks until the
// correlated reply arrives. If ctx carries no deadline, RequestTimeout
// applies. Expiry while throttled returns ErrRateLimited; expiry while
// awaiting the reply returns ErrRequestTimeout; connection loss returns
// ErrConnectionLost.
func (c *Client) Send(ctx context.Context, req *Request) ([]byte, error) {
	ctx, cancel := c.conn.requestCtx(ctx)
	defer cancel()

	data, err := c.conn.makeRequest(ctx, req.Key, req.Event, req.Args...)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return data, nil
}

// Subscribe returns an ordered stream of server pushes for the given
// event name (topic). The stream survives reconnections and ends only
// when the caller closes it or the client becomes terminally
// disconnected.
func (c *Client) Subscribe(topic string) *Subscription {
	return c.conn.dispatcher.subscribe(topic)
}

// Query returns the cached value for key if it's fresh, and otherwise
// calls fetch, caching its result. Concurrent queries for the same key
// may fetch more than once; the cache keeps whichever lands last.
func (c *Client) Query(
	ctx context.Context, key string,
	fetch func(ctx context.Context) (interface{}, error),
) (interface{}, error) {
	return c.conn.query(ctx, key, fetch)
}

// ConnState returns the current connection state.
func (c *Client) ConnState() ConnState {
	return c.conn.ConnState()
}

// Status returns a snapshot of session health.
func (c *Client) Status() Status {
	return c.conn.Status()
}

// URL returns the endpoint of the current (or next) connection attempt.
func (c *Client) URL() string {
	return c.conn.transport.URL()
}

// AddStateListener registers a new listener for the given state. To
// listen for all state changes, use ConnStateAny as the state.
//
// All registered callbacks are called by the same internal goroutine,
// i.e. they are never called concurrently with each other. The listeners
// shouldn't block; a blocked listener stalls the whole session. If you
// need to block there, consider spawning a goroutine for that.
//
// The order of listener invocation for the same state is unspecified.
func (c *Client) AddStateListener(state ConnState, cb StateCallback) {
	c.conn.AddStateListener(state, cb)
}

// AddStateListenerOpt is like AddStateListener, but also takes additional
// options; see StateListenerOpt for details.
func (c *Client) AddStateListenerOpt(state ConnState, cb StateCallback, opt StateListenerOpt) {
	c.conn.AddStateListenerOpt(state, cb, opt)
}

// OnStateChange registers a state listener that doesn't care about the
// transition cause; see AddStateListener for details. Use OnError to
// observe causes.
func (c *Client) OnStateChange(state ConnState, cb func(oldState, state ConnState)) {
	c.conn.AddStateListener(state, func(oldState, state ConnState, _ error) {
		cb(oldState, state)
	})
}

// ConnClosedCallback defines the callback function for OnConnClosed. The
// state is the new state of the client: ConnStateDegraded or
// ConnStateDisconnected.
type ConnClosedCallback func(state ConnState, cause error)

// OnConnClosed allows the client to set a callback for when the
// connection is lost, for any reason.
func (c *Client) OnConnClosed(cb ConnClosedCallback) {
	c.conn.AddStateListener(ConnStateDegraded, func(_, curState ConnState, cause error) {
		cb(curState, cause)
	})
	c.conn.AddStateListener(ConnStateDisconnected, func(_, curState ConnState, cause error) {
		cb(curState, cause)
	})
}

// OnErrorCB is a signature of an error listener. If the error is going to
// cause the disconnection, disconnecting is true, and the error is also
// delivered as the cause of the upcoming state transition. Error
// listeners are always called before state listeners.
type OnErrorCB func(err error, disconnecting bool)

// OnError registers an error listener. Like state listeners, error
// listeners are all called by the same internal goroutine and shouldn't
// block.
func (c *Client) OnError(cb OnErrorCB) {
	c.conn.OnError(cb)
}

// resolveEndpoints builds the endpoint fallback list for the given
// credential: explicit URLs win, otherwise the region catalogue matching
// the account type, arranged by order.
func resolveEndpoints(p *Params, cred proto.Credential) ([]string, error) {
	urls := p.URLs
	if len(urls) == 0 {
		regions := common.LiveRegions()
		if cred.Demo {
			regions = common.DemoRegions()
		}

		order := p.RegionOrder
		if order != nil {
			regions = order(regions)
		}

		urls = common.RegionURLs(regions)
	}

	if len(urls) == 0 {
		return nil, errors.Annotatef(ErrInvalidEndpointConfig, "no endpoints to connect to")
	}

	for _, u := range urls {
		parsed, err := url.Parse(u)
		if err != nil {
			return nil, errors.Annotatef(ErrInvalidEndpointConfig, "parsing %q: %s", u, err)
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return nil, errors.Annotatef(ErrInvalidEndpointConfig, "%q: scheme must be ws or wss", u)
		}
	}

	return urls, nil
}

func defaultDialHeader() http.Header {
	h := http.Header{}
	h.Set("Origin", defaultOrigin)
	h.Set("User-Agent", defaultUserAgent)
	return h
}
