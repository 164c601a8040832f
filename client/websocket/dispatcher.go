package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// ErrRequestInFlight means another request with the same correlation key
// is already awaiting its reply. The platform correlates replies by key
// only, so a second identical request would race the first for it.
var ErrRequestInFlight = errors.New("request with the same correlation key is in flight")

// pendingResult resolves a pending request: the correlated payload, or
// the error which voided it.
type pendingResult struct {
	data []byte
	err  error
}

// pendingRequest is one in-flight request awaiting its correlated reply.
type pendingRequest struct {
	issuedAt time.Time

	// result receives exactly one pendingResult; it has capacity 1 so
	// routing never blocks on a slow caller.
	result chan pendingResult
}

// dispatcher routes inbound payloads to their consumers: a payload
// correlated with a pending request completes that request, and payloads
// for a subscribed topic fan out to every subscriber in arrival order.
//
// Requests register from caller goroutines while routing happens on the
// eventLoop goroutine, hence the mutex around both tables.
type dispatcher struct {
	log logrus.FieldLogger

	batchSize   int
	batchWindow time.Duration

	mtx     sync.Mutex
	pending map[string]*pendingRequest
	topics  map[string][]*Subscription
}

func newDispatcher(log logrus.FieldLogger, batchSize int, batchWindow time.Duration) *dispatcher {
	return &dispatcher{
		log: log,

		batchSize:   batchSize,
		batchWindow: batchWindow,

		pending: make(map[string]*pendingRequest),
		topics:  make(map[string][]*Subscription),
	}
}

// registerPending adds a pending request under the given correlation key
// and returns the channel its result will arrive on. At most one request
// per key can be in flight; a second one fails with ErrRequestInFlight.
func (d *dispatcher) registerPending(key string) (chan pendingResult, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if _, ok := d.pending[key]; ok {
		return nil, errors.Annotatef(ErrRequestInFlight, "key %q", key)
	}

	p := &pendingRequest{
		issuedAt: time.Now(),
		result:   make(chan pendingResult, 1),
	}
	d.pending[key] = p

	return p.result, nil
}

// unregisterPending removes the pending request for key, but only if it
// still owns the given result channel: the key may have been completed
// and re-registered by a newer request in the meantime.
func (d *dispatcher) unregisterPending(key string, result chan pendingResult) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	if p, ok := d.pending[key]; ok && p.result == result {
		delete(d.pending, key)
	}
}

// completePending resolves the pending request for key with the given
// payload. It reports whether anything was waiting for it.
func (d *dispatcher) completePending(key string, data []byte) bool {
	d.mtx.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mtx.Unlock()

	if !ok {
		return false
	}

	p.result <- pendingResult{data: data}
	d.log.Debugf("request %q completed in %s", key, time.Since(p.issuedAt))

	return true
}

// failPending resolves every pending request with err. Used when the
// connection drops: replies for requests sent over the old connection
// will never arrive.
func (d *dispatcher) failPending(err error) {
	d.mtx.Lock()
	pending := d.pending
	d.pending = make(map[string]*pendingRequest)
	d.mtx.Unlock()

	for _, p := range pending {
		p.result <- pendingResult{err: err}
	}
}

// subscribe adds a subscription for the given topic.
func (d *dispatcher) subscribe(topic string) *Subscription {
	s := &Subscription{
		topic:  topic,
		d:      d,
		wakeup: make(chan struct{}, 1),
	}

	d.mtx.Lock()
	d.topics[topic] = append(d.topics[topic], s)
	d.mtx.Unlock()

	return s
}

func (d *dispatcher) unsubscribe(sub *Subscription) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	subs := d.topics[sub.topic]
	for i, s := range subs {
		if s == sub {
			d.topics[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	if len(d.topics[sub.topic]) == 0 {
		delete(d.topics, sub.topic)
	}
}

// deliver fans a payload out to every subscriber of topic. It's called
// from the eventLoop goroutine only, which is what guarantees per-topic
// arrival order.
func (d *dispatcher) deliver(topic string, data []byte) {
	d.mtx.Lock()
	subs := append([]*Subscription(nil), d.topics[topic]...)
	d.mtx.Unlock()

	for _, s := range subs {
		s.push(data)
	}
}

// closeAll terminally ends every subscription with the given error. Used
// when the client becomes disconnected for good.
func (d *dispatcher) closeAll(err error) {
	d.mtx.Lock()
	var all []*Subscription
	for _, subs := range d.topics {
		all = append(all, subs...)
	}
	d.topics = make(map[string][]*Subscription)
	d.mtx.Unlock()

	for _, s := range all {
		s.close(err)
	}
}

// Subscription is an ordered stream of server pushes for one topic,
// created with Client.Subscribe. It buffers messages as they arrive and
// hands them out in batches from Recv; within a topic, order of delivery
// equals order of arrival.
//
// A subscription survives reconnections. It ends when the caller closes
// it or when the client becomes terminally disconnected; either way Recv
// drains what's buffered before reporting the ending error.
//
// Recv is meant to be called from one goroutine at a time.
type Subscription struct {
	topic string
	d     *dispatcher

	mtx    sync.Mutex
	buf    [][]byte
	closed bool
	err    error

	// wakeup is signalled (capacity 1) whenever buf gains a message or
	// the subscription closes.
	wakeup chan struct{}
}

// Topic returns the event name the subscription was created for.
func (s *Subscription) Topic() string {
	return s.topic
}

// Recv returns the next batch of messages. It blocks until at least one
// message is available, then gives the rest of the batch a short
// coalescing window to arrive, and returns at most the configured batch
// size. If the subscription has ended and the buffer is drained, Recv
// returns ErrSubscriptionClosed (caller closed it) or ErrConnectionLost
// (the session is gone); if ctx expires first, its error is returned and
// buffered messages are kept for the next call.
func (s *Subscription) Recv(ctx context.Context) ([][]byte, error) {
	for {
		s.mtx.Lock()
		switch {
		case len(s.buf) >= s.d.batchSize || (len(s.buf) > 0 && s.closed):
			batch := s.takeLocked()
			s.mtx.Unlock()
			return batch, nil

		case s.closed:
			err := s.err
			s.mtx.Unlock()
			return nil, errors.Trace(err)
		}
		nonEmpty := len(s.buf) > 0
		s.mtx.Unlock()

		if nonEmpty {
			break
		}

		select {
		case <-s.wakeup:
		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		}
	}

	// The first message is in; give the rest of its batch the coalescing
	// window to arrive.
	window := time.NewTimer(s.d.batchWindow)
	defer window.Stop()

	for {
		select {
		case <-s.wakeup:
			s.mtx.Lock()
			if len(s.buf) >= s.d.batchSize || s.closed {
				batch := s.takeLocked()
				s.mtx.Unlock()
				return batch, nil
			}
			s.mtx.Unlock()

		case <-window.C:
			s.mtx.Lock()
			batch := s.takeLocked()
			s.mtx.Unlock()
			return batch, nil

		case <-ctx.Done():
			return nil, errors.Trace(ctx.Err())
		}
	}
}

// Close ends the subscription: the dispatcher stops delivering to it,
// and a Recv past the buffered messages returns ErrSubscriptionClosed.
func (s *Subscription) Close() {
	s.d.unsubscribe(s)
	s.close(errors.Trace(ErrSubscriptionClosed))
}

func (s *Subscription) close(err error) {
	s.mtx.Lock()
	if !s.closed {
		s.closed = true
		s.err = err
	}
	s.mtx.Unlock()

	s.signal()
}

// push appends a message to the buffer; called from deliver.
func (s *Subscription) push(data []byte) {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return
	}
	s.buf = append(s.buf, data)
	s.mtx.Unlock()

	s.signal()
}

// takeLocked cuts the next batch off the buffer. s.mtx must be held.
func (s *Subscription) takeLocked() [][]byte {
	n := len(s.buf)
	if n > s.d.batchSize {
		n = s.d.batchSize
	}

	batch := s.buf[:n:n]
	s.buf = s.buf[n:]
	if len(s.buf) == 0 {
		s.buf = nil
	}

	return batch
}

func (s *Subscription) signal() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}
