package websocket

import (
	"context"
	"sync/atomic"
	"time"

	"code.pocketoption.com/po-sdk-go/proto"
)

// authDeadlineLoop reports a handshake which is still running when
// AuthTimeout elapses. It's armed on entering ConnStateAuthenticating and
// cancelled on leaving it; gen ties the report to the handshake that
// armed it, so a stale alarm can't affect a newer session.
func (c *wsConn) authDeadlineLoop(ctx context.Context, gen int) {
	timer := time.NewTimer(c.params.AuthTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
		c.internalEvents <- internalEvent{authDeadline: &authDeadline{gen: gen}}
	case <-ctx.Done():
	}
}

// keepAliveLoop runs while the session is live: it emits the application
// keep-alive every PingInterval and watches the inbound side for silence.
// The platform pings on its own schedule, so a healthy link always
// carries traffic; when nothing at all arrives for
// PingInterval+LivenessWindow, the loop reports a liveness miss and ends.
//
// It's armed on entering ConnStateLive and cancelled on leaving it, with
// gen guarding against stale reports, like authDeadlineLoop.
func (c *wsConn) keepAliveLoop(ctx context.Context, gen int) {
	ping := time.NewTicker(c.params.PingInterval)
	defer ping.Stop()

	// The watchdog wakes a few times per window so a dead link is
	// noticed soon after the window elapses, not on the next ping.
	window := c.params.PingInterval + c.params.LivenessWindow
	watch := time.NewTicker(window / 4)
	defer watch.Stop()

	for {
		select {
		case <-ping.C:
			sendCtx, cancel := context.WithTimeout(ctx, internalSendTimeout)
			err := c.transport.Send(sendCtx, proto.KeepAliveMessage)
			cancel()
			if err != nil {
				// The watchdog or the transport reader will notice a dead
				// link; nothing to do here.
				c.log.Debugf("keep-alive send failed: %s", err)
			}

		case <-watch.C:
			last := time.Unix(0, atomic.LoadInt64(&c.lastRxNano))
			if time.Since(last) > window {
				c.internalEvents <- internalEvent{livenessMiss: &livenessMiss{gen: gen}}
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
