package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	syncerrors "github.com/alexjbarnes/editor-sync/internal/errors"
)

const (
	// pingAfter is how long the connection may sit idle before the
	// client sends a ping.
	pingAfter = 10 * time.Second

	// heartbeatCheckAt is the heartbeat ticker interval.
	heartbeatCheckAt = 20 * time.Second

	// disconnectAfter is the idle ceiling. Past it the connection is
	// presumed dead and torn down for a reconnect.
	disconnectAfter = 45 * time.Second

	reconnectMin = 5 * time.Second
	reconnectMax = 5 * time.Minute

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// feedReadLimit caps inbound frames. Feed frames are small change
	// notifications, never snapshot bodies.
	feedReadLimit = 64 * 1024
)

// feedConn abstracts the WebSocket connection so Feed can be tested
// without a real server. *websocket.Conn satisfies this interface.
type feedConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

type inboundMsg struct {
	data []byte
	err  error
}

// subscribeMessage opens a feed subscription for one profile.
type subscribeMessage struct {
	Op      string `json:"op"`
	Token   string `json:"token"`
	Profile string `json:"profile"`
	Device  string `json:"device"`
}

// Feed is a WebSocket subscription to the server's change notifications.
// When another device saves the profile, the server pushes a change
// frame and the feed nudges the engine. The feed is an accelerator only:
// polling remains the consistency mechanism, so feed failures degrade to
// poll latency rather than missed changes.
type Feed struct {
	url     string
	token   string
	profile string
	device  string
	logger  *slog.Logger

	// onChange receives the server-announced lastUpdate for each change
	// frame. Called from the feed's event loop goroutine.
	onChange func(lastUpdate int64)

	conn      feedConn
	inboundCh chan inboundMsg

	lastMessage time.Time
}

// NewFeed creates a Feed. onChange is invoked for every change
// notification with the announced lastUpdate (zero when the server
// omits it).
func NewFeed(url, token, profile, device string, onChange func(lastUpdate int64), logger *slog.Logger) *Feed {
	return &Feed{
		url:      url,
		token:    token,
		profile:  profile,
		device:   device,
		onChange: onChange,
		logger:   logger,
	}
}

// Listen connects and processes change frames until the context is
// cancelled, reconnecting with exponential backoff and jitter on
// connection loss. Auth rejections are permanent and returned.
func (f *Feed) Listen(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if err := f.connect(ctx); err != nil {
			// Checked before ctx.Err(): a rejection that arrives as the
			// context expires is still permanent, not a cancellation.
			if isAuthRejection(err) {
				return fmt.Errorf("permanent feed error: %w", err)
			}

			if ctx.Err() != nil {
				return ctx.Err()
			}

			f.logger.Warn("feed connect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			if err := sleepWithJitter(ctx, backoff); err != nil {
				return err
			}

			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		backoff = reconnectMin

		err := f.eventLoop(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		if err := sleepWithJitter(ctx, backoff); err != nil {
			return err
		}
	}
}

// connect dials the WebSocket, sends the subscription, and waits for
// the server's acknowledgement.
func (f *Feed) connect(ctx context.Context) error {
	f.logger.Debug("connecting to change feed", slog.String("url", f.url))

	conn, _, err := websocket.Dial(ctx, f.url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + f.token},
		},
	})
	if err != nil {
		return fmt.Errorf("dialing feed: %w", err)
	}

	conn.SetReadLimit(feedReadLimit)
	f.conn = conn
	f.lastMessage = time.Now()

	sub := subscribeMessage{
		Op:      "subscribe",
		Token:   f.token,
		Profile: f.profile,
		Device:  f.device,
	}

	if err := f.writeJSON(ctx, sub); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return fmt.Errorf("sending subscribe: %w", err)
	}

	// Read the subscription response directly; the reader goroutine
	// starts after auth succeeds.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading subscribe response: %w", err)
	}

	if res := gjson.GetBytes(data, "res"); res.String() != "ok" {
		msg := gjson.GetBytes(data, "msg").String()
		if msg == "" {
			msg = res.String()
		}

		// CloseNow, not Close: the server already rejected us, and a full
		// close handshake can block until its timeout expires.
		conn.CloseNow()

		return fmt.Errorf("%w: feed rejected subscription: %s", syncerrors.ErrUnauthorized, msg)
	}

	f.logger.Info("change feed subscribed", slog.String("profile", f.profile))

	return nil
}

// eventLoop reads frames and maintains the heartbeat for one
// connection. Returns on read error, heartbeat timeout, or context
// cancellation.
func (f *Feed) eventLoop(ctx context.Context) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.inboundCh = make(chan inboundMsg, 1)

	go f.readLoop(connCtx, f.conn, f.inboundCh)

	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	defer f.conn.Close(websocket.StatusNormalClosure, "shutting down")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-f.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			f.lastMessage = time.Now()
			f.handleFrame(msg.data)

		case <-ticker.C:
			elapsed := time.Since(f.lastMessage)

			if elapsed > disconnectAfter {
				f.conn.Close(websocket.StatusGoingAway, "timeout")
				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := f.writeJSON(ctx, map[string]string{"op": "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}
		}
	}
}

func (f *Feed) readLoop(ctx context.Context, conn feedConn, ch chan<- inboundMsg) {
	for {
		_, data, err := conn.Read(ctx)

		select {
		case ch <- inboundMsg{data: data, err: err}:
		case <-ctx.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

// handleFrame dispatches one inbound frame by its op field.
func (f *Feed) handleFrame(data []byte) {
	op := gjson.GetBytes(data, "op").String()

	switch op {
	case "changed":
		// Our own saves echo back with our device name; applying them
		// again would only burn a no-op pass.
		if device := gjson.GetBytes(data, "device").String(); device != "" && device == f.device {
			f.logger.Debug("ignoring own change echo")
			return
		}

		lastUpdate := gjson.GetBytes(data, "lastUpdate").Int()
		f.logger.Debug("change announced", slog.Int64("last_update", lastUpdate))
		f.onChange(lastUpdate)

	case "pong", "ping":
		// Heartbeat traffic, nothing to do.

	default:
		f.logger.Debug("unhandled feed op", slog.String("op", op))
	}
}

func (f *Feed) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return f.conn.Write(ctx, websocket.MessageText, data)
}

// sleepWithJitter waits for backoff plus uniform jitter, or until the
// context is cancelled.
func sleepWithJitter(ctx context.Context, backoff time.Duration) error {
	jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isAuthRejection reports whether a connect error means the credentials
// were refused, which a retry cannot fix.
func isAuthRejection(err error) bool {
	return errors.Is(err, syncerrors.ErrUnauthorized)
}
