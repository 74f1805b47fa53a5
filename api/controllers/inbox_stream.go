package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/angelmondragon/ledger-notify/api/responses"
	"github.com/angelmondragon/ledger-notify/api/validators"
	"github.com/angelmondragon/ledger-notify/internal/identity"
	"github.com/angelmondragon/ledger-notify/internal/inbox"
	"github.com/angelmondragon/ledger-notify/internal/notifications"
	"github.com/angelmondragon/ledger-notify/pkg/config"
	pkgerrors "github.com/angelmondragon/ledger-notify/pkg/errors"
	"github.com/angelmondragon/ledger-notify/pkg/logger"
	"github.com/angelmondragon/ledger-notify/pkg/types"
)

// Frame types exchanged on the inbox stream.
const (
	FrameSnapshot = "snapshot"
	FrameError    = "error"
	FrameRedirect = "redirect"
	FrameAck      = "ack"

	FrameCreate      = "create"
	FrameTrigger     = "trigger"
	FrameMarkRead    = "mark_read"
	FrameMarkAllRead = "mark_all_read"
	FrameSignOut     = "sign_out"
)

const outboundBuffer = 16

type snapshotFrame struct {
	Type    string                 `json:"type"`
	Records []notifications.Record `json:"records"`
	Unread  int                    `json:"unread"`
}

type errorFrame struct {
	Type  string         `json:"type"`
	Ref   string         `json:"ref,omitempty"`
	Error types.APIError `json:"error"`
}

type redirectFrame struct {
	Type     string `json:"type"`
	Location string `json:"location"`
}

type ackFrame struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Action  string `json:"action"`
	ID      string `json:"id,omitempty"`
	Updated int    `json:"updated,omitempty"`
}

type clientFrame struct {
	Type    string `json:"type" validate:"required"`
	Ref     string `json:"ref,omitempty" validate:"max=64"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
	Event   string `json:"event,omitempty"`
	ID      string `json:"id,omitempty"`
}

type streamMetrics interface {
	SubscriptionOpened()
	SubscriptionClosed()
	ObserveSnapshot(err error)
	AddRejected(n int)
	StreamConnected()
	StreamDisconnected()
}

type sessionEnder interface {
	SignOut(ctx context.Context, s *identity.Session) error
}

// InboxStreamParams wires the websocket inbox.
type InboxStreamParams struct {
	// Sessions returns the session listener source for an access token.
	Sessions func(accessToken string) inbox.SessionSource
	Identity sessionEnder
	Store    inbox.LiveStore
	Actions  inbox.Actions
	Limits   config.InboxConfig
	Origins  []string
	Metrics  streamMetrics
	Logger   *logger.Logger
}

// InboxStream mounts one dashboard per websocket connection. The dashboard's
// mirror is pushed as snapshot frames; client frames drive its actions.
func InboxStream(params InboxStreamParams) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(params.Origins),
	}
	logg := params.Logger

	return func(w http.ResponseWriter, r *http.Request) {
		if params.Sessions == nil || params.Store == nil || params.Actions == nil || params.Identity == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inbox stream unavailable"))
			return
		}
		token := strings.TrimSpace(r.URL.Query().Get("access_token"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if logg != nil {
				logg.Warn(logg.WithField(r.Context(), "reason", err.Error()), "inbox.stream.upgrade_failed")
			}
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		if logg != nil {
			ctx = logg.WithField(ctx, "stream", "inbox")
		}

		s := newInboxConn(conn, params)
		s.serve(ctx, token)
	}
}

// originChecker allows any origin when none are configured.
func originChecker(origins []string) func(*http.Request) bool {
	if len(origins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := allowed[strings.TrimRight(origin, "/")]
		return ok
	}
}

type inboxConn struct {
	conn    *websocket.Conn
	params  InboxStreamParams
	limiter *rate.Limiter
	logg    *logger.Logger

	out       chan any
	done      chan struct{}
	closeOnce sync.Once
}

func newInboxConn(conn *websocket.Conn, params InboxStreamParams) *inboxConn {
	limit := rate.Inf
	if params.Limits.ActionsPerSecond > 0 {
		limit = rate.Limit(params.Limits.ActionsPerSecond)
	}
	burst := params.Limits.ActionBurst
	if burst <= 0 {
		burst = 1
	}
	return &inboxConn{
		conn:    conn,
		params:  params,
		limiter: rate.NewLimiter(limit, burst),
		logg:    params.Logger,
		out:     make(chan any, outboundBuffer),
		done:    make(chan struct{}),
	}
}

func (c *inboxConn) serve(ctx context.Context, token string) {
	if c.params.Metrics != nil {
		c.params.Metrics.StreamConnected()
		defer c.params.Metrics.StreamDisconnected()
	}

	var writers sync.WaitGroup
	writers.Add(1)
	go func() {
		defer writers.Done()
		c.writeLoop()
	}()

	dash, err := inbox.NewDashboard(inbox.DashboardParams{
		Sessions:     c.params.Sessions(token),
		Navigator:    inbox.NavigatorFunc(c.redirect),
		Store:        c.params.Store,
		Actions:      c.params.Actions,
		Identity:     c.params.Identity,
		Observer:     c.observe,
		SnapshotSize: c.params.Limits.SnapshotLimit,
		Metrics:      c.params.Metrics,
		Logger:       c.logg,
	})
	if err != nil {
		c.fail(ctx, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mount inbox"))
	} else if err := dash.Mount(ctx); err != nil {
		c.fail(ctx, "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "mount inbox"))
	} else {
		c.readLoop(ctx, dash)
		dash.Unmount()
	}

	c.shutdown()
	writers.Wait()
	_ = c.conn.Close()
}

func (c *inboxConn) readLoop(ctx context.Context, dash *inbox.Dashboard) {
	if limit := c.params.Limits.MaxMessageBytes; limit > 0 {
		c.conn.SetReadLimit(limit)
	}
	pong := c.params.Limits.PongTimeout
	if pong > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(pong))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pong))
		})
	}

	for {
		var frame clientFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.logg != nil {
				c.logg.Warn(c.logg.WithField(ctx, "reason", err.Error()), "inbox.stream.read_failed")
			}
			return
		}
		if !c.limiter.Allow() {
			c.send(errorFrame{Type: FrameError, Ref: frame.Ref, Error: responses.PublicError(pkgerrors.New(pkgerrors.CodeRateLimit, "too many actions"))})
			continue
		}
		if err := validators.Struct(&frame); err != nil {
			c.fail(ctx, "", err)
			continue
		}
		c.dispatch(ctx, dash, frame)
	}
}

func (c *inboxConn) dispatch(ctx context.Context, dash *inbox.Dashboard, frame clientFrame) {
	ack := ackFrame{Type: FrameAck, Ref: frame.Ref, Action: frame.Type}
	var err error
	switch frame.Type {
	case FrameCreate:
		ack.ID, err = dash.Create(ctx, frame.Title, frame.Message)
	case FrameTrigger:
		ack.ID, err = dash.Trigger(ctx, frame.Event)
	case FrameMarkRead:
		ack.ID = frame.ID
		err = dash.MarkRead(ctx, frame.ID)
	case FrameMarkAllRead:
		ack.Updated, err = dash.MarkAllRead(ctx)
	case FrameSignOut:
		err = dash.SignOut(ctx)
	default:
		err = pkgerrors.New(pkgerrors.CodeValidation, "unknown frame type").WithDetails(map[string]any{"type": frame.Type})
	}
	if err != nil {
		c.fail(ctx, frame.Ref, err)
		return
	}
	c.send(ack)
}

func (c *inboxConn) observe(state inbox.State) {
	if state.Err != nil {
		err := state.Err
		if pkgerrors.As(err) == nil {
			err = pkgerrors.Wrap(pkgerrors.CodeSubscription, err, "inbox subscription failed")
		}
		c.send(errorFrame{Type: FrameError, Error: responses.PublicError(err)})
		return
	}
	records := state.Records
	if records == nil {
		records = []notifications.Record{}
	}
	c.send(snapshotFrame{Type: FrameSnapshot, Records: records, Unread: state.Unread})
}

func (c *inboxConn) redirect(location string) {
	c.send(redirectFrame{Type: FrameRedirect, Location: location})
}

func (c *inboxConn) fail(ctx context.Context, ref string, err error) {
	if c.logg != nil {
		c.logg.Warn(c.logg.WithField(ctx, "reason", err.Error()), "inbox.stream.action_failed")
	}
	c.send(errorFrame{Type: FrameError, Ref: ref, Error: responses.PublicError(err)})
}

func (c *inboxConn) send(frame any) {
	select {
	case c.out <- frame:
	case <-c.done:
	}
}

func (c *inboxConn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writeLoop is the only writer on the connection. A redirect frame is the
// last frame a connection carries.
func (c *inboxConn) writeLoop() {
	var ping <-chan time.Time
	if interval := c.params.Limits.PingInterval(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				c.shutdown()
				_ = c.conn.Close()
				return
			}
			if _, ok := frame.(redirectFrame); ok {
				c.closeWith(websocket.CloseNormalClosure, "signed out")
				return
			}
		case <-ping:
			deadline := time.Now().Add(c.writeTimeout())
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.shutdown()
				_ = c.conn.Close()
				return
			}
		case <-c.done:
			c.drain()
			c.closeWith(websocket.CloseNormalClosure, "")
			return
		}
	}
}

// drain flushes frames queued before shutdown.
func (c *inboxConn) drain() {
	for {
		select {
		case frame := <-c.out:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *inboxConn) write(frame any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout())); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

func (c *inboxConn) closeWith(code int, reason string) {
	c.shutdown()
	deadline := time.Now().Add(c.writeTimeout())
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && c.logg != nil {
		c.logg.Debug(c.logg.WithField(context.Background(), "reason", err.Error()), "inbox.stream.close_failed")
	}
	// unblocks the reader so the dashboard unmounts
	_ = c.conn.Close()
}

func (c *inboxConn) writeTimeout() time.Duration {
	if c.params.Limits.WriteTimeout > 0 {
		return c.params.Limits.WriteTimeout
	}
	return 10 * time.Second
}
