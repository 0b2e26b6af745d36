// Package wsconsumer implements the server side of the push plane
// (spec.md §4.6): it authenticates a screen over a WebSocket, binds its
// device atomically, joins the per-school invalidation group, and
// forwards invalidate events until the connection closes.
package wsconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/azzam1122112-dot/school-display/internal/binding"
	"github.com/azzam1122112-dot/school-display/internal/kvstore"
	"github.com/azzam1122112-dot/school-display/internal/metrics"
	"github.com/azzam1122112-dot/school-display/internal/obslog"
)

// Close codes spec.md §4.6 mandates. 4400-4408 are in the
// application-reserved range (RFC 6455 §7.4.2); the client treats these
// three as permanent and stops reconnecting.
const (
	CloseBadParams    = 4400
	CloseUnknownToken = 4403
	CloseDeviceBound  = 4408
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second // generous vs. the client's 30s ping interval
)

type clientMessage struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type     string `json:"type"`
	Revision int64  `json:"revision,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Consumer wires the binding service, invalidation subscription source,
// and metrics together to serve spec.md §4.6's connect/runtime protocol.
type Consumer struct {
	binder   *binding.Service
	store    kvstore.Store
	counters *metrics.Counters
	log      obslog.Logger
}

// NewConsumer builds a Consumer.
func NewConsumer(binder *binding.Service, store kvstore.Store, counters *metrics.Counters, log obslog.Logger) *Consumer {
	if log == nil {
		log = obslog.Discard()
	}
	return &Consumer{binder: binder, store: store, counters: counters, log: log}
}

// ServeHTTP implements the connect protocol: parse token/dk, resolve and
// bind the screen, join its school's group, then run the cooperative
// send/receive loop until the socket closes.
func (c *Consumer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	deviceID := r.URL.Query().Get("dk")
	if token == "" || deviceID == "" {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		closeWithCode(conn, CloseBadParams, "missing token or dk")
		return
	}

	screen, err := c.binder.BindAtomic(r.Context(), token, deviceID)
	conn, upErr := upgrader.Upgrade(w, r, nil)
	if upErr != nil {
		return
	}

	if err != nil {
		code := CloseUnknownToken
		if errors.Is(err, binding.ErrScreenBound) || errors.Is(err, binding.ErrDeviceRequired) {
			code = CloseDeviceBound
		}
		if c.counters != nil {
			c.counters.IncConnectionFailed()
		}
		closeWithCode(conn, code, err.Error())
		return
	}

	if c.counters != nil {
		c.counters.IncConnectionTotal()
		c.counters.IncConnectionActive()
		defer c.counters.DecConnectionActive()
	}

	c.run(r.Context(), conn, screen.SchoolID)
}

// run is the single-threaded cooperative loop for one connection: a
// reader goroutine handles client pings, and the main goroutine forwards
// invalidation events from the school's subscription. Neither blocks the
// other on synchronous I/O beyond their own socket operations, matching
// spec.md §4.6's suspension points (accept, send, receive, group_send).
func (c *Consumer) run(ctx context.Context, conn *websocket.Conn, schoolID int64) {
	defer conn.Close()

	sub, err := c.store.Subscribe(ctx, groupName(schoolID))
	if err != nil {
		c.log.Error("wsconsumer: subscribe failed", "school_id", schoolID, "error", err)
		closeWithCode(conn, websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer sub.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop(connCtx, cancel, conn)

	for {
		select {
		case <-connCtx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var event struct {
				Revision int64 `json:"revision"`
			}
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				c.log.Warn("wsconsumer: malformed invalidation payload", "school_id", schoolID, "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(serverMessage{Type: "invalidate", Revision: event.Revision}); err != nil {
				return
			}
		}
	}
}

// readLoop handles client->server traffic: only {"type":"ping"} is
// meaningful, answered with {"type":"pong"}. Anything else is logged and
// ignored; malformed JSON is dropped silently (spec.md §4.6).
func (c *Consumer) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(serverMessage{Type: "pong"}); err != nil {
				return
			}
		default:
			c.log.Debug("wsconsumer: ignoring unrecognized client message", "type", msg.Type)
		}
	}
}

func groupName(schoolID int64) string {
	return fmt.Sprintf("school:%d", schoolID)
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, deadline)
	conn.Close()
}
