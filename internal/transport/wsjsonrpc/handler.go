package wsjsonrpc

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/samiralibabic/scriptd/internal/events"
	"github.com/samiralibabic/scriptd/internal/rpc"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: checkOrigin,
}

// checkOrigin admits non-browser clients, pages served by this host and
// pages served from loopback.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type RequestHandler func(context.Context, rpc.Request) rpc.Response
type SubscribeFunc func(string) (chan rpc.Notification, func())

// conn serializes writes; gorilla connections allow one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

// Handler serves JSON-RPC over a WebSocket. Each connection receives the
// notifications of every run; the connection is closed if the bus drops
// it for reading too slowly.
func Handler(handle RequestHandler, subscribe SubscribeFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		c := &conn{ws: ws}

		ch, unsub := subscribe(events.AllRuns)
		defer unsub()
		go func() {
			defer ws.Close()
			for evt := range ch {
				if err := c.send(evt); err != nil {
					return
				}
			}
		}()

		for {
			_, payload, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var req rpc.Request
			if err := json.Unmarshal(payload, &req); err != nil {
				if err := c.send(rpc.ErrorResponse(nil, rpc.ErrParse, "parse error", nil)); err != nil {
					return
				}
				continue
			}
			resp := handle(r.Context(), req)
			if req.IsNotification() {
				continue
			}
			if err := c.send(resp); err != nil {
				return
			}
		}
	}
}
