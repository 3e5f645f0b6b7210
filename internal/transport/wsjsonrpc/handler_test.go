package wsjsonrpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samiralibabic/scriptd/internal/rpc"
)

func echoHandler(_ context.Context, req rpc.Request) rpc.Response {
	return rpc.ResultResponse(req.DecodedID(), map[string]string{"method": req.Method})
}

func newServer(t *testing.T, ch chan rpc.Notification) string {
	t.Helper()
	subscribe := func(string) (chan rpc.Notification, func()) { return ch, func() {} }
	srv := httptest.NewServer(Handler(echoHandler, subscribe))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(url, origin string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func TestCheckOrigin(t *testing.T) {
	cases := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "scriptd.internal:8080", true},
		{"http://scriptd.internal:8080", "scriptd.internal:8080", true},
		{"http://localhost:5173", "scriptd.internal:8080", true},
		{"http://127.0.0.1:3000", "scriptd.internal:8080", true},
		{"http://[::1]:3000", "scriptd.internal:8080", true},
		{"https://evil.example", "scriptd.internal:8080", false},
		{"http://localhost.evil.example", "scriptd.internal:8080", false},
		{"null", "scriptd.internal:8080", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		r.Host = tc.host
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.want, checkOrigin(r), "origin %q", tc.origin)
	}
}

func TestForeignOriginIsRejected(t *testing.T) {
	url := newServer(t, make(chan rpc.Notification))

	_, resp, err := dial(url, "https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := dial(url, "http://localhost:5173")
	require.NoError(t, err)
	conn.Close()
}

func TestRequestsGetResponses(t *testing.T) {
	conn, _, err := dial(newServer(t, make(chan rpc.Notification)), "")
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{oops")))
	var parseErr rpc.Response
	require.NoError(t, conn.ReadJSON(&parseErr))
	require.NotNil(t, parseErr.Error)
	assert.Equal(t, rpc.ErrParse, parseErr.Error.Code)

	require.NoError(t, conn.WriteJSON(rpc.Request{JSONRPC: rpc.Version, ID: []byte("7"), Method: "script.list"}))
	var resp map[string]any
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, float64(7), resp["id"])
}

func TestClosedSubscriptionClosesConnection(t *testing.T) {
	ch := make(chan rpc.Notification, 1)
	conn, _, err := dial(newServer(t, ch), "")
	require.NoError(t, err)
	defer conn.Close()

	ch <- rpc.NewNotification(rpc.NotifyScriptExit, map[string]string{"run_id": "r"})
	var note rpc.Notification
	require.NoError(t, conn.ReadJSON(&note))
	assert.Equal(t, rpc.NotifyScriptExit, note.Method)

	close(ch)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	var ne net.Error
	assert.False(t, errors.As(err, &ne) && ne.Timeout(), "connection was left open")
}
