package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"outreach/internal/eventbus"
	logx "outreach/pkg/logx"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?client=test"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func setup(t *testing.T) (*eventbus.Hub, *Server, *httptest.Server) {
	t.Helper()
	hub := eventbus.New(16, logx.Nop())
	s := New(hub, Config{}, logx.Nop())
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return hub, s, srv
}

func TestEventsStreamToClient(t *testing.T) {
	hub, s, srv := setup(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Stats().Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, s.Connections())

	hub.Publish(eventbus.Event{Type: eventbus.TypeSendSucceeded, Data: eventbus.SendSucceeded{LeadID: "l1", AccountID: "a1", MessageID: "m1"}})
	hub.Publish(eventbus.Event{Type: eventbus.TypeCampaignProgress, Data: eventbus.CampaignProgress{CampaignID: "c1", Sent: 1, Remaining: 2}})

	f := read(t, conn)
	require.Equal(t, eventbus.TypeSendSucceeded, f.Type)
	require.JSONEq(t, `{"lead_id":"l1","account_id":"a1","message_id":"m1"}`, string(f.Data))
	f = read(t, conn)
	require.Equal(t, eventbus.TypeCampaignProgress, f.Type)
	require.JSONEq(t, `{"campaign_id":"c1","sent":1,"remaining":2}`, string(f.Data))
}

func TestCommandsRoundTrip(t *testing.T) {
	hub, _, srv := setup(t)
	hub.Handle("echo", func(_ context.Context, data json.RawMessage) (any, error) {
		var in map[string]string
		if err := json.Unmarshal(data, &in); err != nil {
			return nil, err
		}
		return in, nil
	})
	conn := dial(t, srv)

	// Malformed and unknown frames are dropped without closing the socket.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"nope"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"echo","data":{"x":"y"}}`)))

	f := read(t, conn)
	require.Equal(t, eventbus.TypeCommandResult, f.Type)
	require.JSONEq(t, `{"type":"echo","ok":true,"result":{"x":"y"}}`, string(f.Data))
	require.EqualValues(t, 2, hub.Stats().Malformed)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, s, srv := setup(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Stats().Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = conn.Close()
	require.Eventually(t, func() bool { return hub.Stats().Subscribers == 0 && s.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestShutdownClosesClients(t *testing.T) {
	hub, s, srv := setup(t)
	conn := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Stats().Subscribers == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.Zero(t, hub.Stats().Subscribers)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)

	// New connections are refused once shut down.
	late, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer late.Close()
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "err = %v", err)
}

func TestOriginCheck(t *testing.T) {
	hub := eventbus.New(4, logx.Nop())
	s := New(hub, Config{AllowedOrigins: []string{"https://ops.example"}}, logx.Nop())
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.Equal(t, 403, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, map[string][]string{"Origin": {"https://ops.example"}})
	require.NoError(t, err)
	_ = conn.Close()
}
