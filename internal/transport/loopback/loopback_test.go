package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"outreach/internal/model"
	"outreach/internal/transport"
)

func TestSendRecordsAndScriptsFailures(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()
	c, err := n.Dial(ctx, model.Account{ID: "a1"})
	require.NoError(t, err)

	_, err = c.SendText(ctx, transport.Peer{UserID: 1}, "too early")
	require.ErrorIs(t, err, model.ErrTransient)

	in := make(chan transport.Inbound, 1)
	require.NoError(t, c.Start(ctx, in))

	n.FailNext("a1", model.FloodWait(300*time.Second, nil), nil)
	_, err = c.SendText(ctx, transport.Peer{UserID: 1}, "hello")
	d, ok := model.AsFloodWait(err)
	require.True(t, ok)
	require.Equal(t, 300*time.Second, d)

	// A nil entry consumes a slot and lets the send through.
	sent, err := c.SendText(ctx, transport.Peer{UserID: 1}, "hello")
	require.NoError(t, err)
	require.NotEmpty(t, sent.ExternalID)

	n.Block(2)
	_, err = c.SendText(ctx, transport.Peer{UserID: 2}, "hi")
	require.ErrorIs(t, err, model.ErrPeerBlocked)

	n.FailAlways("a1", model.ErrAccountBanned)
	_, err = c.SendText(ctx, transport.Peer{UserID: 1}, "x")
	require.ErrorIs(t, err, model.ErrAccountBanned)
	n.FailAlways("a1", nil)

	require.Len(t, n.Sent(), 1)
	require.Equal(t, "hello", n.SentBy("a1")[0].Text)
}

func TestReplyAndDial(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()

	n.FailDial("bad", errors.New("no session"))
	_, err := n.Dial(ctx, model.Account{ID: "bad"})
	require.Error(t, err)
	require.Equal(t, 1, n.Dials("bad"))

	c, err := n.Dial(ctx, model.Account{ID: "a1"})
	require.NoError(t, err)
	require.False(t, n.Reply("a1", 42, "not started"))

	in := make(chan transport.Inbound, 1)
	require.NoError(t, c.Start(ctx, in))
	require.True(t, n.Reply("a1", 42, "hey"))
	require.False(t, n.Reply("a1", 42, "full"))

	got := <-in
	require.Equal(t, "a1", got.AccountID)
	require.EqualValues(t, 42, got.FromID)
	require.Equal(t, "hey", got.Text)

	require.NoError(t, c.Stop(ctx))
	require.False(t, n.Reply("a1", 42, "stopped"))
}

func TestLatencyHonoursContext(t *testing.T) {
	n := NewNetwork(WithLatency(time.Hour))
	c, err := n.Dial(context.Background(), model.Account{ID: "a1"})
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background(), make(chan transport.Inbound)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.SendText(ctx, transport.Peer{UserID: 1}, "slow")
	require.ErrorIs(t, err, model.ErrTransient)
	require.Empty(t, n.Sent())
}
