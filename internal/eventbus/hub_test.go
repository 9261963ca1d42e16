package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	logx "outreach/pkg/logx"
)

func TestPublishFanout(t *testing.T) {
	h := New(4, logx.Nop())
	a, err := h.Register(Client{Name: "a"})
	require.NoError(t, err)
	b, err := h.Register(Client{Name: "b"})
	require.NoError(t, err)

	h.Publish(Event{Type: TypeSendSucceeded, Data: SendSucceeded{LeadID: "l1"}})
	h.Publish(Event{Type: TypeSendFailed, Data: SendFailed{LeadID: "l1"}})

	for _, sub := range []*Subscription{a, b} {
		e1 := <-sub.Events()
		e2 := <-sub.Events()
		require.Equal(t, TypeSendSucceeded, e1.Type)
		require.Equal(t, TypeSendFailed, e2.Type)
		require.False(t, e1.Time.IsZero())
	}
	require.EqualValues(t, 2, h.Stats().Published)
}

func TestSlowSubscriberDropsNewest(t *testing.T) {
	h := New(2, logx.Nop())
	slow, err := h.Register(Client{Name: "slow"})
	require.NoError(t, err)
	fast, err := h.Register(Client{Name: "fast"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: "n", Data: i})
		if i < 4 {
			// fast drains as it goes
			<-fast.Events()
		}
	}

	require.EqualValues(t, 3, slow.Dropped())
	require.EqualValues(t, 0, fast.Dropped())
	require.Equal(t, 0, (<-slow.Events()).Data)
	require.Equal(t, 1, (<-slow.Events()).Data)
	require.EqualValues(t, 3, h.Stats().Dropped)
}

func TestUnregisterClosesStream(t *testing.T) {
	h := New(1, logx.Nop())
	sub, err := h.Register(Client{Name: "x"})
	require.NoError(t, err)
	h.Unregister(sub)
	h.Unregister(sub)

	_, open := <-sub.Events()
	require.False(t, open)
	h.Publish(Event{Type: "after"})
	require.Equal(t, 0, h.Stats().Subscribers)

	h.Close()
	_, err = h.Register(Client{Name: "late"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestRouteInbound(t *testing.T) {
	h := New(8, logx.Nop())
	sub, err := h.Register(Client{Name: "admin"})
	require.NoError(t, err)
	other, err := h.Register(Client{Name: "observer"})
	require.NoError(t, err)

	var got string
	h.Handle("campaign.pause", func(ctx context.Context, data json.RawMessage) (any, error) {
		var req struct {
			CampaignID string `json:"campaign_id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		got = req.CampaignID
		return map[string]string{"status": "paused"}, nil
	})
	h.Handle("campaign.fail", func(ctx context.Context, data json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	require.NoError(t, h.RouteInbound(context.Background(), sub, []byte(`{"type":"campaign.pause","data":{"campaign_id":"c1"}}`)))
	require.Equal(t, "c1", got)
	res := <-sub.Events()
	require.Equal(t, TypeCommandResult, res.Type)
	require.True(t, res.Data.(CommandResult).OK)
	// Replies go to the issuing client only.
	require.Len(t, other.Events(), 0)

	require.Error(t, h.RouteInbound(context.Background(), sub, []byte(`{"type":"campaign.fail"}`)))
	res = <-sub.Events()
	require.False(t, res.Data.(CommandResult).OK)
	require.Equal(t, "boom", res.Data.(CommandResult).Error)

	require.ErrorIs(t, h.RouteInbound(context.Background(), sub, []byte(`{not json`)), ErrMalformed)
	require.ErrorIs(t, h.RouteInbound(context.Background(), sub, []byte(`{"data":{}}`)), ErrMalformed)
	require.ErrorIs(t, h.RouteInbound(context.Background(), sub, []byte(`{"type":"nope"}`)), ErrUnknownCommand)
	require.EqualValues(t, 3, h.Stats().Malformed)

	// The subscription is still live after bad input.
	h.Publish(Event{Type: "still-here"})
	require.Equal(t, "still-here", (<-sub.Events()).Type)
	require.Equal(t, []string{"campaign.fail", "campaign.pause"}, h.Commands())
}
