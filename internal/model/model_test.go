package model

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCampaignTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to CampaignStatus
		ok       bool
	}{
		{CampaignDraft, CampaignActive, true},
		{CampaignDraft, CampaignPaused, false},
		{CampaignActive, CampaignPaused, true},
		{CampaignPaused, CampaignActive, true},
		{CampaignActive, CampaignCompleted, true},
		{CampaignPaused, CampaignFailed, true},
		{CampaignCompleted, CampaignActive, false},
		{CampaignFailed, CampaignActive, false},
		{CampaignActive, CampaignDraft, false},
		{CampaignActive, CampaignActive, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestCampaignActivationNeedsAccounts(t *testing.T) {
	c := &Campaign{ID: "c1", Status: CampaignDraft}
	err := c.Transition(CampaignActive)
	require.ErrorIs(t, err, ErrNoAssignedAccounts)
	require.Equal(t, CampaignDraft, c.Status)

	c.AccountIDs = []string{"a1"}
	require.NoError(t, c.Transition(CampaignActive))
	require.Equal(t, CampaignActive, c.Status)
}

func TestPendingSendStateMachine(t *testing.T) {
	p := &PendingSend{ID: "p1"}
	require.NoError(t, p.Transition(SendQueued))
	require.NoError(t, p.Transition(SendDispatched))
	require.NoError(t, p.Defer(time.Unix(100, 0), "pacing"))
	require.Equal(t, SendDeferred, p.State)
	require.Equal(t, int64(100), p.NotBefore.Unix())

	// Deferred sends must be re-queued before another dispatch.
	require.ErrorIs(t, p.Transition(SendDispatched), ErrInvalidTransition)
	require.NoError(t, p.Transition(SendQueued))
	require.NoError(t, p.Transition(SendDispatched))
	require.NoError(t, p.Transition(SendSucceeded))
	require.True(t, p.State.Terminal())
	require.ErrorIs(t, p.Transition(SendQueued), ErrInvalidTransition)
}

func TestFloodWaitError(t *testing.T) {
	base := errors.New("429")
	err := fmt.Errorf("send: %w", FloodWait(300*time.Second, base))
	require.ErrorIs(t, err, ErrFloodWait)
	require.ErrorIs(t, err, base)
	d, ok := AsFloodWait(err)
	require.True(t, ok)
	require.Equal(t, 300*time.Second, d)
	require.Equal(t, "flood_wait", Reason(err))
}

func TestTransientWrapsOnce(t *testing.T) {
	err := Transient(errors.New("timeout"))
	require.ErrorIs(t, err, ErrTransient)
	require.Same(t, err, Transient(err))
	require.Nil(t, Transient(nil))
}

func TestAccountSendable(t *testing.T) {
	now := time.Now()
	require.True(t, Account{Status: AccountActive}.Sendable(now))
	require.False(t, Account{Status: AccountBanned}.Sendable(now))
	require.False(t, Account{Status: AccountFloodLimited, FloodUntil: now.Add(time.Minute)}.Sendable(now))
	require.True(t, Account{Status: AccountFloodLimited, FloodUntil: now}.Sendable(now))
}

func TestLeadVars(t *testing.T) {
	l := Lead{TgUserID: 42, FirstName: "Ana", Fields: map[string]string{"company": "Acme", "first_name": "Anna"}}
	v := l.Vars()
	require.Equal(t, "42", v["tg_user_id"])
	require.Equal(t, "Acme", v["company"])
	require.Equal(t, "Anna", v["first_name"])
	_, ok := v["username"]
	require.False(t, ok)
}
