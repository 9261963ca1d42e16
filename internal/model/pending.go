package model

import (
	"fmt"
	"time"
)

// SendState is the lifecycle of a PendingSend inside the dispatch pool.
//
//	Queued -> Dispatched -> Succeeded | Deferred | Failed
//	Deferred -> Queued
type SendState string

const (
	SendQueued     SendState = "queued"
	SendDispatched SendState = "dispatched"
	SendDeferred   SendState = "deferred"
	SendSucceeded  SendState = "succeeded"
	SendFailed     SendState = "failed"
)

var sendTransitions = map[SendState][]SendState{
	"":             {SendQueued, SendDeferred},
	SendQueued:     {SendDispatched},
	SendDispatched: {SendSucceeded, SendDeferred, SendFailed},
	SendDeferred:   {SendQueued},
}

// Terminal reports whether no further transitions are possible.
func (s SendState) Terminal() bool { return s == SendSucceeded || s == SendFailed }

// Origin identifies what produced a PendingSend.
type Origin struct {
	CampaignID string `json:"campaign_id,omitempty"`
	SequenceID string `json:"sequence_id,omitempty"`
	Step       int    `json:"step"`
}

// PendingSend is a unit of dispatch work. Attempt counts transient failures
// only; deferrals for pacing or flood cooldown do not consume attempts.
type PendingSend struct {
	ID                string    `json:"id"`
	LeadID            string    `json:"lead_id"`
	Content           string    `json:"content"`
	CandidateAccounts []string  `json:"candidate_accounts"`
	AccountID         string    `json:"account_id,omitempty"` // preferred account
	NotBefore         time.Time `json:"not_before"`
	Attempt           int       `json:"attempt"`
	Origin            Origin    `json:"origin"`
	State             SendState `json:"state"`
	LastError         string    `json:"last_error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Transition moves the send to next or returns ErrInvalidTransition.
func (p *PendingSend) Transition(next SendState) error {
	for _, allowed := range sendTransitions[p.State] {
		if allowed == next {
			p.State = next
			return nil
		}
	}
	return fmt.Errorf("pending send %s: %q -> %q: %w", p.ID, p.State, next, ErrInvalidTransition)
}

// Defer records a deferral until at and returns the send to the Deferred state.
func (p *PendingSend) Defer(at time.Time, reason string) error {
	if err := p.Transition(SendDeferred); err != nil {
		return err
	}
	p.NotBefore = at
	p.LastError = reason
	return nil
}

// WithoutAccount returns the candidate list minus id.
func (p *PendingSend) WithoutAccount(id string) []string {
	out := make([]string, 0, len(p.CandidateAccounts))
	for _, c := range p.CandidateAccounts {
		if c != id {
			out = append(out, c)
		}
	}
	return out
}
