// Package admin serves the operator commands that arrive over the event hub:
// campaign and sequence control, manual retries, lead reassignment and
// account disabling. Each command answers its issuer with a command_result.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"outreach/internal/eventbus"
	"outreach/internal/model"
	"outreach/internal/scheduler"
	"outreach/internal/storage"
	logx "outreach/pkg/logx"
)

const defaultTimeout = 30 * time.Second

// Orchestrator is the scheduler surface the commands drive.
type Orchestrator interface {
	ActivateCampaign(ctx context.Context, id string) (scheduler.Result, error)
	PauseCampaign(ctx context.Context, id string) error
	ResumeCampaign(ctx context.Context, id string) (int, error)
	CancelCampaign(ctx context.Context, id string) (int, error)
	ActivateSequence(ctx context.Context, sequenceID, leadID string) (scheduler.Result, error)
	CancelEnrollment(ctx context.Context, leadID, sequenceID string) (int, error)
}

type Retrier interface {
	Retry(ctx context.Context, messageID string) (*model.PendingSend, error)
}

type Accounts interface {
	Disable(ctx context.Context, accountID string) error
	Status(ctx context.Context, accountID string) (model.AccountStatus, error)
}

type Service struct {
	log      logx.Logger
	orch     Orchestrator
	sends    Retrier
	accounts Accounts
	store    storage.Store
	timeout  time.Duration

	seq  atomic.Uint64
	cmds []Command
}

func New(orch Orchestrator, sends Retrier, accounts Accounts, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:      log.With(logx.String("comp", "admin")),
		orch:     orch,
		sends:    sends,
		accounts: accounts,
		store:    store,
		timeout:  defaultTimeout,
	}
	s.cmds = s.registry()
	return s
}

// SetTimeout bounds commands registered afterwards; d <= 0 restores the
// default.
func (s *Service) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = defaultTimeout
	}
	s.timeout = d
}

// Commands returns the registry sorted by type.
func (s *Service) Commands() []Command {
	out := append([]Command(nil), s.cmds...)
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Register installs every command on the hub.
func (s *Service) Register(h *eventbus.Hub) {
	for _, c := range s.cmds {
		h.Handle(c.Type, s.handler(c))
	}
	s.log.Debug("admin commands registered", logx.Int("count", len(s.cmds)))
}

func (s *Service) handler(c Command) eventbus.Handler {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}
	h := Chain(c.Handle, MWPanicRecover(s.log), MWRequestLog(s.log), MWTimeout(timeout))
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		req := &Request{Type: c.Type, Data: data, ReqID: strconv.FormatUint(s.seq.Add(1), 10)}
		return h(ctx, req)
	}
}

type campaignArgs struct {
	CampaignID string `json:"campaign_id"`
}

type enrollArgs struct {
	SequenceID string `json:"sequence_id"`
	LeadID     string `json:"lead_id"`
}

type retryArgs struct {
	MessageID string `json:"message_id"`
}

type reassignArgs struct {
	LeadID    string `json:"lead_id"`
	AccountID string `json:"account_id"`
}

type accountArgs struct {
	AccountID string `json:"account_id"`
}

type CampaignStatus struct {
	CampaignID string `json:"campaign_id"`
	Status     string `json:"status"`
	// Sends is how many queued sends the command released or abandoned.
	Sends int `json:"sends"`
}

type CommandInfo struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Usage       string `json:"usage,omitempty"`
}

func (s *Service) registry() []Command {
	return []Command{
		{
			Type:        "campaign.activate",
			Description: "expand a campaign into sends",
			Usage:       `{"campaign_id":"c1"}`,
			Handle:      s.campaignActivate,
		},
		{
			Type:        "campaign.pause",
			Description: "stop a campaign and hold its queued sends",
			Usage:       `{"campaign_id":"c1"}`,
			Handle:      s.campaignPause,
		},
		{
			Type:        "campaign.resume",
			Description: "resume a paused campaign",
			Usage:       `{"campaign_id":"c1"}`,
			Handle:      s.campaignResume,
		},
		{
			Type:        "campaign.cancel",
			Description: "end a campaign and drop its queued sends",
			Usage:       `{"campaign_id":"c1"}`,
			Handle:      s.campaignCancel,
		},
		{
			Type:        "sequence.enroll",
			Description: "enroll a lead in a sequence",
			Usage:       `{"sequence_id":"s1","lead_id":"l1"}`,
			Handle:      s.sequenceEnroll,
		},
		{
			Type:        "sequence.cancel",
			Description: "stop a lead's sequence",
			Usage:       `{"sequence_id":"s1","lead_id":"l1"}`,
			Handle:      s.sequenceCancel,
		},
		{
			Type:        "send.retry",
			Description: "resubmit a failed outbound message",
			Usage:       `{"message_id":"m1"}`,
			Handle:      s.sendRetry,
		},
		{
			Type:        "lead.reassign",
			Description: "pin a lead to an account",
			Usage:       `{"lead_id":"l1","account_id":"a1"}`,
			Handle:      s.leadReassign,
		},
		{
			Type:        "account.disable",
			Description: "take an account out of rotation",
			Usage:       `{"account_id":"a1"}`,
			Handle:      s.accountDisable,
		},
		{
			Type:        "commands",
			Description: "list admin commands",
			Handle:      s.list,
		},
	}
}

func (s *Service) campaignArgs(req *Request) (string, error) {
	var a campaignArgs
	if err := decode(req.Data, &a); err != nil {
		return "", err
	}
	return a.CampaignID, required("campaign_id", a.CampaignID)
}

func (s *Service) campaignActivate(ctx context.Context, req *Request) (any, error) {
	id, err := s.campaignArgs(req)
	if err != nil {
		return nil, err
	}
	return s.orch.ActivateCampaign(ctx, id)
}

func (s *Service) campaignPause(ctx context.Context, req *Request) (any, error) {
	id, err := s.campaignArgs(req)
	if err != nil {
		return nil, err
	}
	if err := s.orch.PauseCampaign(ctx, id); err != nil {
		return nil, err
	}
	return CampaignStatus{CampaignID: id, Status: string(model.CampaignPaused)}, nil
}

func (s *Service) campaignResume(ctx context.Context, req *Request) (any, error) {
	id, err := s.campaignArgs(req)
	if err != nil {
		return nil, err
	}
	n, err := s.orch.ResumeCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	return CampaignStatus{CampaignID: id, Status: string(model.CampaignActive), Sends: n}, nil
}

func (s *Service) campaignCancel(ctx context.Context, req *Request) (any, error) {
	id, err := s.campaignArgs(req)
	if err != nil {
		return nil, err
	}
	n, err := s.orch.CancelCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	out := CampaignStatus{CampaignID: id, Sends: n}
	if c, err := s.store.GetCampaign(ctx, id); err == nil {
		out.Status = string(c.Status)
	}
	return out, nil
}

func (s *Service) enrollArgs(req *Request) (enrollArgs, error) {
	var a enrollArgs
	if err := decode(req.Data, &a); err != nil {
		return a, err
	}
	return a, required("sequence_id", a.SequenceID, "lead_id", a.LeadID)
}

func (s *Service) sequenceEnroll(ctx context.Context, req *Request) (any, error) {
	a, err := s.enrollArgs(req)
	if err != nil {
		return nil, err
	}
	return s.orch.ActivateSequence(ctx, a.SequenceID, a.LeadID)
}

func (s *Service) sequenceCancel(ctx context.Context, req *Request) (any, error) {
	a, err := s.enrollArgs(req)
	if err != nil {
		return nil, err
	}
	n, err := s.orch.CancelEnrollment(ctx, a.LeadID, a.SequenceID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sequence_id": a.SequenceID, "lead_id": a.LeadID, "abandoned": n}, nil
}

func (s *Service) sendRetry(ctx context.Context, req *Request) (any, error) {
	var a retryArgs
	if err := decode(req.Data, &a); err != nil {
		return nil, err
	}
	if err := required("message_id", a.MessageID); err != nil {
		return nil, err
	}
	ps, err := s.sends.Retry(ctx, a.MessageID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"message_id": a.MessageID, "send_id": ps.ID}, nil
}

// leadReassign pins the lead to an account. Future sends prefer it; sends
// already queued keep their assignment.
func (s *Service) leadReassign(ctx context.Context, req *Request) (any, error) {
	var a reassignArgs
	if err := decode(req.Data, &a); err != nil {
		return nil, err
	}
	if err := required("lead_id", a.LeadID, "account_id", a.AccountID); err != nil {
		return nil, err
	}
	st, err := s.accounts.Status(ctx, a.AccountID)
	if err != nil {
		return nil, err
	}
	if st == model.AccountBanned || st == model.AccountInactive {
		return nil, fmt.Errorf("account %s is %s: %w", a.AccountID, st, model.ErrNoEligibleAccounts)
	}
	lead, err := s.store.GetLead(ctx, a.LeadID)
	if err != nil {
		return nil, err
	}
	prev := lead.AccountID
	lead.AccountID = a.AccountID
	if err := s.store.UpsertLead(ctx, lead); err != nil {
		return nil, err
	}
	s.log.Info("lead reassigned", logx.String("lead", lead.ID), logx.String("from", prev), logx.String("to", a.AccountID))
	return map[string]string{"lead_id": lead.ID, "account_id": a.AccountID, "previous": prev}, nil
}

func (s *Service) accountDisable(ctx context.Context, req *Request) (any, error) {
	var a accountArgs
	if err := decode(req.Data, &a); err != nil {
		return nil, err
	}
	if err := required("account_id", a.AccountID); err != nil {
		return nil, err
	}
	if err := s.accounts.Disable(ctx, a.AccountID); err != nil {
		return nil, err
	}
	st, err := s.accounts.Status(ctx, a.AccountID)
	if err != nil {
		return nil, err
	}
	return map[string]string{"account_id": a.AccountID, "status": string(st)}, nil
}

func (s *Service) list(context.Context, *Request) (any, error) {
	cmds := s.Commands()
	out := make([]CommandInfo, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, CommandInfo{Type: c.Type, Description: c.Description, Usage: c.Usage})
	}
	return out, nil
}
