package scheduler

import (
	"context"
	"fmt"
	"slices"
	"time"

	"outreach/internal/eventbus"
	"outreach/internal/metrics"
	"outreach/internal/model"
	"outreach/internal/template"
	logx "outreach/pkg/logx"
)

// ActivateCampaign expands a campaign into PendingSends: one per matching
// lead not yet messaged by it, each pre-assigned to an account by weighted
// round robin over remaining daily quota. Calling it on an active campaign
// re-expands only what is still missing.
func (s *Service) ActivateCampaign(ctx context.Context, id string) (Result, error) {
	s.actMu.Lock()
	defer s.actMu.Unlock()
	return s.activateCampaign(ctx, id)
}

func (s *Service) activateCampaign(ctx context.Context, id string) (Result, error) {
	res := Result{CampaignID: id}
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return res, err
	}
	if len(c.AccountIDs) == 0 {
		return res, fmt.Errorf("campaign %s: %w", id, model.ErrNoAssignedAccounts)
	}
	prev := c.Status
	if c.Status != model.CampaignActive {
		if err := c.Transition(model.CampaignActive); err != nil {
			return res, err
		}
	}
	now := s.now()
	open, next, ended := sendWindow(c.Schedule, now, s.pacer.Location())
	if ended {
		c.Status = prev
		if prev == model.CampaignDraft {
			return res, fmt.Errorf("campaign %s: end time passed: %w", id, model.ErrInvalidTransition)
		}
		s.endCampaign(ctx, &c, "ended")
		return res, nil
	}
	notBefore := now
	if !open {
		notBefore = next
	}

	tpl, err := s.store.GetTemplate(ctx, c.TemplateID)
	if err != nil {
		return res, fmt.Errorf("campaign %s: %w", id, err)
	}

	eligible, banned := s.accountPool(ctx, c.AccountIDs)
	res.Eligible, res.Banned = len(eligible), banned
	if failed, err := s.failOnBans(ctx, &c, banned); failed {
		if err != nil {
			return res, err
		}
		return res, fmt.Errorf("campaign %s: %d of %d accounts banned: %w", id, banned, len(c.AccountIDs), model.ErrNoEligibleAccounts)
	}

	idx := s.liveIndex(id)
	asg := newAssigner(eligible, func(acc string) int { return s.pacer.Remaining(acc) - idx.perAccount[acc] })

	leads, err := s.store.FindLeads(ctx, c.Filter)
	if err != nil {
		return res, err
	}
	run := s.ensureRun(id, now)

	type pending struct {
		lead    model.Lead
		content string
	}
	var todo []pending
	for _, lead := range leads {
		if model.IsTerminalLeadStatus(lead.Status) || idx.leads[lead.ID] {
			res.Excluded++
			continue
		}
		sent, err := s.store.HasCampaignMessage(ctx, id, lead.ID)
		if err != nil {
			return res, err
		}
		if sent {
			res.Excluded++
			continue
		}
		content, err := template.ForLead(tpl, lead)
		if err != nil {
			res.Skipped++
			s.reportSkipped(run, model.Origin{CampaignID: id}, lead.ID, err)
			continue
		}
		todo = append(todo, pending{lead: lead, content: content})
	}

	if len(todo) > 0 && asg.remaining() == 0 {
		res.Unassigned = len(todo)
		return res, s.noEligible(ctx, &c, prev, now, res.Unassigned)
	}

	if prev != c.Status {
		// Workers read the stored status before sending.
		c.UpdatedAt = now
		if err := s.store.UpsertCampaign(ctx, c); err != nil {
			return res, err
		}
	}
	for _, p := range todo {
		acc := asg.next(p.lead.AccountID)
		if acc == "" {
			res.Unassigned++
			continue
		}
		ps := &model.PendingSend{
			LeadID:            p.lead.ID,
			Content:           p.content,
			CandidateAccounts: slices.Clone(eligible),
			AccountID:         acc,
			NotBefore:         notBefore,
			Origin:            model.Origin{CampaignID: id},
		}
		if err := s.dispatch.Submit(ps); err != nil {
			s.log.Error("submit send failed", logx.String("campaign", id), logx.String("lead", p.lead.ID), logx.Err(err))
			res.Unassigned++
			continue
		}
		res.Queued++
	}

	c.FailedSince = time.Time{}
	c.UpdatedAt = now
	if err := s.store.UpsertCampaign(ctx, c); err != nil {
		return res, err
	}
	if prev != c.Status {
		s.publishStatus(c)
	}
	s.mu.Lock()
	run.unassigned = res.Unassigned
	run.retryAt = now.Add(reexpandEvery)
	s.mu.Unlock()

	s.log.Info("campaign expanded",
		logx.String("campaign", id),
		logx.Int("queued", res.Queued),
		logx.Int("excluded", res.Excluded),
		logx.Int("skipped", res.Skipped),
		logx.Int("unassigned", res.Unassigned),
		logx.Int("accounts", res.Eligible),
	)
	return res, nil
}

// noEligible records a NoEligibleAccounts streak. The campaign stays active
// and is retried on tick until the streak outlasts the scheduling window.
func (s *Service) noEligible(ctx context.Context, c *model.Campaign, prev model.CampaignStatus, now time.Time, unassigned int) error {
	if c.FailedSince.IsZero() {
		c.FailedSince = now
	}
	window := s.config().SchedulingWindow
	s.mu.Lock()
	if r := s.runs[c.ID]; r != nil {
		r.unassigned = unassigned
		r.retryAt = now.Add(reexpandEvery)
	}
	s.mu.Unlock()

	if now.Sub(c.FailedSince) >= window {
		s.log.Warn("campaign failed: no eligible accounts", logx.String("campaign", c.ID), logx.Time("since", c.FailedSince))
		if err := s.setCampaignStatus(ctx, c, model.CampaignFailed); err != nil {
			return err
		}
	} else {
		c.UpdatedAt = now
		if err := s.store.UpsertCampaign(ctx, *c); err != nil {
			return err
		}
		if prev != c.Status {
			s.publishStatus(*c)
		}
	}
	return fmt.Errorf("campaign %s: %w", c.ID, model.ErrNoEligibleAccounts)
}

// failOnBans fails c once banned reaches the ban threshold and abandons its
// queued sends. It reports whether the threshold was reached.
func (s *Service) failOnBans(ctx context.Context, c *model.Campaign, banned int) (bool, error) {
	if !s.banLimitReached(banned, len(c.AccountIDs)) {
		return false, nil
	}
	s.log.Warn("campaign ban threshold reached", logx.String("campaign", c.ID), logx.Int("banned", banned), logx.Int("assigned", len(c.AccountIDs)))
	if err := s.setCampaignStatus(ctx, c, model.CampaignFailed); err != nil {
		return true, err
	}
	id := c.ID
	s.dispatch.Cancel(func(ps *model.PendingSend) bool { return ps.Origin.CampaignID == id })
	return true, nil
}

func (s *Service) banLimitReached(banned, assigned int) bool {
	if banned == 0 {
		return false
	}
	threshold := s.config().BanThreshold
	if threshold <= 0 || threshold > assigned {
		threshold = assigned
	}
	return banned >= threshold
}

// PauseCampaign stops generation. Sends already queued are held by the
// Proceed check; sends on a worker finish.
func (s *Service) PauseCampaign(ctx context.Context, id string) error {
	s.actMu.Lock()
	defer s.actMu.Unlock()
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	return s.setCampaignStatus(ctx, &c, model.CampaignPaused)
}

// ResumeCampaign reactivates a paused campaign and makes its held sends due
// immediately. It returns how many held sends were released.
func (s *Service) ResumeCampaign(ctx context.Context, id string) (int, error) {
	s.actMu.Lock()
	defer s.actMu.Unlock()
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Status != model.CampaignPaused {
		return 0, fmt.Errorf("campaign %s is %s: %w", id, c.Status, model.ErrInvalidTransition)
	}
	if err := s.setCampaignStatus(ctx, &c, model.CampaignActive); err != nil {
		return 0, err
	}
	n := s.dispatch.Expedite(func(ps *model.PendingSend) bool { return ps.Origin.CampaignID == id })
	s.mu.Lock()
	if r := s.runs[id]; r != nil {
		r.retryAt = time.Time{}
	}
	s.mu.Unlock()
	return n, nil
}

// CancelCampaign ends a campaign early and abandons its deferred sends. A
// draft is marked failed, anything else completed.
func (s *Service) CancelCampaign(ctx context.Context, id string) (int, error) {
	s.actMu.Lock()
	defer s.actMu.Unlock()
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		return 0, err
	}
	to := model.CampaignCompleted
	if c.Status == model.CampaignDraft {
		to = model.CampaignFailed
	}
	if err := s.setCampaignStatus(ctx, &c, to); err != nil {
		return 0, err
	}
	n := s.dispatch.Cancel(func(ps *model.PendingSend) bool { return ps.Origin.CampaignID == id })
	s.log.Info("campaign cancelled", logx.String("campaign", id), logx.Int("abandoned", n))
	return n, nil
}

// endCampaign completes a campaign whose end time passed.
func (s *Service) endCampaign(ctx context.Context, c *model.Campaign, reason string) {
	if err := s.setCampaignStatus(ctx, c, model.CampaignCompleted); err != nil {
		s.log.Warn("end campaign failed", logx.String("campaign", c.ID), logx.Err(err))
		return
	}
	n := s.dispatch.Cancel(func(ps *model.PendingSend) bool { return ps.Origin.CampaignID == c.ID })
	s.log.Info("campaign ended", logx.String("campaign", c.ID), logx.String("reason", reason), logx.Int("abandoned", n))
}

func (s *Service) setCampaignStatus(ctx context.Context, c *model.Campaign, to model.CampaignStatus) error {
	if err := c.Transition(to); err != nil {
		return err
	}
	if to == model.CampaignActive {
		c.FailedSince = time.Time{}
	}
	c.UpdatedAt = s.now()
	if err := s.store.UpsertCampaign(ctx, *c); err != nil {
		return err
	}
	if to == model.CampaignCompleted || to == model.CampaignFailed {
		s.mu.Lock()
		delete(s.runs, c.ID)
		s.mu.Unlock()
		metrics.CampaignRemaining.DeleteLabelValues(c.ID)
	}
	s.publishStatus(*c)
	s.log.Info("campaign status changed", logx.String("campaign", c.ID), logx.String("status", string(to)))
	return nil
}

func (s *Service) publishStatus(c model.Campaign) {
	s.pub.Publish(eventbus.Event{
		Type: eventbus.TypeCampaignStatusChanged,
		Time: s.now(),
		Data: eventbus.CampaignStatusChanged{CampaignID: c.ID, Status: string(c.Status)},
	})
}

func (s *Service) ensureRun(id string, now time.Time) *campaignRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[id]
	if r == nil {
		r = &campaignRun{activated: now, reported: map[string]bool{}}
		s.runs[id] = r
	}
	return r
}

// reportSkipped publishes send_failed for a lead that was never queued,
// once per lead and run.
func (s *Service) reportSkipped(run *campaignRun, origin model.Origin, leadID string, err error) {
	if run != nil {
		s.mu.Lock()
		seen := run.reported[leadID]
		run.reported[leadID] = true
		s.mu.Unlock()
		if seen {
			return
		}
	}
	s.log.Warn("template resolution failed, lead skipped",
		logx.String("campaign", origin.CampaignID),
		logx.String("sequence", origin.SequenceID),
		logx.String("lead", leadID),
		logx.Err(err),
	)
	s.pub.Publish(eventbus.Event{
		Type: eventbus.TypeSendFailed,
		Time: s.now(),
		Data: eventbus.SendFailed{LeadID: leadID, Reason: model.Reason(err)},
	})
}

type liveIndex struct {
	leads      map[string]bool
	perAccount map[string]int
}

// liveIndex collects, in one pass over dispatch's live sends, the leads
// campaignID already has in flight and the outstanding sends per preferred
// account.
func (s *Service) liveIndex(campaignID string) liveIndex {
	idx := liveIndex{leads: map[string]bool{}, perAccount: map[string]int{}}
	s.dispatch.Live(func(ps model.PendingSend) bool {
		if ps.Origin.CampaignID == campaignID {
			idx.leads[ps.LeadID] = true
		}
		if ps.AccountID != "" {
			idx.perAccount[ps.AccountID]++
		}
		return false
	})
	return idx
}

// accountPool returns the assigned accounts that may take work, refreshing
// pacing from the stored account, and how many are banned.
func (s *Service) accountPool(ctx context.Context, ids []string) (eligible []string, banned int) {
	for _, id := range ids {
		if acc, err := s.store.GetAccount(ctx, id); err == nil {
			s.pacer.Track(acc)
		}
		st, err := s.accounts.Status(ctx, id)
		if err != nil {
			s.log.Debug("assigned account unknown", logx.String("account", id), logx.Err(err))
			continue
		}
		switch st {
		case model.AccountBanned:
			banned++
		case model.AccountInactive:
		default:
			eligible = append(eligible, id)
		}
	}
	return eligible, banned
}
