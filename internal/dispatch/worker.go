package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"outreach/internal/eventbus"
	"outreach/internal/metrics"
	"outreach/internal/model"
	"outreach/internal/session"
	logx "outreach/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, q <-chan *model.PendingSend, idx int) {
	// Per-worker RNG: avoids global lock contention when many sends retry at once.
	seed := time.Now().UnixNano() ^ (int64(idx) << 32)
	rng := rand.New(rand.NewSource(seed))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case ps, ok := <-q:
			if !ok {
				return
			}
			s.updateDepth()
			s.inFlight.Add(1)
			metrics.InFlight.Inc()
			s.execOne(ctx, ps, rng)
			metrics.InFlight.Dec()
			s.inFlight.Add(-1)
		}
	}
}

// execOne drives one PendingSend from Queued to Succeeded, Deferred or Failed.
func (s *Service) execOne(ctx context.Context, ps *model.PendingSend, rng *rand.Rand) {
	start := s.now()
	cfg := s.config()
	item := HistoryItem{ID: ps.ID, LeadID: ps.LeadID, Started: start}
	defer func() {
		item.State = string(ps.State)
		item.Attempt = ps.Attempt
		item.Duration = s.now().Sub(start)
		if ps.State != model.SendSucceeded {
			item.Error = ps.LastError
		}
		s.record(item)
	}()

	if err := ps.Transition(model.SendDispatched); err != nil {
		s.log.Error("send in bad state", logx.String("send", ps.ID), logx.Err(err))
		s.forget(ps)
		return
	}

	// Guard against panics in hooks or transports: one bad send must not
	// kill a worker or leak its lead token.
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("send panic", logx.String("send", ps.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			if ps.State == model.SendDispatched {
				s.fail(ctx, ps, item.AccountID, fmt.Errorf("panic: %v", r))
			}
		}
	}()

	release := s.leads.tryAcquire(ps.LeadID)
	if release == nil {
		s.deferTo(ps, start.Add(cfg.LeadBusyDelay), "lead_busy")
		return
	}
	defer release()

	lead, err := s.store.GetLead(ctx, ps.LeadID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			s.fail(ctx, ps, "", err)
			return
		}
		s.retryOrFail(ctx, ps, "", model.Transient(err), cfg, rng)
		return
	}
	if model.IsTerminalLeadStatus(lead.Status) {
		s.drop(ctx, ps, "lead_"+lead.Status)
		return
	}

	d, err := s.hooks().Proceed(ctx, ps)
	if err != nil {
		s.retryOrFail(ctx, ps, "", model.Transient(err), cfg, rng)
		return
	}
	switch d.Verdict {
	case Drop:
		s.drop(ctx, ps, d.Reason)
		return
	case Hold:
		at := d.NotBefore
		if !at.After(start) {
			at = start.Add(cfg.HoldDelay)
		}
		s.deferTo(ps, at, d.Reason)
		return
	}

	p := s.pick(ctx, ps, start)
	if p.handle == nil {
		switch {
		case p.usable == 0 && p.banned > 0:
			s.fail(ctx, ps, "", fmt.Errorf("all candidate accounts banned: %w", model.ErrAccountBanned))
		case p.usable == 0:
			s.fail(ctx, ps, "", model.ErrNoEligibleAccounts)
		default:
			at := p.next
			if p.busy && (at.IsZero() || at.After(start.Add(cfg.UnavailableDelay))) {
				at = start.Add(cfg.UnavailableDelay)
			}
			if at.IsZero() {
				at = start.Add(cfg.UnavailableDelay)
			}
			metrics.SendTotal.WithLabelValues("deferred").Inc()
			s.deferTo(ps, at, "no_eligible_account")
		}
		return
	}

	accID := p.handle.AccountID()
	if ok, at := s.pacer.AllowCampaign(ps.Origin.CampaignID, d.PerHour, start); !ok {
		s.sessions.Release(p.handle)
		s.pacer.Release(accID)
		s.deferTo(ps, at, "hourly_cap")
		return
	}
	item.AccountID = accID
	res, err := s.sessions.Send(ctx, p.handle, lead, ps.Content)
	s.sessions.Release(p.handle)
	if err == nil {
		s.circuits.record(s.now(), accID, effectiveCircuitCfg(cfg), false)
		s.succeed(ctx, ps, lead, accID, res)
		return
	}
	s.pacer.Release(accID)
	now := s.now()

	switch {
	case errors.Is(err, model.ErrFloodWait):
		wait, _ := model.AsFloodWait(err)
		s.pacer.SetFloodUntil(accID, now.Add(wait))
		metrics.SendTotal.WithLabelValues("flood_wait").Inc()
		s.log.Warn("flood wait", logx.String("account", accID), logx.Duration("wait", wait), logx.String("send", ps.ID))
		s.deferTo(ps, s.earliest(ctx, ps, now), "flood_wait")

	case errors.Is(err, model.ErrAccountBanned):
		metrics.SendTotal.WithLabelValues("banned").Inc()
		ps.CandidateAccounts = ps.WithoutAccount(accID)
		if ps.AccountID == accID {
			ps.AccountID = ""
		}
		if len(ps.CandidateAccounts) == 0 {
			s.fail(ctx, ps, accID, err)
			return
		}
		s.log.Warn("account banned, reassigning send", logx.String("account", accID), logx.String("send", ps.ID), logx.Int("remaining", len(ps.CandidateAccounts)))
		s.deferTo(ps, now, "account_banned")

	case errors.Is(err, model.ErrPeerBlocked):
		metrics.SendTotal.WithLabelValues("peer_blocked").Inc()
		lead.Status = model.LeadBlocked
		if uerr := s.store.UpsertLead(ctx, lead); uerr != nil {
			s.log.Warn("mark lead blocked failed", logx.String("lead", lead.ID), logx.Err(uerr))
		}
		s.fail(ctx, ps, accID, err)

	case errors.Is(err, model.ErrUnavailable):
		s.deferTo(ps, now.Add(cfg.UnavailableDelay), "account_unavailable")

	case errors.Is(err, model.ErrTransient):
		metrics.SendTotal.WithLabelValues("transient").Inc()
		s.circuits.record(now, accID, effectiveCircuitCfg(cfg), true)
		s.retryOrFail(ctx, ps, accID, err, cfg, rng)

	default:
		s.fail(ctx, ps, accID, err)
	}
}

type picked struct {
	handle *session.Handle
	next   time.Time
	usable int
	banned int
	busy   bool
}

// candidates returns ps's accounts with the preferred one first.
func candidates(ps *model.PendingSend) []string {
	out := make([]string, 0, len(ps.CandidateAccounts))
	if ps.AccountID != "" {
		for _, id := range ps.CandidateAccounts {
			if id == ps.AccountID {
				out = append(out, id)
				break
			}
		}
	}
	for _, id := range ps.CandidateAccounts {
		if id != ps.AccountID || len(out) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// pick reserves pacing and acquires the session for the first eligible
// candidate. Banned candidates are removed from ps along the way.
func (s *Service) pick(ctx context.Context, ps *model.PendingSend, now time.Time) picked {
	cc := effectiveCircuitCfg(s.config())
	var p picked
	var banned []string
	minNext := func(t time.Time) {
		if !t.IsZero() && (p.next.IsZero() || t.Before(p.next)) {
			p.next = t
		}
	}
	for _, id := range candidates(ps) {
		st, err := s.sessions.Status(ctx, id)
		if err != nil {
			s.log.Debug("candidate status unavailable", logx.String("account", id), logx.Err(err))
			continue
		}
		switch st {
		case model.AccountBanned:
			p.banned++
			banned = append(banned, id)
			continue
		case model.AccountInactive:
			continue
		}
		p.usable++
		if open, until := s.circuits.isOpen(now, id, cc); open {
			minNext(until)
			continue
		}
		ok, at := s.pacer.Reserve(id, now)
		if !ok {
			minNext(at)
			continue
		}
		h, err := s.sessions.Acquire(ctx, id)
		if err != nil {
			s.pacer.Release(id)
			p.busy = true
			continue
		}
		p.handle = h
		break
	}
	for _, id := range banned {
		ps.CandidateAccounts = ps.WithoutAccount(id)
		if ps.AccountID == id {
			ps.AccountID = ""
		}
	}
	return p
}

// earliest is the soonest any sendable candidate may send again.
func (s *Service) earliest(ctx context.Context, ps *model.PendingSend, now time.Time) time.Time {
	var best time.Time
	for _, id := range ps.CandidateAccounts {
		st, err := s.sessions.Status(ctx, id)
		if err != nil || st == model.AccountBanned || st == model.AccountInactive {
			continue
		}
		t := s.pacer.NextEligibleTime(id)
		if t.Before(now) {
			t = now
		}
		if best.IsZero() || t.Before(best) {
			best = t
		}
	}
	if best.IsZero() {
		best = now.Add(s.config().UnavailableDelay)
	}
	return best
}

func (s *Service) succeed(ctx context.Context, ps *model.PendingSend, lead model.Lead, accID string, res session.SendResult) {
	at := s.now()
	msg := model.Message{
		ID:         uuid.NewString(),
		LeadID:     lead.ID,
		AccountID:  accID,
		CampaignID: ps.Origin.CampaignID,
		SequenceID: ps.Origin.SequenceID,
		Step:       ps.Origin.Step,
		Direction:  model.Outbound,
		Content:    ps.Content,
		Delivery:   model.DeliverySent,
		ExternalID: res.ExternalID,
		CreatedAt:  at,
	}
	if err := s.store.RecordOutbound(ctx, msg, s.pacer.Today()); err != nil {
		// The message is already out; resending would duplicate it.
		s.log.Error("persist sent message failed", logx.String("send", ps.ID), logx.String("lead", lead.ID), logx.String("account", accID), logx.Err(err))
	}
	if err := s.pacer.RecordSend(accID, at); err != nil {
		s.log.Warn("pacing record failed", logx.String("account", accID), logx.Err(err))
	}
	metrics.AccountRemaining.WithLabelValues(accID).Set(float64(s.pacer.Remaining(accID)))

	ps.AccountID = accID
	ps.LastError = ""
	if err := ps.Transition(model.SendSucceeded); err != nil {
		s.log.Error("send state", logx.String("send", ps.ID), logx.Err(err))
	}
	metrics.SendTotal.WithLabelValues("sent").Inc()

	s.pub.Publish(eventbus.Event{
		Type: eventbus.TypeSendSucceeded,
		Time: at,
		Data: eventbus.SendSucceeded{LeadID: lead.ID, AccountID: accID, MessageID: msg.ID},
	})
	s.log.Debug("send succeeded", logx.String("send", ps.ID), logx.String("lead", lead.ID), logx.String("account", accID))
	s.hooks().OnSendSucceeded(ctx, *ps, msg)
	s.forget(ps)
	s.succeeded.Add(1)
}

func (s *Service) fail(ctx context.Context, ps *model.PendingSend, accID string, cause error) {
	ps.LastError = cause.Error()
	if err := ps.Transition(model.SendFailed); err != nil {
		s.log.Error("send state", logx.String("send", ps.ID), logx.Err(err))
	}
	metrics.SendTotal.WithLabelValues("failed").Inc()

	msg := model.Message{
		ID:         uuid.NewString(),
		LeadID:     ps.LeadID,
		AccountID:  accID,
		CampaignID: ps.Origin.CampaignID,
		SequenceID: ps.Origin.SequenceID,
		Step:       ps.Origin.Step,
		Direction:  model.Outbound,
		Content:    ps.Content,
		Delivery:   model.DeliveryFailed,
		Error:      ps.LastError,
		CreatedAt:  s.now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		s.log.Error("persist failed message failed", logx.String("send", ps.ID), logx.Err(err))
		msg.ID = ""
	}
	reason := model.Reason(cause)
	s.pub.Publish(eventbus.Event{
		Type: eventbus.TypeSendFailed,
		Time: msg.CreatedAt,
		Data: eventbus.SendFailed{LeadID: ps.LeadID, AccountID: accID, Reason: reason, MessageID: msg.ID},
	})
	s.log.Warn("send failed", logx.String("send", ps.ID), logx.String("lead", ps.LeadID), logx.String("account", accID), logx.String("reason", reason), logx.Err(cause))
	s.hooks().OnSendFailed(ctx, *ps, cause)
	s.forget(ps)
	s.failed.Add(1)
}

// drop abandons ps without reporting a failure.
func (s *Service) drop(ctx context.Context, ps *model.PendingSend, reason string) {
	ps.LastError = reason
	_ = ps.Transition(model.SendFailed)
	s.log.Debug("send dropped", logx.String("send", ps.ID), logx.String("lead", ps.LeadID), logx.String("reason", reason))
	s.hooks().OnSendDropped(ctx, *ps, reason)
	s.forget(ps)
	s.dropped.Add(1)
}

func (s *Service) deferTo(ps *model.PendingSend, at time.Time, reason string) {
	if err := ps.Defer(at, reason); err != nil {
		s.log.Error("defer send", logx.String("send", ps.ID), logx.Err(err))
		s.forget(ps)
		return
	}
	s.deferrals.Add(1)
	s.deferred.Push(ps)
	s.updateDepth()
}

func (s *Service) retryOrFail(ctx context.Context, ps *model.PendingSend, accID string, err error, cfg Config, rng *rand.Rand) {
	ps.Attempt++
	if ps.Attempt > cfg.RetryMax {
		s.fail(ctx, ps, accID, err)
		return
	}
	delay := backoffDelay(cfg, ps.Attempt, rng)
	s.retried.Add(1)
	metrics.RetryTotal.Inc()
	s.log.Debug("send retry scheduled", logx.String("send", ps.ID), logx.Int("attempt", ps.Attempt), logx.Duration("delay", delay), logx.Err(err))
	s.deferTo(ps, s.now().Add(delay), "transient")
}

// backoffDelay is RetryBase*2^attempt capped at RetryMaxDelay, spread by
// RetryJitter.
func backoffDelay(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = 2 * time.Second
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 5 * time.Minute
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if j := cfg.RetryJitter; j > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
