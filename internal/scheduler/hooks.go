package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"outreach/internal/dispatch"
	"outreach/internal/model"
	logx "outreach/pkg/logx"
)

var _ dispatch.Hooks = (*Service)(nil)

// Proceed is asked by a worker right before each send. It re-reads the
// enrollment or campaign so cancellation and pausing take effect on sends
// that were queued before the change.
func (s *Service) Proceed(ctx context.Context, ps *model.PendingSend) (dispatch.Decision, error) {
	now := s.now()
	if seqID := ps.Origin.SequenceID; seqID != "" {
		enr, err := s.store.GetEnrollment(ctx, ps.LeadID, seqID)
		if errors.Is(err, model.ErrNotFound) {
			return dispatch.Decision{Verdict: dispatch.Drop, Reason: "enrollment_missing"}, nil
		}
		if err != nil {
			return dispatch.Decision{}, err
		}
		if enr.Status != model.EnrollmentActive {
			return dispatch.Decision{Verdict: dispatch.Drop, Reason: "enrollment_" + string(enr.Status)}, nil
		}
		if enr.Step != ps.Origin.Step {
			return dispatch.Decision{Verdict: dispatch.Drop, Reason: "stale_step"}, nil
		}
		seq, err := s.store.GetSequence(ctx, seqID)
		if err != nil {
			return dispatch.Decision{}, err
		}
		if seq.Status == model.SequencePaused {
			return dispatch.Decision{Verdict: dispatch.Hold, Reason: "sequence_paused"}, nil
		}
	}

	if cid := ps.Origin.CampaignID; cid != "" {
		c, err := s.store.GetCampaign(ctx, cid)
		if errors.Is(err, model.ErrNotFound) {
			return dispatch.Decision{Verdict: dispatch.Drop, Reason: "campaign_missing"}, nil
		}
		if err != nil {
			return dispatch.Decision{}, err
		}
		switch c.Status {
		case model.CampaignActive:
		case model.CampaignPaused:
			return dispatch.Decision{Verdict: dispatch.Hold, Reason: "campaign_paused"}, nil
		default:
			return dispatch.Decision{Verdict: dispatch.Drop, Reason: "campaign_" + string(c.Status)}, nil
		}
		open, next, ended := sendWindow(c.Schedule, now, s.pacer.Location())
		if ended {
			return dispatch.Decision{Verdict: dispatch.Drop, Reason: "campaign_ended"}, nil
		}
		if !open {
			return dispatch.Decision{Verdict: dispatch.Hold, NotBefore: next, Reason: "outside_window"}, nil
		}
		return dispatch.Decision{Verdict: dispatch.Proceed, PerHour: c.Schedule.MessagesPerHour}, nil
	}
	return dispatch.Decision{Verdict: dispatch.Proceed}, nil
}

// OnSendSucceeded schedules the next sequence step.
func (s *Service) OnSendSucceeded(ctx context.Context, ps model.PendingSend, msg model.Message) {
	if ps.Origin.SequenceID == "" {
		return
	}
	sentAt := msg.CreatedAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	if err := s.advance(ctx, ps.LeadID, ps.Origin.SequenceID, ps.Origin.Step, sentAt, msg.AccountID); err != nil {
		s.log.Error("schedule next step failed", logx.String("sequence", ps.Origin.SequenceID), logx.String("lead", ps.LeadID), logx.Int("step", ps.Origin.Step), logx.Err(err))
	}
}

// OnSendFailed parks a sequence enrollment at the failed step. A manual
// retry of the failed message resumes it.
func (s *Service) OnSendFailed(ctx context.Context, ps model.PendingSend, reason error) {
	if ps.Origin.SequenceID == "" {
		return
	}
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	enr, err := s.store.GetEnrollment(ctx, ps.LeadID, ps.Origin.SequenceID)
	if err != nil || enr.Status != model.EnrollmentActive || enr.Step != ps.Origin.Step {
		return
	}
	enr.NextAt = time.Time{}
	enr.UpdatedAt = s.now()
	if err := s.store.UpsertEnrollment(ctx, enr); err != nil {
		s.log.Warn("park enrollment failed", logx.String("sequence", enr.SequenceID), logx.String("lead", enr.LeadID), logx.Err(err))
		return
	}
	s.log.Info("enrollment parked after failed step", logx.String("sequence", enr.SequenceID), logx.String("lead", enr.LeadID), logx.Int("step", enr.Step), logx.String("reason", model.Reason(reason)))
}

// OnSendDropped closes the enrollment of a lead that reached a terminal
// status mid-sequence.
func (s *Service) OnSendDropped(ctx context.Context, ps model.PendingSend, reason string) {
	if ps.Origin.SequenceID == "" || !strings.HasPrefix(reason, "lead_") {
		return
	}
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	enr, err := s.store.GetEnrollment(ctx, ps.LeadID, ps.Origin.SequenceID)
	if err != nil || enr.Status != model.EnrollmentActive {
		return
	}
	if err := s.closeEnrollmentLocked(ctx, enr, model.EnrollmentCancelled, reason); err != nil {
		s.log.Warn("close enrollment failed", logx.String("sequence", enr.SequenceID), logx.String("lead", enr.LeadID), logx.Err(err))
	}
}

// Accounts lists the accounts assigned to the send's campaign or sequence.
func (s *Service) Accounts(ctx context.Context, origin model.Origin) ([]string, error) {
	switch {
	case origin.CampaignID != "":
		c, err := s.store.GetCampaign(ctx, origin.CampaignID)
		if err != nil {
			return nil, err
		}
		return c.AccountIDs, nil
	case origin.SequenceID != "":
		seq, err := s.store.GetSequence(ctx, origin.SequenceID)
		if err != nil {
			return nil, err
		}
		return seq.AccountIDs, nil
	}
	return nil, nil
}
