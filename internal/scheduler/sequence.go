package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"outreach/internal/model"
	"outreach/internal/template"
	logx "outreach/pkg/logx"
)

// ActivateSequence enrolls a lead at step 0 and schedules the first step at
// now + steps[0].Wait. A lead holds at most one active enrollment.
func (s *Service) ActivateSequence(ctx context.Context, sequenceID, leadID string) (Result, error) {
	res := Result{SequenceID: sequenceID, LeadID: leadID}
	seq, err := s.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return res, err
	}
	if seq.Status == model.SequencePaused {
		return res, fmt.Errorf("sequence %s is paused: %w", sequenceID, model.ErrInvalidTransition)
	}
	if len(seq.Steps) == 0 {
		return res, fmt.Errorf("sequence %s: %w", sequenceID, ErrNoSteps)
	}
	if len(seq.AccountIDs) == 0 {
		return res, fmt.Errorf("sequence %s: %w", sequenceID, model.ErrNoAssignedAccounts)
	}
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return res, err
	}
	if model.IsTerminalLeadStatus(lead.Status) {
		return res, fmt.Errorf("lead %s is %s: %w", leadID, lead.Status, ErrLeadClosed)
	}

	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	if cur, ok, err := s.store.ActiveEnrollment(ctx, leadID); err != nil {
		return res, err
	} else if ok {
		return res, fmt.Errorf("lead %s in sequence %s: %w", leadID, cur.SequenceID, model.ErrAlreadyEnrolled)
	}

	eligible, banned := s.accountPool(ctx, seq.AccountIDs)
	res.Eligible, res.Banned = len(eligible), banned
	if len(eligible) == 0 {
		return res, fmt.Errorf("sequence %s: %w", sequenceID, model.ErrNoEligibleAccounts)
	}
	now := s.now()
	enr := model.Enrollment{
		LeadID:     leadID,
		SequenceID: sequenceID,
		Step:       0,
		Status:     model.EnrollmentActive,
		NextAt:     now.Add(seq.Steps[0].Wait),
		AccountID:  s.preferredAccount(eligible, lead.AccountID),
		UpdatedAt:  now,
	}
	ps, err := s.stepSend(ctx, seq, lead, enr, eligible)
	if err != nil {
		if errors.Is(err, model.ErrTemplateResolution) {
			res.Skipped = 1
			s.reportSkipped(nil, model.Origin{SequenceID: sequenceID}, leadID, err)
		}
		return res, err
	}
	if err := s.store.UpsertEnrollment(ctx, enr); err != nil {
		return res, err
	}
	if err := s.dispatch.Submit(ps); err != nil {
		return res, err
	}
	res.Queued = 1
	s.log.Info("lead enrolled", logx.String("sequence", sequenceID), logx.String("lead", leadID), logx.String("account", enr.AccountID), logx.Time("first_at", enr.NextAt))
	return res, nil
}

// CancelEnrollment stops a lead's sequence and abandons its deferred step.
func (s *Service) CancelEnrollment(ctx context.Context, leadID, sequenceID string) (int, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	enr, err := s.store.GetEnrollment(ctx, leadID, sequenceID)
	if err != nil {
		return 0, err
	}
	if enr.Status != model.EnrollmentActive {
		return 0, fmt.Errorf("enrollment %s/%s is %s: %w", leadID, sequenceID, enr.Status, model.ErrInvalidTransition)
	}
	if err := s.closeEnrollmentLocked(ctx, enr, model.EnrollmentCancelled, "cancelled"); err != nil {
		return 0, err
	}
	return s.dispatch.Cancel(func(ps *model.PendingSend) bool {
		return ps.LeadID == leadID && ps.Origin.SequenceID == sequenceID
	}), nil
}

// advance moves an enrollment past the step that was just sent and
// schedules the next one at sentAt + wait.
func (s *Service) advance(ctx context.Context, leadID, sequenceID string, step int, sentAt time.Time, accountID string) error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	enr, err := s.store.GetEnrollment(ctx, leadID, sequenceID)
	if err != nil {
		return err
	}
	if enr.Status != model.EnrollmentActive || enr.Step != step {
		return nil
	}
	seq, err := s.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}
	next := step + 1
	if next >= len(seq.Steps) {
		return s.closeEnrollmentLocked(ctx, enr, model.EnrollmentCompleted, "last step sent")
	}
	lead, err := s.store.GetLead(ctx, leadID)
	if err != nil {
		return err
	}
	if model.IsTerminalLeadStatus(lead.Status) {
		return s.closeEnrollmentLocked(ctx, enr, model.EnrollmentCancelled, "lead_"+lead.Status)
	}

	enr.Step = next
	enr.NextAt = sentAt.Add(seq.Steps[next].Wait)
	if accountID != "" {
		enr.AccountID = accountID
	}
	enr.UpdatedAt = s.now()
	eligible, _ := s.accountPool(ctx, seq.AccountIDs)
	ps, err := s.stepSend(ctx, seq, lead, enr, eligible)
	if err != nil {
		if errors.Is(err, model.ErrTemplateResolution) || errors.Is(err, model.ErrNoEligibleAccounts) {
			s.reportSkipped(nil, model.Origin{SequenceID: sequenceID, Step: next}, leadID, err)
			return s.closeEnrollmentLocked(ctx, enr, model.EnrollmentCancelled, model.Reason(err))
		}
		return err
	}
	if err := s.store.UpsertEnrollment(ctx, enr); err != nil {
		return err
	}
	return s.dispatch.Submit(ps)
}

// stepSend builds the PendingSend for the enrollment's current step.
func (s *Service) stepSend(ctx context.Context, seq model.Sequence, lead model.Lead, enr model.Enrollment, eligible []string) (*model.PendingSend, error) {
	if len(eligible) == 0 {
		return nil, fmt.Errorf("sequence %s: %w", seq.ID, model.ErrNoEligibleAccounts)
	}
	step := seq.Steps[enr.Step]
	tpl, err := s.store.GetTemplate(ctx, step.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("sequence %s step %d: %w", seq.ID, enr.Step, err)
	}
	content, err := template.ForLead(tpl, lead)
	if err != nil {
		return nil, err
	}
	return &model.PendingSend{
		LeadID:            lead.ID,
		Content:           content,
		CandidateAccounts: slices.Clone(eligible),
		AccountID:         enr.AccountID,
		NotBefore:         enr.NextAt,
		Origin:            model.Origin{SequenceID: seq.ID, Step: enr.Step},
	}, nil
}

// preferredAccount keeps a lead on its pinned account when possible, else
// picks the eligible account with the most quota left.
func (s *Service) preferredAccount(eligible []string, pinned string) string {
	if pinned != "" && slices.Contains(eligible, pinned) {
		return pinned
	}
	if acc := newAssigner(eligible, s.pacer.Remaining).next(""); acc != "" {
		return acc
	}
	return eligible[0]
}

func (s *Service) closeEnrollmentLocked(ctx context.Context, enr model.Enrollment, status model.EnrollmentStatus, reason string) error {
	enr.Status = status
	enr.NextAt = time.Time{}
	enr.UpdatedAt = s.now()
	if err := s.store.UpsertEnrollment(ctx, enr); err != nil {
		return err
	}
	s.log.Info("enrollment closed", logx.String("sequence", enr.SequenceID), logx.String("lead", enr.LeadID), logx.String("status", string(status)), logx.String("reason", reason), logx.Int("step", enr.Step))
	return nil
}

// Recover resubmits the pending step of every active enrollment that has no
// live send, as after a restart. Parked enrollments (failed step) are left
// for a manual retry.
func (s *Service) Recover(ctx context.Context) (int, error) {
	enrollments, err := s.store.ListEnrollments(ctx, model.EnrollmentActive)
	if err != nil {
		return 0, err
	}
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	n := 0
	for _, enr := range enrollments {
		if enr.NextAt.IsZero() {
			continue
		}
		live := s.dispatch.Live(func(ps model.PendingSend) bool {
			return ps.LeadID == enr.LeadID && ps.Origin.SequenceID == enr.SequenceID
		})
		if live > 0 {
			continue
		}
		seq, err := s.store.GetSequence(ctx, enr.SequenceID)
		if err != nil || enr.Step >= len(seq.Steps) {
			s.log.Warn("enrollment not recoverable", logx.String("sequence", enr.SequenceID), logx.String("lead", enr.LeadID), logx.Err(err))
			continue
		}
		lead, err := s.store.GetLead(ctx, enr.LeadID)
		if err != nil {
			continue
		}
		eligible, _ := s.accountPool(ctx, seq.AccountIDs)
		ps, err := s.stepSend(ctx, seq, lead, enr, eligible)
		if err != nil {
			s.log.Warn("enrollment step not rebuilt", logx.String("sequence", enr.SequenceID), logx.String("lead", enr.LeadID), logx.Err(err))
			continue
		}
		if err := s.dispatch.Submit(ps); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
