package storage

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"outreach/internal/model"
)

type enrollmentKey struct{ lead, seq string }

// Memory keeps everything in maps guarded by one lock. Values are copied on
// the way in and out.
type Memory struct {
	mu          sync.RWMutex
	closed      bool
	accounts    map[string]model.Account
	campaigns   map[string]model.Campaign
	sequences   map[string]model.Sequence
	enrollments map[enrollmentKey]model.Enrollment
	leads       map[string]model.Lead
	leadsByTg   map[int64]string
	templates   map[string]model.Template
	messages    map[string]model.Message
	msgOrder    []string
}

func NewMemory() *Memory {
	return &Memory{
		accounts:    map[string]model.Account{},
		campaigns:   map[string]model.Campaign{},
		sequences:   map[string]model.Sequence{},
		enrollments: map[enrollmentKey]model.Enrollment{},
		leads:       map[string]model.Lead{},
		leadsByTg:   map[int64]string{},
		templates:   map[string]model.Template{},
		messages:    map[string]model.Message{},
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.check()
}

func (m *Memory) check() error {
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id string) (model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return model.Account{}, err
	}
	a, ok := m.accounts[id]
	if !ok {
		return model.Account{}, notFound("account", id)
	}
	return a, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]model.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertAccount(_ context.Context, a model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) UpdateAccountStatus(_ context.Context, id string, status model.AccountStatus, floodUntil time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	a, ok := m.accounts[id]
	if !ok {
		return notFound("account", id)
	}
	a.Status = status
	a.FloodUntil = floodUntil
	m.accounts[id] = a
	return nil
}

func cloneCampaign(c model.Campaign) model.Campaign {
	c.AccountIDs = slices.Clone(c.AccountIDs)
	c.Filter.GroupIDs = slices.Clone(c.Filter.GroupIDs)
	c.Filter.LeadStatuses = slices.Clone(c.Filter.LeadStatuses)
	c.Filter.Tags = slices.Clone(c.Filter.Tags)
	return c
}

func (m *Memory) GetCampaign(_ context.Context, id string) (model.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return model.Campaign{}, err
	}
	c, ok := m.campaigns[id]
	if !ok {
		return model.Campaign{}, notFound("campaign", id)
	}
	return cloneCampaign(c), nil
}

func (m *Memory) ListCampaigns(_ context.Context, statuses ...model.CampaignStatus) ([]model.Campaign, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []model.Campaign
	for _, c := range m.campaigns {
		if len(statuses) > 0 && !slices.Contains(statuses, c.Status) {
			continue
		}
		out = append(out, cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertCampaign(_ context.Context, c model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (m *Memory) GetSequence(_ context.Context, id string) (model.Sequence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return model.Sequence{}, err
	}
	s, ok := m.sequences[id]
	if !ok {
		return model.Sequence{}, notFound("sequence", id)
	}
	s.Steps = slices.Clone(s.Steps)
	s.AccountIDs = slices.Clone(s.AccountIDs)
	return s, nil
}

func (m *Memory) UpsertSequence(_ context.Context, s model.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	s.Steps = slices.Clone(s.Steps)
	s.AccountIDs = slices.Clone(s.AccountIDs)
	m.sequences[s.ID] = s
	return nil
}

func (m *Memory) ActiveEnrollment(_ context.Context, leadID string) (model.Enrollment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return model.Enrollment{}, false, err
	}
	for k, e := range m.enrollments {
		if k.lead == leadID && e.Status == model.EnrollmentActive {
			return e, true, nil
		}
	}
	return model.Enrollment{}, false, nil
}

func (m *Memory) GetEnrollment(_ context.Context, leadID, sequenceID string) (model.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return model.Enrollment{}, err
	}
	e, ok := m.enrollments[enrollmentKey{leadID, sequenceID}]
	if !ok {
		return model.Enrollment{}, notFound("enrollment", leadID+"/"+sequenceID)
	}
	return e, nil
}

func (m *Memory) UpsertEnrollment(_ context.Context, e model.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.enrollments[enrollmentKey{e.LeadID, e.SequenceID}] = e
	return nil
}

func (m *Memory) ListEnrollments(_ context.Context, status model.EnrollmentStatus) ([]model.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []model.Enrollment
	for _, e := range m.enrollments {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LeadID != out[j].LeadID {
			return out[i].LeadID < out[j].LeadID
		}
		return out[i].SequenceID < out[j].SequenceID
	})
	return out, nil
}

func cloneLead(l model.Lead) model.Lead {
	l.Tags = slices.Clone(l.Tags)
	l.Fields = maps.Clone(l.Fields)
	return l
}

func (m *Memory) GetLead(_ context.Context, id string) (model.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return model.Lead{}, err
	}
	l, ok := m.leads[id]
	if !ok {
		return model.Lead{}, notFound("lead", id)
	}
	return cloneLead(l), nil
}

func (m *Memory) GetLeadByTgUser(_ context.Context, tgUserID int64) (model.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return model.Lead{}, err
	}
	id, ok := m.leadsByTg[tgUserID]
	if !ok {
		return model.Lead{}, notFound("lead", fmt.Sprint(tgUserID))
	}
	return cloneLead(m.leads[id]), nil
}

func (m *Memory) FindLeads(_ context.Context, f model.GroupFilter) ([]model.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []model.Lead
	for _, l := range m.leads {
		if matchFilter(l, f) {
			out = append(out, cloneLead(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertLead(_ context.Context, l model.Lead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if owner, ok := m.leadsByTg[l.TgUserID]; ok && owner != l.ID {
		return fmt.Errorf("lead tg_user_id %d: %w", l.TgUserID, ErrDuplicate)
	}
	if prev, ok := m.leads[l.ID]; ok && prev.TgUserID != l.TgUserID {
		delete(m.leadsByTg, prev.TgUserID)
	}
	m.leads[l.ID] = cloneLead(l)
	m.leadsByTg[l.TgUserID] = l.ID
	return nil
}

func (m *Memory) GetTemplate(_ context.Context, id string) (model.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return model.Template{}, err
	}
	t, ok := m.templates[id]
	if !ok {
		return model.Template{}, notFound("template", id)
	}
	return t, nil
}

func (m *Memory) UpsertTemplate(_ context.Context, t model.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	m.templates[t.ID] = t
	return nil
}

func (m *Memory) GetMessage(_ context.Context, id string) (model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return model.Message{}, err
	}
	msg, ok := m.messages[id]
	if !ok {
		return model.Message{}, notFound("message", id)
	}
	return msg, nil
}

func (m *Memory) AppendMessage(_ context.Context, msg model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	return m.appendLocked(msg)
}

func (m *Memory) appendLocked(msg model.Message) error {
	if _, ok := m.messages[msg.ID]; ok {
		return fmt.Errorf("message %q: %w", msg.ID, ErrDuplicate)
	}
	m.messages[msg.ID] = msg
	m.msgOrder = append(m.msgOrder, msg.ID)
	return nil
}

func (m *Memory) UpdateDelivery(_ context.Context, id string, d model.Delivery, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	msg, ok := m.messages[id]
	if !ok {
		return notFound("message", id)
	}
	msg.Delivery = d
	msg.Error = errText
	m.messages[id] = msg
	return nil
}

func (m *Memory) ListMessages(_ context.Context, leadID string) ([]model.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	var out []model.Message
	for _, id := range m.msgOrder {
		if msg := m.messages[id]; msg.LeadID == leadID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *Memory) HasCampaignMessage(_ context.Context, campaignID, leadID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return false, err
	}
	for _, msg := range m.messages {
		if msg.CampaignID == campaignID && msg.LeadID == leadID && msg.Direction == model.Outbound &&
			(msg.Delivery == model.DeliverySent || msg.Delivery == model.DeliveryFailed) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) CountCampaignMessages(_ context.Context, campaignID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.check(); err != nil {
		return 0, err
	}
	n := 0
	for _, msg := range m.messages {
		if msg.CampaignID == campaignID && msg.Direction == model.Outbound && msg.Delivery == model.DeliverySent {
			n++
		}
	}
	return n, nil
}

func (m *Memory) RecordOutbound(_ context.Context, msg model.Message, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	lead, ok := m.leads[msg.LeadID]
	if !ok {
		return notFound("lead", msg.LeadID)
	}
	acc, ok := m.accounts[msg.AccountID]
	if !ok {
		return notFound("account", msg.AccountID)
	}
	if err := m.appendLocked(msg); err != nil {
		return err
	}

	lead.SentCount++
	lead.LastContactAt = msg.CreatedAt
	if lead.Status == "" || lead.Status == model.LeadNew {
		lead.Status = model.LeadContacted
	}
	m.leads[lead.ID] = lead

	if acc.SentDay != day {
		acc.SentDay = day
		acc.SentToday = 0
	}
	acc.SentToday++
	acc.LastActiveAt = msg.CreatedAt
	m.accounts[acc.ID] = acc
	return nil
}

func (m *Memory) ResetDailyCounters(_ context.Context, day string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	for id, a := range m.accounts {
		if a.SentDay != day {
			a.SentDay = day
			a.SentToday = 0
			m.accounts[id] = a
		}
	}
	return nil
}
